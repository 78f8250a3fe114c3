package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	log       *logrus.Entry
	app       App
	address   string
	version   string
	publicKey *rsa.PublicKey
	validate  *validator.Validate
}

// NewServer builds the HTTP API. A nil publicKey leaves /api unauthenticated.
func NewServer(log *logrus.Logger, app App, address, version string, publicKey *rsa.PublicKey) *Server {
	s := Server{
		log:       log.WithField("component", "rest"),
		app:       app,
		address:   address,
		version:   version,
		publicKey: publicKey,
		validate:  validator.New(),
	}
	return &s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		if s.publicKey != nil {
			r.Use(s.jwtAuth)
		}
		r.Route("/v1", func(r chi.Router) {
			r.Route("/meetings", func(r chi.Router) {
				r.Post("/", s.createMeetingHandler)
				r.Get("/", s.getMeetingsHandler)
				r.Get("/organizer/{userId}", s.meetingsByOrganizerHandler)
				r.Get("/user/{userId}", s.meetingsByUserHandler)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getMeetingHandler)
					r.Put("/", s.updateMeetingHandler)
					r.Delete("/", s.deleteMeetingHandler)
					r.Post("/participants/{userId}", s.addParticipantHandler)
					r.Delete("/participants/{userId}", s.removeParticipantHandler)
				})
			})
			r.Route("/agendas/user/{userId}", func(r chi.Router) {
				r.Get("/", s.agendaHandler)
				r.Get("/free", s.freeSlotsHandler)
				r.Get("/available", s.availabilityHandler)
				r.Get("/ics", s.icsHandler)
			})
		})
	})
	return r
}

// Run serves until ctx is done and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("err during shutdown: %v", err)
		}
	}()

	s.log.Infof("listening on %s", s.address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("err serving http: %w", err)
	}
	return nil
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	_, err := fmt.Fprintf(w, "%s\n", s.version)
	if err != nil {
		s.log.Warnf("err during writing to connection: %v", err)
	}
}
