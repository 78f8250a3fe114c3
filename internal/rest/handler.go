package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pershin-daniil/agenda/pkg/ics"
	"github.com/pershin-daniil/agenda/pkg/models"
)

type App interface {
	CreateMeeting(ctx context.Context, req models.MeetingRequest) (models.Meeting, error)
	GetMeeting(ctx context.Context, id int64) (models.Meeting, error)
	GetMeetings(ctx context.Context) ([]models.Meeting, error)
	UpdateMeeting(ctx context.Context, id int64, req models.MeetingRequest) (models.Meeting, error)
	DeleteMeeting(ctx context.Context, id int64) (models.Meeting, error)
	AddParticipant(ctx context.Context, meetingID, userID int64) (models.Meeting, error)
	RemoveParticipant(ctx context.Context, meetingID, userID int64) (models.Meeting, error)
	MeetingsByOrganizer(ctx context.Context, userID int64) ([]models.Meeting, error)
	MeetingsByUser(ctx context.Context, userID int64) ([]models.Meeting, error)
	AgendaForUser(ctx context.Context, userID int64) ([]models.AgendaEntry, error)
	AgendaForUserOnDate(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error)
	FreeSlots(ctx context.Context, userID int64, date models.Date, window *models.TimeRange) ([]models.AgendaEntry, error)
	IsAvailable(ctx context.Context, userID int64, rng models.TimeRange) (bool, error)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ConflictResponse tells the client whose agenda blocks the request.
type ConflictResponse struct {
	Error     string           `json:"error"`
	UserID    int64            `json:"userId"`
	Date      models.Date      `json:"date"`
	Requested models.TimeRange `json:"requested"`
	Existing  models.TimeRange `json:"existing"`
	MeetingID int64            `json:"meetingId"`
}

type AvailabilityResponse struct {
	UserID    int64     `json:"userId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Available bool      `json:"available"`
}

func (s *Server) createMeetingHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.decodeMeeting(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meeting, err := s.app.CreateMeeting(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusCreated, meeting)
}

func (s *Server) getMeetingsHandler(w http.ResponseWriter, r *http.Request) {
	meetings, err := s.app.GetMeetings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meetings)
}

func (s *Server) getMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	meeting, err := s.app.GetMeeting(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) updateMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.decodeMeeting(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meeting, err := s.app.UpdateMeeting(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) deleteMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	meeting, err := s.app.DeleteMeeting(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) addParticipantHandler(w http.ResponseWriter, r *http.Request) {
	s.changeParticipant(w, r, s.app.AddParticipant)
}

func (s *Server) removeParticipantHandler(w http.ResponseWriter, r *http.Request) {
	s.changeParticipant(w, r, s.app.RemoveParticipant)
}

func (s *Server) changeParticipant(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, meetingID, userID int64) (models.Meeting, error)) {
	meetingID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	meeting, err := change(r.Context(), meetingID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) meetingsByOrganizerHandler(w http.ResponseWriter, r *http.Request) {
	s.meetingsOfUser(w, r, s.app.MeetingsByOrganizer)
}

func (s *Server) meetingsByUserHandler(w http.ResponseWriter, r *http.Request) {
	s.meetingsOfUser(w, r, s.app.MeetingsByUser)
}

func (s *Server) meetingsOfUser(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, userID int64) ([]models.Meeting, error)) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	meetings, err := list(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, meetings)
}

func (s *Server) agendaHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var entries []models.AgendaEntry
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err := models.ParseDate(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entries, err = s.app.AgendaForUserOnDate(ctx, userID, date)
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		entries, err = s.app.AgendaForUser(ctx, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeResponse(w, http.StatusOK, entries)
}

func (s *Server) freeSlotsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	query := r.URL.Query()
	date, err := models.ParseDate(query.Get("date"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var window *models.TimeRange
	if query.Get("from") != "" || query.Get("to") != "" {
		rng, err := queryRange(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		window = &rng
	}
	free, err := s.app.FreeSlots(r.Context(), userID, date, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, free)
}

func (s *Server) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng, err := queryRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.app.IsAvailable(r.Context(), userID, rng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, AvailabilityResponse{UserID: userID, StartTime: rng.Start, EndTime: rng.End, Available: ok})
}

func (s *Server) icsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.app.AgendaForUser(ctx, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	meetings, err := s.app.MeetingsByUser(ctx, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write([]byte(ics.Export(entries, meetings, time.Now()))); err != nil {
		s.log.Warnf("err during writing to connection: %v", err)
	}
}

// decodeMeeting reads and shape-checks a meeting body. Without organizerId the caller's token user organizes.
func (s *Server) decodeMeeting(r *http.Request) (models.MeetingRequest, error) {
	var req models.MeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.MeetingRequest{}, fmt.Errorf("%w: bad request body: %v", models.ErrValidation, err)
	}
	if req.OrganizerID == nil {
		if claims := s.getClaims(r.Context()); claims != nil {
			organizer := claims.UserID
			req.OrganizerID = &organizer
		}
	}
	if err := s.validate.Struct(req); err != nil {
		return models.MeetingRequest{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return req, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", models.ErrValidation, name, chi.URLParam(r, name))
	}
	return id, nil
}

func queryRange(r *http.Request) (models.TimeRange, error) {
	query := r.URL.Query()
	from, err := time.Parse(time.RFC3339, query.Get("from"))
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("%w: bad from %q", models.ErrValidation, query.Get("from"))
	}
	to, err := time.Parse(time.RFC3339, query.Get("to"))
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("%w: bad to %q", models.ErrValidation, query.Get("to"))
	}
	return models.NewTimeRange(from, to)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var conflict *models.ConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeResponse(w, http.StatusConflict, ConflictResponse{
			Error:     err.Error(),
			UserID:    conflict.UserID,
			Date:      conflict.Date,
			Requested: conflict.Requested,
			Existing:  conflict.Existing,
			MeetingID: conflict.MeetingID,
		})
	case errors.Is(err, models.ErrValidation):
		s.writeResponse(w, http.StatusBadRequest, err)
	case errors.Is(err, models.ErrNotFound):
		s.writeResponse(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrBusy):
		w.Header().Set("Retry-After", "1")
		s.writeResponse(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.log.Debugf("request abandoned: %v", err)
		s.writeResponse(w, http.StatusServiceUnavailable, err)
	default:
		s.log.Warnf("err during handling request: %v", err)
		s.writeResponse(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if x, ok := data.(error); ok {
		if err := json.NewEncoder(w).Encode(ErrorResponse{Error: x.Error()}); err != nil {
			s.log.Warnf("err during encoding error: %v", err)
		}
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnf("err during encoding response: %v", err)
	}
}
