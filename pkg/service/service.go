package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/metrics"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/notifier"
	"github.com/pershin-daniil/agenda/pkg/store"
)

// maxAttempts bounds how often a mutation is retried when the meeting changed between reading it and locking it.
const maxAttempts = 3

var errStale = errors.New("meeting changed while waiting for locks")

type Locker interface {
	Acquire(ctx context.Context, keys []lock.Key) (func(), error)
}

// ScheduleService keeps meetings and the attendees' agendas consistent with each other.
type ScheduleService struct {
	log      *logrus.Entry
	store    store.Store
	locker   Locker
	notifier notifier.Notifier
}

func NewScheduleService(log *logrus.Logger, store store.Store, locker Locker, notifier notifier.Notifier) *ScheduleService {
	s := ScheduleService{
		log:      log.WithField("component", "service"),
		store:    store,
		locker:   locker,
		notifier: notifier,
	}
	return &s
}

func (s *ScheduleService) validateUsers(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		ok, err := s.store.UserExists(ctx, id)
		if err != nil {
			return fmt.Errorf("err checking user %d: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("%w: id %d", models.ErrUserNotFound, id)
		}
	}
	return nil
}

func (s *ScheduleService) requireUser(ctx context.Context, id int64) error {
	return s.validateUsers(ctx, []int64{id})
}

func (s *ScheduleService) acquire(ctx context.Context, keys []lock.Key) (func(), error) {
	start := time.Now()
	release, err := s.locker.Acquire(ctx, keys)
	metrics.LockWait.Observe(time.Since(start).Seconds())
	return release, err
}

func observe(op string, start time.Time, err error) {
	metrics.MeetingOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.MeetingOps.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrValidation):
		return "invalid"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrBusy):
		return "busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
