package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pershin-daniil/agenda/pkg/conflict"
	"github.com/pershin-daniil/agenda/pkg/models"
)

func (s *ScheduleService) GetMeeting(ctx context.Context, id int64) (models.Meeting, error) {
	meeting, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err getting meeting (id %d) from store: %w", id, err)
	}
	return meeting, nil
}

func (s *ScheduleService) GetMeetings(ctx context.Context) ([]models.Meeting, error) {
	meetings, err := s.store.GetMeetings(ctx)
	if err != nil {
		return nil, fmt.Errorf("err getting meetings from store: %w", err)
	}
	return meetings, nil
}

func (s *ScheduleService) MeetingsByOrganizer(ctx context.Context, userID int64) ([]models.Meeting, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	meetings, err := s.store.MeetingsByOrganizer(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("err getting meetings of organizer %d from store: %w", userID, err)
	}
	return meetings, nil
}

func (s *ScheduleService) MeetingsByUser(ctx context.Context, userID int64) ([]models.Meeting, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	meetings, err := s.store.MeetingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("err getting meetings of user %d from store: %w", userID, err)
	}
	return meetings, nil
}

// AgendaForUser returns every BUSY entry of the user ordered by date and start time.
func (s *ScheduleService) AgendaForUser(ctx context.Context, userID int64) ([]models.AgendaEntry, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.store.AgendaForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("err getting agenda of user %d from store: %w", userID, err)
	}
	return entries, nil
}

func (s *ScheduleService) AgendaForUserOnDate(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.store.AgendaForUserOnDate(ctx, userID, date)
	if err != nil {
		return nil, fmt.Errorf("err getting agenda of user %d on %s from store: %w", userID, date, err)
	}
	return entries, nil
}

// FreeSlots derives the FREE gaps of the user's day. A nil window means the whole day.
func (s *ScheduleService) FreeSlots(ctx context.Context, userID int64, date models.Date, window *models.TimeRange) ([]models.AgendaEntry, error) {
	dayStart := date.Time()
	span := models.TimeRange{Start: dayStart, End: dayStart.Add(24 * time.Hour)}
	if window != nil {
		if err := window.Validate(); err != nil {
			return nil, err
		}
		if !span.Contains(*window) {
			return nil, fmt.Errorf("%w: window %s is outside %s", models.ErrValidation, window, date)
		}
		span = *window
	}
	entries, err := s.AgendaForUserOnDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return models.FreeSlots(userID, span, entries), nil
}

// IsAvailable reports whether rng overlaps none of the user's BUSY entries.
func (s *ScheduleService) IsAvailable(ctx context.Context, userID int64, rng models.TimeRange) (bool, error) {
	if err := rng.Validate(); err != nil {
		return false, err
	}
	if !rng.SingleDay() {
		return false, fmt.Errorf("%w: range %s spans more than one day", models.ErrInvalidRange, rng)
	}
	entries, err := s.AgendaForUserOnDate(ctx, userID, rng.Date())
	if err != nil {
		return false, err
	}
	_, found, err := conflict.Check(entries, rng, 0)
	if err != nil {
		return false, err
	}
	return !found, nil
}
