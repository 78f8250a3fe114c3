package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/metrics"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/store"
)

// RemindUpcoming notifies the attendees of every meeting starting in [now, now+lead).
// Each meeting is reminded once until its time range changes.
func (s *ScheduleService) RemindUpcoming(ctx context.Context, now time.Time, lead time.Duration) (int, error) {
	now = now.UTC()
	meetings, err := s.store.MeetingsStartingBetween(ctx, now, now.Add(lead))
	if err != nil {
		return 0, fmt.Errorf("err getting upcoming meetings from store: %w", err)
	}
	sent := 0
	for _, meeting := range meetings {
		marked, err := s.markReminded(ctx, meeting)
		if errors.Is(err, models.ErrBusy) {
			s.log.Warnf("meeting %d is busy, reminder postponed", meeting.ID)
			continue
		}
		if err != nil {
			return sent, err
		}
		if !marked {
			continue
		}
		for _, userID := range meeting.Attendees() {
			msg := fmt.Sprintf("Reminder: %q starts at %s", meeting.Title, meeting.StartTime.Format(time.RFC3339))
			if err = s.notifier.Notify(ctx, msg, userID); err != nil {
				s.log.Errorf("err reminding user %d: %v", userID, err)
			}
		}
		metrics.RemindersSent.Inc()
		sent++
	}
	return sent, nil
}

func (s *ScheduleService) markReminded(ctx context.Context, meeting models.Meeting) (bool, error) {
	keys := []lock.Key{lock.MeetingKey(meeting.ID)}
	release, err := s.acquire(ctx, keys)
	if err != nil {
		return false, err
	}
	defer release()

	marked := false
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}
		current, err := tx.GetMeeting(ctx, meeting.ID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// a newer version is picked up on the next run
		if current.Reminded || current.Version != meeting.Version {
			return nil
		}
		marked = true
		return tx.MarkReminded(ctx, meeting.ID)
	})
	if err != nil {
		return false, fmt.Errorf("err marking meeting %d reminded: %w", meeting.ID, err)
	}
	return marked, nil
}
