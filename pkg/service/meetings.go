package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/agenda/pkg/conflict"
	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/store"
)

const (
	opCreate            = "create"
	opUpdate            = "update"
	opDelete            = "delete"
	opAddParticipant    = "add_participant"
	opRemoveParticipant = "remove_participant"
)

// mutation is one change to a meeting. before is nil for a create, after is nil for a delete.
type mutation struct {
	op     string
	id     string
	before *models.Meeting
	after  *models.Meeting
}

// affected returns the union of old and new attendees in ascending order.
func (m mutation) affected() []int64 {
	seen := make(map[int64]struct{})
	out := make([]int64, 0)
	for _, meeting := range []*models.Meeting{m.before, m.after} {
		if meeting == nil {
			continue
		}
		for _, id := range meeting.Attendees() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m mutation) keys() []lock.Key {
	dates := make([]models.Date, 0, 2)
	if m.before != nil {
		dates = append(dates, m.before.Range().Date())
	}
	if m.after != nil {
		dates = append(dates, m.after.Range().Date())
	}
	keys := make([]lock.Key, 0)
	for _, userID := range m.affected() {
		for _, date := range dates {
			keys = append(keys, lock.UserKey(userID, date))
		}
	}
	if m.before != nil {
		keys = append(keys, lock.MeetingKey(m.before.ID))
	}
	return keys
}

func (s *ScheduleService) CreateMeeting(ctx context.Context, req models.MeetingRequest) (models.Meeting, error) {
	start := time.Now()
	created, err := s.createMeeting(ctx, req)
	observe(opCreate, start, err)
	return created, err
}

func (s *ScheduleService) createMeeting(ctx context.Context, req models.MeetingRequest) (models.Meeting, error) {
	meeting, err := req.ToMeeting()
	if err != nil {
		return models.Meeting{}, err
	}
	if err = s.validateUsers(ctx, meeting.Attendees()); err != nil {
		return models.Meeting{}, err
	}
	mut := mutation{op: opCreate, id: uuid.NewString(), after: &meeting}
	created, err := s.apply(ctx, mut)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err creating meeting: %w", err)
	}
	s.notifyChange(ctx, mut, created)
	return created, nil
}

// UpdateMeeting replaces every field of the meeting. Old attendees lose their entries and new attendees
// are booked at the new range in the same transaction.
func (s *ScheduleService) UpdateMeeting(ctx context.Context, id int64, req models.MeetingRequest) (models.Meeting, error) {
	start := time.Now()
	updated, err := s.updateMeeting(ctx, id, req)
	observe(opUpdate, start, err)
	return updated, err
}

func (s *ScheduleService) updateMeeting(ctx context.Context, id int64, req models.MeetingRequest) (models.Meeting, error) {
	next, err := req.ToMeeting()
	if err != nil {
		return models.Meeting{}, err
	}
	if err = s.validateUsers(ctx, next.Attendees()); err != nil {
		return models.Meeting{}, err
	}
	updated, err := s.mutate(ctx, opUpdate, id, func(current models.Meeting) (*models.Meeting, bool, error) {
		after := next.Clone()
		after.ID = current.ID
		return &after, true, nil
	})
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err updating meeting (id %d): %w", id, err)
	}
	return updated, nil
}

func (s *ScheduleService) DeleteMeeting(ctx context.Context, id int64) (models.Meeting, error) {
	start := time.Now()
	deleted, err := s.mutate(ctx, opDelete, id, func(models.Meeting) (*models.Meeting, bool, error) {
		return nil, true, nil
	})
	observe(opDelete, start, err)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err deleting meeting (id %d): %w", id, err)
	}
	return deleted, nil
}

// AddParticipant books userID into the meeting. Adding an attendee twice returns the meeting unchanged.
func (s *ScheduleService) AddParticipant(ctx context.Context, meetingID, userID int64) (models.Meeting, error) {
	start := time.Now()
	meeting, err := s.changeParticipants(ctx, opAddParticipant, meetingID, userID, func(current models.Meeting) (*models.Meeting, bool, error) {
		if current.HasAttendee(userID) {
			return nil, false, nil
		}
		after := current.Clone()
		after.ParticipantIDs = append(after.ParticipantIDs, userID)
		return &after, true, nil
	})
	observe(opAddParticipant, start, err)
	return meeting, err
}

// RemoveParticipant frees userID from the meeting. Removing someone who is not a participant is a no-op;
// the organizer cannot be removed this way.
func (s *ScheduleService) RemoveParticipant(ctx context.Context, meetingID, userID int64) (models.Meeting, error) {
	start := time.Now()
	meeting, err := s.changeParticipants(ctx, opRemoveParticipant, meetingID, userID, func(current models.Meeting) (*models.Meeting, bool, error) {
		if current.OrganizerID == userID {
			return nil, false, fmt.Errorf("%w: organizer %d cannot be removed from meeting %d", models.ErrValidation, userID, meetingID)
		}
		if !current.HasAttendee(userID) {
			return nil, false, nil
		}
		after := current.Clone()
		after.ParticipantIDs = after.ParticipantIDs[:0]
		for _, id := range current.ParticipantIDs {
			if id != userID {
				after.ParticipantIDs = append(after.ParticipantIDs, id)
			}
		}
		return &after, true, nil
	})
	observe(opRemoveParticipant, start, err)
	return meeting, err
}

func (s *ScheduleService) changeParticipants(ctx context.Context, op string, meetingID, userID int64, next change) (models.Meeting, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return models.Meeting{}, err
	}
	meeting, err := s.mutate(ctx, op, meetingID, next)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err changing participants of meeting (id %d): %w", meetingID, err)
	}
	return meeting, nil
}

// change derives the wanted state of a meeting from its current state. changed=false means nothing to do.
type change func(current models.Meeting) (after *models.Meeting, changed bool, err error)

func (s *ScheduleService) mutate(ctx context.Context, op string, id int64, next change) (models.Meeting, error) {
	opID := uuid.NewString()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := s.store.GetMeeting(ctx, id)
		if err != nil {
			return models.Meeting{}, err
		}
		after, changed, err := next(current)
		if err != nil {
			return models.Meeting{}, err
		}
		if !changed {
			return current, nil
		}
		mut := mutation{op: op, id: opID, before: &current, after: after}
		result, err := s.apply(ctx, mut)
		if errors.Is(err, errStale) {
			s.log.WithField("op_id", opID).Debugf("meeting %d changed before it was locked, attempt %d", id, attempt)
			continue
		}
		if err != nil {
			return models.Meeting{}, err
		}
		s.notifyChange(ctx, mut, result)
		return result, nil
	}
	return models.Meeting{}, fmt.Errorf("%w: meeting %d keeps changing", models.ErrBusy, id)
}

// apply locks every affected ledger and the meeting, then validates, checks and writes in one transaction.
func (s *ScheduleService) apply(ctx context.Context, mut mutation) (models.Meeting, error) {
	log := s.log.WithFields(logrus.Fields{"op": mut.op, "op_id": mut.id})
	keys := lock.Sorted(mut.keys())
	release, err := s.acquire(ctx, keys)
	if err != nil {
		return models.Meeting{}, err
	}
	defer release()

	var result models.Meeting
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockKeys(ctx, keys); err != nil {
			return err
		}
		if mut.before != nil {
			current, err := tx.GetMeeting(ctx, mut.before.ID)
			if err != nil {
				return err
			}
			if current.Version != mut.before.Version {
				return errStale
			}
		}
		if err := s.check(ctx, tx, mut); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// Agenda writes have started: the caller can no longer cancel.
		var err error
		result, err = s.commit(context.WithoutCancel(ctx), tx, mut)
		return err
	})
	if err != nil {
		log.Debugf("meeting %s rejected: %v", mut.op, err)
		return models.Meeting{}, err
	}
	log.WithField("meeting", result.ID).Infof("meeting %s applied", mut.op)
	return result, nil
}

// check runs the conflict checker for every attendee of the new state against the new range, ignoring the
// meeting's own entries. Users only leaving the meeting are not checked.
func (s *ScheduleService) check(ctx context.Context, tx store.Tx, mut mutation) error {
	if mut.after == nil {
		return nil
	}
	rng := mut.after.Range()
	for _, userID := range mut.after.Attendees() {
		entries, err := tx.ListEntries(ctx, userID, rng.Date())
		if err != nil {
			return fmt.Errorf("err listing agenda of user %d: %w", userID, err)
		}
		existing, found, err := conflict.Check(entries, rng, mut.after.ID)
		if err != nil {
			return err
		}
		if found {
			return conflict.Error(userID, rng, existing)
		}
	}
	return nil
}

func (s *ScheduleService) commit(ctx context.Context, tx store.Tx, mut mutation) (models.Meeting, error) {
	after := mut.after
	if after != nil && after.ID == 0 {
		id, err := tx.ReserveMeetingID(ctx)
		if err != nil {
			return models.Meeting{}, fmt.Errorf("err reserving meeting id: %w", err)
		}
		after.ID = id
	}

	if mut.before != nil {
		date := mut.before.Range().Date()
		for _, userID := range mut.before.Attendees() {
			if err := tx.RemoveByMeeting(ctx, userID, date, mut.before.ID); err != nil {
				return models.Meeting{}, fmt.Errorf("err freeing user %d: %w", userID, err)
			}
		}
	}
	if after != nil {
		rng := after.Range()
		for _, userID := range after.Attendees() {
			if _, err := tx.InsertBusy(ctx, userID, rng.Date(), rng, after.ID); err != nil {
				return models.Meeting{}, fmt.Errorf("err booking user %d: %w", userID, err)
			}
		}
	}

	switch {
	case mut.before == nil:
		after.Version = 1
		return tx.CreateMeeting(ctx, *after)
	case after == nil:
		if err := tx.DeleteMeeting(ctx, mut.before.ID); err != nil {
			return models.Meeting{}, err
		}
		return *mut.before, nil
	default:
		next := after.Clone()
		next.Version = mut.before.Version + 1
		next.CreatedAt = mut.before.CreatedAt
		next.Reminded = mut.before.Reminded && mut.before.Range().Equal(next.Range())
		return tx.UpdateMeeting(ctx, next)
	}
}

func (s *ScheduleService) notifyChange(ctx context.Context, mut mutation, result models.Meeting) {
	type message struct {
		userID int64
		text   string
	}
	var messages []message
	switch {
	case mut.before == nil:
		for _, userID := range result.Attendees() {
			messages = append(messages, message{userID, fmt.Sprintf("You are invited to %q at %s", result.Title, result.Range())})
		}
	case mut.after == nil:
		for _, userID := range mut.before.Attendees() {
			messages = append(messages, message{userID, fmt.Sprintf("Meeting %q at %s is cancelled", mut.before.Title, mut.before.Range())})
		}
	default:
		for _, userID := range mut.affected() {
			switch {
			case !result.HasAttendee(userID):
				messages = append(messages, message{userID, fmt.Sprintf("You are removed from meeting %q", result.Title)})
			case !mut.before.HasAttendee(userID):
				messages = append(messages, message{userID, fmt.Sprintf("You are invited to %q at %s", result.Title, result.Range())})
			default:
				messages = append(messages, message{userID, fmt.Sprintf("Meeting %q is now at %s", result.Title, result.Range())})
			}
		}
	}
	for _, m := range messages {
		if err := s.notifier.Notify(ctx, m.text, m.userID); err != nil {
			s.log.Errorf("err notifying user %d: %v", m.userID, err)
		}
	}
}
