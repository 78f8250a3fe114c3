package service

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/memstore"
	"github.com/pershin-daniil/agenda/pkg/models"
)

const (
	day     models.Date = "2024-01-01"
	users               = 6
	unknown int64       = 99
)

func at(h, m int) time.Time {
	return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)
}

func request(title string, start, end time.Time, organizer int64, participants ...int64) models.MeetingRequest {
	return models.MeetingRequest{
		Title:          &title,
		StartTime:      &start,
		EndTime:        &end,
		OrganizerID:    &organizer,
		ParticipantIDs: participants,
	}
}

type sentMessage struct {
	userID  int64
	message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(_ context.Context, message string, userID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{userID: userID, message: message})
	return nil
}

func (n *recordingNotifier) recipients() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int64, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.userID)
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type ServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memstore.Store
	locker   *lock.Locker
	notifier *recordingNotifier
	svc      *ScheduleService
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s.ctx = context.Background()
	s.store = memstore.New(log)
	for i := 0; i < users; i++ {
		s.store.AddUser(models.User{FirstName: "user"})
	}
	s.locker = lock.New(5 * time.Second)
	s.notifier = &recordingNotifier{}
	s.svc = NewScheduleService(log, s.store, s.locker, s.notifier)
}

// requireConsistent asserts that meetings and agendas describe exactly the same bookings.
func (s *ServiceTestSuite) requireConsistent() {
	meetings, err := s.store.GetMeetings(s.ctx)
	s.Require().NoError(err)
	byID := make(map[int64]models.Meeting, len(meetings))
	for _, m := range meetings {
		s.Require().NoError(m.Validate())
		byID[m.ID] = m
	}
	for userID := int64(1); userID <= users; userID++ {
		entries, err := s.store.AgendaForUser(s.ctx, userID)
		s.Require().NoError(err)
		seen := make(map[int64]int)
		for i, e := range entries {
			s.Require().True(e.Busy())
			s.Require().NotNil(e.MeetingID)
			m, ok := byID[*e.MeetingID]
			s.Require().True(ok, "entry %d points to missing meeting %d", e.ID, *e.MeetingID)
			s.Require().True(m.HasAttendee(userID))
			s.Require().True(e.Range().Equal(m.Range()))
			s.Require().Equal(m.Range().Date(), e.Date)
			seen[m.ID]++
			if i > 0 && entries[i-1].Date == e.Date {
				s.Require().False(entries[i-1].Range().Overlaps(e.Range()), "user %d is double booked", userID)
			}
		}
		for _, m := range meetings {
			want := 0
			if m.HasAttendee(userID) {
				want = 1
			}
			s.Require().Equal(want, seen[m.ID], "user %d, meeting %d", userID, m.ID)
		}
	}
	s.Require().Equal(0, s.locker.Held())
}

func (s *ServiceTestSuite) agenda(userID int64) []models.AgendaEntry {
	entries, err := s.svc.AgendaForUserOnDate(s.ctx, userID, day)
	s.Require().NoError(err)
	return entries
}

func (s *ServiceTestSuite) TestCreateMeeting() {
	m, err := s.svc.CreateMeeting(s.ctx, request("sync", at(9, 0), at(10, 0), 1, 2, 3))
	s.Require().NoError(err)
	s.Require().NotZero(m.ID)
	s.Require().Equal(int64(1), m.Version)
	s.Require().Equal([]int64{1, 2, 3}, m.Attendees())

	for _, userID := range []int64{1, 2, 3} {
		entries := s.agenda(userID)
		s.Require().Len(entries, 1)
		s.Require().True(entries[0].BelongsTo(m.ID))
		s.Require().True(entries[0].Range().Equal(m.Range()))
	}
	s.Require().Empty(s.agenda(4))

	got, err := s.svc.GetMeeting(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Require().Equal(m.Title, got.Title)
	s.Require().ElementsMatch([]int64{1, 2, 3}, s.notifier.recipients())
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestCreateMeetingConflict() {
	first, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1))
	s.Require().NoError(err)

	_, err = s.svc.CreateMeeting(s.ctx, request("b", at(9, 30), at(10, 30), 2, 1))
	s.Require().ErrorIs(err, models.ErrConflict)
	var ce *models.ConflictError
	s.Require().True(errors.As(err, &ce))
	s.Require().Equal(int64(1), ce.UserID)
	s.Require().Equal(first.ID, ce.MeetingID)
	s.Require().True(ce.Existing.Equal(first.Range()))
	s.Require().Empty(s.agenda(2), "rejected meeting must not book anyone")

	_, err = s.svc.CreateMeeting(s.ctx, request("c", at(10, 0), at(11, 0), 2, 1))
	s.Require().NoError(err)
	s.Require().Len(s.agenda(1), 2)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestCreateMeetingValidation() {
	tests := []struct {
		name string
		req  models.MeetingRequest
		err  error
	}{
		{name: "empty range", req: request("a", at(9, 0), at(9, 0), 1), err: models.ErrInvalidRange},
		{name: "reversed range", req: request("a", at(10, 0), at(9, 0), 1), err: models.ErrInvalidRange},
		{name: "organizer listed", req: request("a", at(9, 0), at(10, 0), 1, 1), err: models.ErrValidation},
		{name: "unknown organizer", req: request("a", at(9, 0), at(10, 0), unknown), err: models.ErrUserNotFound},
		{name: "unknown participant", req: request("a", at(9, 0), at(10, 0), 1, unknown), err: models.ErrNotFound},
	}
	for _, tc := range tests {
		s.Run(tc.name, func() {
			_, err := s.svc.CreateMeeting(s.ctx, tc.req)
			s.Require().ErrorIs(err, tc.err)
		})
	}
	meetings, err := s.svc.GetMeetings(s.ctx)
	s.Require().NoError(err)
	s.Require().Empty(meetings)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestUpdateMeeting() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2, 3))
	s.Require().NoError(err)

	updated, err := s.svc.UpdateMeeting(s.ctx, m.ID, request("b", at(14, 0), at(15, 0), 1, 3, 4))
	s.Require().NoError(err)
	s.Require().Equal(m.ID, updated.ID)
	s.Require().Equal(int64(2), updated.Version)
	s.Require().Equal("b", updated.Title)

	s.Require().Empty(s.agenda(2))
	for _, userID := range []int64{1, 3, 4} {
		entries := s.agenda(userID)
		s.Require().Len(entries, 1)
		s.Require().True(entries[0].StartTime.Equal(at(14, 0)))
	}
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestUpdateMeetingOverlappingItself() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().NoError(err)

	_, err = s.svc.UpdateMeeting(s.ctx, m.ID, request("a", at(9, 30), at(10, 30), 1, 2))
	s.Require().NoError(err)
	entries := s.agenda(2)
	s.Require().Len(entries, 1)
	s.Require().True(entries[0].StartTime.Equal(at(9, 30)))
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestUpdateMeetingConflictChangesNothing() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2, 3))
	s.Require().NoError(err)
	blocker, err := s.svc.CreateMeeting(s.ctx, request("blocker", at(14, 0), at(15, 0), 5, 4))
	s.Require().NoError(err)

	_, err = s.svc.UpdateMeeting(s.ctx, m.ID, request("b", at(14, 30), at(15, 30), 1, 2, 4))
	var ce *models.ConflictError
	s.Require().True(errors.As(err, &ce))
	s.Require().Equal(int64(4), ce.UserID)
	s.Require().Equal(blocker.ID, ce.MeetingID)

	got, err := s.svc.GetMeeting(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Require().Equal("a", got.Title)
	s.Require().Equal(int64(1), got.Version)
	for _, userID := range []int64{1, 2, 3} {
		entries := s.agenda(userID)
		s.Require().Len(entries, 1)
		s.Require().True(entries[0].BelongsTo(m.ID))
	}
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestUpdateDroppingBusyParticipant() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().NoError(err)
	_, err = s.svc.CreateMeeting(s.ctx, request("b", at(14, 0), at(15, 0), 2))
	s.Require().NoError(err)

	updated, err := s.svc.UpdateMeeting(s.ctx, m.ID, request("a", at(14, 0), at(15, 0), 1))
	s.Require().NoError(err)
	s.Require().Empty(updated.ParticipantIDs)
	s.Require().Len(s.agenda(2), 1)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestUpdateMissingMeeting() {
	_, err := s.svc.UpdateMeeting(s.ctx, 42, request("a", at(9, 0), at(10, 0), 1))
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
}

func (s *ServiceTestSuite) TestDeleteMeeting() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2, 3))
	s.Require().NoError(err)
	other, err := s.svc.CreateMeeting(s.ctx, request("b", at(11, 0), at(12, 0), 2))
	s.Require().NoError(err)
	s.notifier.reset()

	deleted, err := s.svc.DeleteMeeting(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Require().Equal(m.ID, deleted.ID)
	s.Require().ElementsMatch([]int64{1, 2, 3}, s.notifier.recipients())

	_, err = s.svc.GetMeeting(s.ctx, m.ID)
	s.Require().ErrorIs(err, models.ErrNotFound)
	s.Require().Empty(s.agenda(1))
	s.Require().Empty(s.agenda(3))
	entries := s.agenda(2)
	s.Require().Len(entries, 1)
	s.Require().True(entries[0].BelongsTo(other.ID))

	_, err = s.svc.DeleteMeeting(s.ctx, m.ID)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestAddParticipant() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1))
	s.Require().NoError(err)

	added, err := s.svc.AddParticipant(s.ctx, m.ID, 2)
	s.Require().NoError(err)
	s.Require().Equal([]int64{2}, added.ParticipantIDs)
	s.Require().Len(s.agenda(2), 1)

	again, err := s.svc.AddParticipant(s.ctx, m.ID, 2)
	s.Require().NoError(err)
	s.Require().Equal(added.Version, again.Version)

	_, err = s.svc.AddParticipant(s.ctx, m.ID, unknown)
	s.Require().ErrorIs(err, models.ErrUserNotFound)
	_, err = s.svc.AddParticipant(s.ctx, 42, 3)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestAddParticipantConflict() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1))
	s.Require().NoError(err)
	_, err = s.svc.CreateMeeting(s.ctx, request("b", at(9, 45), at(10, 15), 3))
	s.Require().NoError(err)

	_, err = s.svc.AddParticipant(s.ctx, m.ID, 3)
	s.Require().ErrorIs(err, models.ErrConflict)
	got, err := s.svc.GetMeeting(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Require().Empty(got.ParticipantIDs)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestRemoveParticipant() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2, 3))
	s.Require().NoError(err)

	removed, err := s.svc.RemoveParticipant(s.ctx, m.ID, 2)
	s.Require().NoError(err)
	s.Require().Equal([]int64{3}, removed.ParticipantIDs)
	s.Require().Empty(s.agenda(2))
	s.Require().Len(s.agenda(3), 1)

	again, err := s.svc.RemoveParticipant(s.ctx, m.ID, 2)
	s.Require().NoError(err)
	s.Require().Equal(removed.Version, again.Version)
	s.Require().Equal(removed.ParticipantIDs, again.ParticipantIDs)

	_, err = s.svc.RemoveParticipant(s.ctx, m.ID, 1)
	s.Require().ErrorIs(err, models.ErrValidation)
	s.Require().Len(s.agenda(1), 1)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestLockTimeoutReturnsBusy() {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s.locker = lock.New(50 * time.Millisecond)
	s.svc = NewScheduleService(log, s.store, s.locker, s.notifier)

	release, err := s.locker.Acquire(s.ctx, []lock.Key{lock.UserKey(2, day)})
	s.Require().NoError(err)
	_, err = s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().ErrorIs(err, models.ErrBusy)
	release()

	s.Require().Empty(s.agenda(1))
	s.Require().Empty(s.notifier.recipients())
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestCanceledBeforeApply() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.svc.CreateMeeting(ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().Empty(s.agenda(1))
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestConcurrentCreatesBookOnce() {
	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(9, i%4*10)
			_, err := s.svc.CreateMeeting(context.Background(), request("race", start, start.Add(time.Hour), int64(2+i%5), 1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			s.Assert().ErrorIs(err, models.ErrConflict)
		}(i)
	}
	wg.Wait()
	s.Require().Equal(1, success)
	s.Require().Len(s.agenda(1), 1)
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestRandomOperationsKeepConsistency() {
	rnd := rand.New(rand.NewSource(7))
	randomRequest := func() models.MeetingRequest {
		start := at(8+rnd.Intn(9), rnd.Intn(4)*15)
		end := start.Add(time.Duration(1+rnd.Intn(6)) * 15 * time.Minute)
		organizer := int64(1 + rnd.Intn(users))
		var participants []int64
		for id := int64(1); id <= users; id++ {
			if id != organizer && rnd.Intn(3) == 0 {
				participants = append(participants, id)
			}
		}
		return request("random", start, end, organizer, participants...)
	}
	// k is drawn while the ops are generated, rnd is not used by the workers
	pickMeeting := func(k int) int64 {
		meetings, err := s.store.GetMeetings(s.ctx)
		if !s.Assert().NoError(err) || len(meetings) == 0 {
			return 1
		}
		return meetings[k%len(meetings)].ID
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		ops := make([]func() error, 0, 50)
		for i := 0; i < 50; i++ {
			var op func() error
			k := rnd.Int()
			switch rnd.Intn(5) {
			case 0, 1:
				req := randomRequest()
				op = func() error { _, err := s.svc.CreateMeeting(s.ctx, req); return err }
			case 2:
				req := randomRequest()
				op = func() error { _, err := s.svc.UpdateMeeting(s.ctx, pickMeeting(k), req); return err }
			case 3:
				userID := int64(1 + rnd.Intn(users))
				op = func() error { _, err := s.svc.AddParticipant(s.ctx, pickMeeting(k), userID); return err }
			default:
				userID := int64(1 + rnd.Intn(users))
				if rnd.Intn(3) == 0 {
					op = func() error { _, err := s.svc.DeleteMeeting(s.ctx, pickMeeting(k)); return err }
				} else {
					op = func() error { _, err := s.svc.RemoveParticipant(s.ctx, pickMeeting(k), userID); return err }
				}
			}
			ops = append(ops, op)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, op := range ops {
				err := op()
				if err == nil {
					continue
				}
				s.Assert().True(
					errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrValidation) ||
						errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrBusy),
					"unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	s.requireConsistent()
}

func (s *ServiceTestSuite) TestFreeSlotsAndAvailability() {
	_, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1))
	s.Require().NoError(err)
	_, err = s.svc.CreateMeeting(s.ctx, request("b", at(13, 0), at(14, 0), 1))
	s.Require().NoError(err)

	window := models.TimeRange{Start: at(8, 0), End: at(18, 0)}
	free, err := s.svc.FreeSlots(s.ctx, 1, day, &window)
	s.Require().NoError(err)
	s.Require().Len(free, 3)
	s.Require().True(free[0].Range().Equal(models.TimeRange{Start: at(8, 0), End: at(9, 0)}))
	s.Require().True(free[1].Range().Equal(models.TimeRange{Start: at(10, 0), End: at(13, 0)}))
	s.Require().True(free[2].Range().Equal(models.TimeRange{Start: at(14, 0), End: at(18, 0)}))
	for _, e := range free {
		s.Require().Equal(models.StatusFree, e.Status)
	}

	whole, err := s.svc.FreeSlots(s.ctx, 1, day, nil)
	s.Require().NoError(err)
	s.Require().Len(whole, 3)
	s.Require().True(whole[0].StartTime.Equal(at(0, 0)))

	outside := models.TimeRange{Start: at(20, 0), End: at(20, 0).Add(6 * time.Hour)}
	_, err = s.svc.FreeSlots(s.ctx, 1, day, &outside)
	s.Require().ErrorIs(err, models.ErrValidation)

	ok, err := s.svc.IsAvailable(s.ctx, 1, models.TimeRange{Start: at(10, 0), End: at(13, 0)})
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = s.svc.IsAvailable(s.ctx, 1, models.TimeRange{Start: at(9, 59), End: at(10, 30)})
	s.Require().NoError(err)
	s.Require().False(ok)
	_, err = s.svc.IsAvailable(s.ctx, unknown, models.TimeRange{Start: at(10, 0), End: at(11, 0)})
	s.Require().ErrorIs(err, models.ErrUserNotFound)
}

func (s *ServiceTestSuite) TestMeetingQueries() {
	a, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().NoError(err)
	b, err := s.svc.CreateMeeting(s.ctx, request("b", at(11, 0), at(12, 0), 2))
	s.Require().NoError(err)

	byOrganizer, err := s.svc.MeetingsByOrganizer(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(byOrganizer, 1)
	s.Require().Equal(b.ID, byOrganizer[0].ID)

	byUser, err := s.svc.MeetingsByUser(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(byUser, 2)
	s.Require().Equal(a.ID, byUser[0].ID)

	_, err = s.svc.MeetingsByUser(s.ctx, unknown)
	s.Require().ErrorIs(err, models.ErrUserNotFound)
	_, err = s.svc.AgendaForUser(s.ctx, unknown)
	s.Require().ErrorIs(err, models.ErrUserNotFound)
}

func (s *ServiceTestSuite) TestRemindUpcoming() {
	m, err := s.svc.CreateMeeting(s.ctx, request("a", at(9, 0), at(10, 0), 1, 2))
	s.Require().NoError(err)
	_, err = s.svc.CreateMeeting(s.ctx, request("later", at(15, 0), at(16, 0), 3))
	s.Require().NoError(err)
	s.notifier.reset()
	sent, err := s.svc.RemindUpcoming(s.ctx, at(8, 45), 30*time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(1, sent)
	s.Require().ElementsMatch([]int64{1, 2}, s.notifier.recipients())

	sent, err = s.svc.RemindUpcoming(s.ctx, at(8, 45), 30*time.Minute)
	s.Require().NoError(err)
	s.Require().Zero(sent)

	// moving the meeting makes it due again
	_, err = s.svc.UpdateMeeting(s.ctx, m.ID, request("a", at(9, 10), at(10, 0), 1, 2))
	s.Require().NoError(err)
	sent, err = s.svc.RemindUpcoming(s.ctx, at(8, 45), 30*time.Minute)
	s.Require().NoError(err)
	s.Require().Equal(1, sent)
	s.requireConsistent()
}
