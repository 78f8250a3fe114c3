// Package memstore keeps meetings and agendas in process memory. Transactions work on private
// copies of the buckets they touch and publish them in one step on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/agenda/pkg/conflict"
	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/store"
)

type ledgerKey struct {
	userID int64
	date   models.Date
}

type Store struct {
	log *logrus.Entry

	mu       sync.RWMutex
	users    map[int64]models.User
	meetings map[int64]models.Meeting
	ledger   map[ledgerKey][]models.AgendaEntry

	userSeq    int64
	meetingSeq int64
	entrySeq   int64
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(log *logrus.Logger) *Store {
	return &Store{
		log:      log.WithField("component", "memstore"),
		users:    make(map[int64]models.User),
		meetings: make(map[int64]models.Meeting),
		ledger:   make(map[ledgerKey][]models.AgendaEntry),
		now:      time.Now,
	}
}

// AddUser registers a user, assigning the next id when user.ID is zero.
func (s *Store) AddUser(user models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		user.ID = atomic.AddInt64(&s.userSeq, 1)
	} else if user.ID > atomic.LoadInt64(&s.userSeq) {
		atomic.StoreInt64(&s.userSeq, user.ID)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	s.users[user.ID] = user
	return user
}

func (s *Store) UserExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	t := &tx{
		s:        s,
		buckets:  make(map[ledgerKey][]models.AgendaEntry),
		meetings: make(map[int64]*models.Meeting),
	}
	if err := fn(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, bucket := range t.buckets {
		if len(bucket) == 0 {
			delete(s.ledger, k)
			continue
		}
		s.ledger[k] = bucket
	}
	for id, m := range t.meetings {
		if m == nil {
			delete(s.meetings, id)
			continue
		}
		s.meetings[id] = *m
	}
	s.log.Debugf("committed tx: %d ledger buckets, %d meetings", len(t.buckets), len(t.meetings))
	return nil
}

func (s *Store) GetMeeting(_ context.Context, id int64) (models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	return m.Clone(), nil
}

func (s *Store) GetMeetings(_ context.Context) ([]models.Meeting, error) {
	return s.filterMeetings(func(models.Meeting) bool { return true }), nil
}

func (s *Store) MeetingsByOrganizer(_ context.Context, userID int64) ([]models.Meeting, error) {
	return s.filterMeetings(func(m models.Meeting) bool { return m.OrganizerID == userID }), nil
}

func (s *Store) MeetingsByUser(_ context.Context, userID int64) ([]models.Meeting, error) {
	return s.filterMeetings(func(m models.Meeting) bool { return m.HasAttendee(userID) }), nil
}

func (s *Store) MeetingsStartingBetween(_ context.Context, from, to time.Time) ([]models.Meeting, error) {
	return s.filterMeetings(func(m models.Meeting) bool {
		return !m.Reminded && !m.StartTime.Before(from) && m.StartTime.Before(to)
	}), nil
}

func (s *Store) filterMeetings(keep func(models.Meeting) bool) []models.Meeting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Meeting, 0)
	for _, m := range s.meetings {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) AgendaForUser(_ context.Context, userID int64) ([]models.AgendaEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AgendaEntry, 0)
	for k, bucket := range s.ledger {
		if k.userID == userID {
			out = append(out, bucket...)
		}
	}
	models.SortEntries(out)
	return out, nil
}

func (s *Store) AgendaForUserOnDate(_ context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AgendaEntry{}, s.ledger[ledgerKey{userID: userID, date: date}]...), nil
}

type tx struct {
	s        *Store
	buckets  map[ledgerKey][]models.AgendaEntry
	meetings map[int64]*models.Meeting // nil value marks a deletion
}

// LockKeys is a no-op: a memory store lives in one process, where the engine's locker already excludes.
func (t *tx) LockKeys(_ context.Context, _ []lock.Key) error {
	return nil
}

func (t *tx) ReserveMeetingID(_ context.Context) (int64, error) {
	return atomic.AddInt64(&t.s.meetingSeq, 1), nil
}

func (t *tx) GetMeeting(_ context.Context, id int64) (models.Meeting, error) {
	m, ok := t.meeting(id)
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	return m.Clone(), nil
}

func (t *tx) meeting(id int64) (models.Meeting, bool) {
	if m, staged := t.meetings[id]; staged {
		if m == nil {
			return models.Meeting{}, false
		}
		return *m, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	m, ok := t.s.meetings[id]
	return m, ok
}

func (t *tx) CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	if meeting.ID == 0 {
		id, err := t.ReserveMeetingID(ctx)
		if err != nil {
			return models.Meeting{}, err
		}
		meeting.ID = id
	}
	if _, ok := t.meeting(meeting.ID); ok {
		return models.Meeting{}, fmt.Errorf("err creating meeting %d: already exists", meeting.ID)
	}
	now := t.s.now().UTC()
	meeting.CreatedAt, meeting.UpdatedAt = now, now
	staged := meeting.Clone()
	t.meetings[meeting.ID] = &staged
	return meeting.Clone(), nil
}

func (t *tx) UpdateMeeting(_ context.Context, meeting models.Meeting) (models.Meeting, error) {
	current, ok := t.meeting(meeting.ID)
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	meeting.CreatedAt = current.CreatedAt
	meeting.UpdatedAt = t.s.now().UTC()
	staged := meeting.Clone()
	t.meetings[meeting.ID] = &staged
	return meeting.Clone(), nil
}

func (t *tx) DeleteMeeting(_ context.Context, id int64) error {
	if _, ok := t.meeting(id); !ok {
		return models.ErrMeetingNotFound
	}
	t.meetings[id] = nil
	return nil
}

func (t *tx) MarkReminded(_ context.Context, id int64) error {
	current, ok := t.meeting(id)
	if !ok {
		return models.ErrMeetingNotFound
	}
	current = current.Clone()
	current.Reminded = true
	t.meetings[id] = &current
	return nil
}

func (t *tx) bucket(k ledgerKey) []models.AgendaEntry {
	if b, ok := t.buckets[k]; ok {
		return b
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.ledger[k]
}

func (t *tx) ListEntries(_ context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	return append([]models.AgendaEntry{}, t.bucket(ledgerKey{userID: userID, date: date})...), nil
}

func (t *tx) InsertBusy(_ context.Context, userID int64, date models.Date, rng models.TimeRange, meetingID int64) (models.AgendaEntry, error) {
	if err := rng.Validate(); err != nil {
		return models.AgendaEntry{}, err
	}
	if rng.Date() != date {
		return models.AgendaEntry{}, fmt.Errorf("%w: range %s is not on %s", models.ErrValidation, rng, date)
	}
	k := ledgerKey{userID: userID, date: date}
	current := t.bucket(k)
	existing, found, err := conflict.Check(current, rng, 0)
	if err != nil {
		return models.AgendaEntry{}, err
	}
	if found {
		return models.AgendaEntry{}, conflict.Error(userID, rng, existing)
	}
	entry := models.NewBusyEntry(userID, rng, meetingID)
	entry.ID = atomic.AddInt64(&t.s.entrySeq, 1)
	next := make([]models.AgendaEntry, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, entry)
	models.SortEntries(next)
	t.buckets[k] = next
	return entry, nil
}

func (t *tx) RemoveByMeeting(_ context.Context, userID int64, date models.Date, meetingID int64) error {
	k := ledgerKey{userID: userID, date: date}
	current := t.bucket(k)
	next := make([]models.AgendaEntry, 0, len(current))
	for _, e := range current {
		if !e.BelongsTo(meetingID) {
			next = append(next, e)
		}
	}
	if len(next) != len(current) {
		t.buckets[k] = next
	}
	return nil
}
