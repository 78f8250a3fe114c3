// Package store declares the storage contract shared by the Postgres and in-memory backends.
package store

import (
	"context"
	"time"

	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/models"
)

// Tx is a unit of work over the meeting store and the agenda ledger. Nothing written through a Tx is
// visible to other readers until the enclosing InTx returns nil.
type Tx interface {
	// LockKeys holds keys until the transaction ends, excluding other processes sharing the store.
	// keys must be in lock.Sorted order. A wait past the store's lock timeout fails with models.ErrBusy.
	LockKeys(ctx context.Context, keys []lock.Key) error

	ReserveMeetingID(ctx context.Context) (int64, error)
	GetMeeting(ctx context.Context, id int64) (models.Meeting, error)
	CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	UpdateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	DeleteMeeting(ctx context.Context, id int64) error
	MarkReminded(ctx context.Context, id int64) error

	// ListEntries returns the user's entries for the day ordered by start time.
	ListEntries(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error)
	// InsertBusy fails with models.ErrConflict when rng overlaps another BUSY entry of the day.
	InsertBusy(ctx context.Context, userID int64, date models.Date, rng models.TimeRange, meetingID int64) (models.AgendaEntry, error)
	// RemoveByMeeting is a no-op when the entry is absent.
	RemoveByMeeting(ctx context.Context, userID int64, date models.Date, meetingID int64) error
}

type Store interface {
	// InTx runs fn in a transaction and commits when fn returns nil. Any error discards every write.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	UserExists(ctx context.Context, id int64) (bool, error)

	GetMeeting(ctx context.Context, id int64) (models.Meeting, error)
	GetMeetings(ctx context.Context) ([]models.Meeting, error)
	MeetingsByOrganizer(ctx context.Context, userID int64) ([]models.Meeting, error)
	MeetingsByUser(ctx context.Context, userID int64) ([]models.Meeting, error)
	MeetingsStartingBetween(ctx context.Context, from, to time.Time) ([]models.Meeting, error)

	AgendaForUser(ctx context.Context, userID int64) ([]models.AgendaEntry, error)
	AgendaForUserOnDate(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error)
}
