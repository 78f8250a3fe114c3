package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/pershin-daniil/agenda/pkg/conflict"
	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/models"
)

// lockNotAvailable is the SQLSTATE raised when lock_timeout expires.
const lockNotAvailable = "55P03"

type pgTx struct {
	tx          *sqlx.Tx
	lockTimeout time.Duration
}

// LockKeys takes a transaction-scoped advisory lock per key, so replicas sharing the database
// serialize on the same (user, date) ledgers and meetings.
func (t *pgTx) LockKeys(ctx context.Context, keys []lock.Key) error {
	if len(keys) == 0 {
		return nil
	}
	timeout := fmt.Sprintf("%dms", t.lockTimeout.Milliseconds())
	if _, err := t.tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return fmt.Errorf("err setting lock timeout: %w", err)
	}
	for _, k := range keys {
		if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, k.String()); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
				return fmt.Errorf("%w: %s is locked by another process", models.ErrBusy, k)
			}
			return fmt.Errorf("err locking %s: %w", k, err)
		}
	}
	// only the advisory locks are bounded; row locks keep the server default
	if _, err := t.tx.ExecContext(ctx, `SELECT set_config('lock_timeout', '0', true)`); err != nil {
		return fmt.Errorf("err resetting lock timeout: %w", err)
	}
	return nil
}

// ReserveMeetingID takes the next meeting id so agenda rows can reference it before the meeting row exists.
// The agendas foreign key is deferred to commit.
func (t *pgTx) ReserveMeetingID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.tx.GetContext(ctx, &id, `SELECT nextval(pg_get_serial_sequence('meetings', 'id'))`); err != nil {
		return 0, fmt.Errorf("err reserving meeting id: %w", err)
	}
	return id, nil
}

func (t *pgTx) GetMeeting(ctx context.Context, id int64) (models.Meeting, error) {
	return getMeeting(ctx, t.tx, id, true)
}

func (t *pgTx) CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	if meeting.ID == 0 {
		id, err := t.ReserveMeetingID(ctx)
		if err != nil {
			return models.Meeting{}, err
		}
		meeting.ID = id
	}
	query := `
INSERT INTO meetings (id, title, description, start_at, end_at, organizer_id, version, reminded)
VALUES (:id, :title, :description, :start_at, :end_at, :organizer_id, :version, :reminded)
RETURNING ` + meetingColumns
	created, err := t.namedMeeting(ctx, query, meeting)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err creating meeting %d: %w", meeting.ID, err)
	}
	if err = t.replaceParticipants(ctx, created.ID, meeting.ParticipantIDs); err != nil {
		return models.Meeting{}, err
	}
	created.ParticipantIDs = append([]int64(nil), meeting.ParticipantIDs...)
	return created, nil
}

func (t *pgTx) UpdateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	query := `
UPDATE meetings
SET title = :title,
	description = :description,
	start_at = :start_at,
	end_at = :end_at,
	organizer_id = :organizer_id,
	version = :version,
	reminded = :reminded,
	updated_at = now()
WHERE id = :id
RETURNING ` + meetingColumns
	updated, err := t.namedMeeting(ctx, query, meeting)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err updating meeting %d: %w", meeting.ID, err)
	}
	if err = t.replaceParticipants(ctx, meeting.ID, meeting.ParticipantIDs); err != nil {
		return models.Meeting{}, err
	}
	updated.ParticipantIDs = append([]int64(nil), meeting.ParticipantIDs...)
	return updated, nil
}

func (t *pgTx) namedMeeting(ctx context.Context, query string, meeting models.Meeting) (models.Meeting, error) {
	meeting.StartTime = meeting.StartTime.UTC()
	meeting.EndTime = meeting.EndTime.UTC()
	rows, err := sqlx.NamedQueryContext(ctx, t.tx, query, meeting)
	if err != nil {
		return models.Meeting{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return models.Meeting{}, err
		}
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	var out models.Meeting
	if err = rows.StructScan(&out); err != nil {
		return models.Meeting{}, err
	}
	return out, rows.Close()
}

func (t *pgTx) replaceParticipants(ctx context.Context, meetingID int64, participantIDs []int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM meeting_participants WHERE meeting_id = $1`, meetingID); err != nil {
		return fmt.Errorf("err clearing participants of meeting %d: %w", meetingID, err)
	}
	for _, userID := range participantIDs {
		_, err := t.tx.ExecContext(ctx, `INSERT INTO meeting_participants (meeting_id, user_id) VALUES ($1, $2)`, meetingID, userID)
		if err != nil {
			return fmt.Errorf("err adding participant %d to meeting %d: %w", userID, meetingID, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteMeeting(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("err deleting meeting %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrMeetingNotFound
	}
	return nil
}

func (t *pgTx) MarkReminded(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE meetings SET reminded = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("err marking meeting %d reminded: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrMeetingNotFound
	}
	return nil
}

func (t *pgTx) ListEntries(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	return listEntries(ctx, t.tx, userID, date)
}

func (t *pgTx) InsertBusy(ctx context.Context, userID int64, date models.Date, rng models.TimeRange, meetingID int64) (models.AgendaEntry, error) {
	if err := rng.Validate(); err != nil {
		return models.AgendaEntry{}, err
	}
	if rng.Date() != date {
		return models.AgendaEntry{}, fmt.Errorf("%w: range %s is not on %s", models.ErrValidation, rng, date)
	}
	current, err := listEntries(ctx, t.tx, userID, date)
	if err != nil {
		return models.AgendaEntry{}, fmt.Errorf("err listing agenda of user %d: %w", userID, err)
	}
	existing, found, err := conflict.Check(current, rng, 0)
	if err != nil {
		return models.AgendaEntry{}, err
	}
	if found {
		return models.AgendaEntry{}, conflict.Error(userID, rng, existing)
	}
	entry := models.NewBusyEntry(userID, rng, meetingID)
	query := `
INSERT INTO agendas (user_id, meeting_id, date, start_at, end_at, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;`
	err = t.tx.GetContext(ctx, &entry.ID, query, entry.UserID, meetingID, entry.Date, entry.StartTime, entry.EndTime, string(entry.Status))
	if err != nil {
		return models.AgendaEntry{}, fmt.Errorf("err booking user %d: %w", userID, err)
	}
	return entry, nil
}

func (t *pgTx) RemoveByMeeting(ctx context.Context, userID int64, date models.Date, meetingID int64) error {
	query := `DELETE FROM agendas WHERE user_id = $1 AND date = $2 AND meeting_id = $3`
	if _, err := t.tx.ExecContext(ctx, query, userID, date, meetingID); err != nil {
		return fmt.Errorf("err freeing user %d from meeting %d: %w", userID, meetingID, err)
	}
	return nil
}
