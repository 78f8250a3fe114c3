package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/agenda/pkg/metrics"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/store"
)

//go:embed migrations
var migrations embed.FS

const retries = 3

const meetingColumns = `id, title, description, start_at, end_at, organizer_id, version, reminded, created_at, updated_at`

const agendaColumns = `id, user_id, meeting_id, date, start_at, end_at, status`

type Store struct {
	log         *logrus.Entry
	db          *sqlx.DB
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// NewStore connects to Postgres. lockTimeout bounds the wait for advisory locks held by other processes.
func NewStore(ctx context.Context, log *logrus.Logger, dsn string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:         log.WithField("component", "pgstore"),
		db:          db,
		lockTimeout: lockTimeout,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(direction migrate.MigrationDirection) error {
	assetDir := func() func(string) ([]string, error) {
		return func(path string) ([]string, error) {
			dirEntry, er := migrations.ReadDir(path)
			if er != nil {
				return nil, er
			}
			entries := make([]string, 0)
			for _, e := range dirEntry {
				entries = append(entries, e.Name())
			}

			return entries, nil
		}
	}()
	asset := migrate.AssetMigrationSource{
		Asset:    migrations.ReadFile,
		AssetDir: assetDir,
		Dir:      "migrations",
	}
	n, err := migrate.Exec(s.db.DB, "postgres", asset, direction)
	if err != nil {
		return fmt.Errorf("err applying migrations: %w", err)
	}
	s.log.Infof("applied %d migrations", n)
	return nil
}

// withRetries repeats fn on transient failures. Not-found and context errors are returned at once.
func (s *Store) withRetries(ctx context.Context, method string, fn func() error) error {
	start := time.Now()
	var err error
	for i := 0; i < retries; i++ {
		if err = fn(); err == nil || errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
			break
		}
		s.log.Warnf("err in %s, attempt %d: %v", method, i+1, err)
	}
	observe(method, start, err)
	return err
}

func observe(method string, start time.Time, err error) {
	metrics.PgDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		metrics.PgErrCount.WithLabelValues(method).Inc()
	}
}

// InTx runs fn inside a database transaction. The transaction itself is not bound to ctx cancellation:
// once fn starts writing, only an error returned by fn rolls it back.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	start := time.Now()
	tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		observe("InTx", start, err)
		return fmt.Errorf("err starting tx: %w", err)
	}
	if err = fn(&pgTx{tx: tx, lockTimeout: s.lockTimeout}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnf("err rolling back tx: %v", rbErr)
		}
		return err
	}
	err = tx.Commit()
	observe("InTx", start, err)
	if err != nil {
		return fmt.Errorf("err committing tx: %w", err)
	}
	return nil
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.withRetries(ctx, "UserExists", func() error {
		return s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id)
	})
	if err != nil {
		return false, fmt.Errorf("err checking user %d: %w", id, err)
	}
	return exists, nil
}

// CreateUser seeds a user row. Users are owned by the identity service; this exists for tests and fixtures.
func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	var createdUser models.User
	query := `
INSERT INTO users (last_name, first_name, email)
VALUES ($1, $2, $3)
RETURNING id, last_name, first_name, email, created_at;`
	err := s.withRetries(ctx, "CreateUser", func() error {
		return s.db.GetContext(ctx, &createdUser, query, user.LastName, user.FirstName, user.Email)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("err creating user: %w", err)
	}
	return createdUser, nil
}

func (s *Store) GetMeeting(ctx context.Context, id int64) (models.Meeting, error) {
	var meeting models.Meeting
	err := s.withRetries(ctx, "GetMeeting", func() error {
		var err error
		meeting, err = getMeeting(ctx, s.db, id, false)
		return err
	})
	return meeting, err
}

func (s *Store) GetMeetings(ctx context.Context) ([]models.Meeting, error) {
	return s.selectMeetings(ctx, "GetMeetings", `ORDER BY start_at, id`)
}

func (s *Store) MeetingsByOrganizer(ctx context.Context, userID int64) ([]models.Meeting, error) {
	return s.selectMeetings(ctx, "MeetingsByOrganizer", `WHERE organizer_id = $1 ORDER BY start_at, id`, userID)
}

func (s *Store) MeetingsByUser(ctx context.Context, userID int64) ([]models.Meeting, error) {
	where := `
WHERE organizer_id = $1
   OR id IN (SELECT meeting_id FROM meeting_participants WHERE user_id = $1)
ORDER BY start_at, id`
	return s.selectMeetings(ctx, "MeetingsByUser", where, userID)
}

func (s *Store) MeetingsStartingBetween(ctx context.Context, from, to time.Time) ([]models.Meeting, error) {
	where := `WHERE NOT reminded AND start_at >= $1 AND start_at < $2 ORDER BY start_at, id`
	return s.selectMeetings(ctx, "MeetingsStartingBetween", where, from.UTC(), to.UTC())
}

func (s *Store) selectMeetings(ctx context.Context, method, where string, args ...interface{}) ([]models.Meeting, error) {
	var meetings []models.Meeting
	err := s.withRetries(ctx, method, func() error {
		var err error
		meetings, err = selectMeetings(ctx, s.db, where, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("err selecting meetings: %w", err)
	}
	return meetings, nil
}

func (s *Store) AgendaForUser(ctx context.Context, userID int64) ([]models.AgendaEntry, error) {
	entries := make([]models.AgendaEntry, 0)
	query := `SELECT ` + agendaColumns + ` FROM agendas WHERE user_id = $1 ORDER BY date, start_at`
	err := s.withRetries(ctx, "AgendaForUser", func() error {
		entries = entries[:0]
		return s.db.SelectContext(ctx, &entries, query, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("err getting agenda of user %d: %w", userID, err)
	}
	return entries, nil
}

func (s *Store) AgendaForUserOnDate(ctx context.Context, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	var entries []models.AgendaEntry
	err := s.withRetries(ctx, "AgendaForUserOnDate", func() error {
		var err error
		entries, err = listEntries(ctx, s.db, userID, date)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("err getting agenda of user %d on %s: %w", userID, date, err)
	}
	return entries, nil
}

func (s *Store) ResetTables(ctx context.Context, tables []string) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE TABLE `+strings.Join(tables, `, `)+` CASCADE`)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if table == "meeting_participants" {
			continue
		}
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`ALTER SEQUENCE %s_id_seq RESTART`, table))
		if err != nil {
			return err
		}
	}
	return nil
}

func getMeeting(ctx context.Context, q sqlx.ExtContext, id int64, forUpdate bool) (models.Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var meeting models.Meeting
	err := sqlx.GetContext(ctx, q, &meeting, query, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.Meeting{}, models.ErrMeetingNotFound
	case err != nil:
		return models.Meeting{}, fmt.Errorf("err getting meeting %d: %w", id, err)
	}
	meetings := []models.Meeting{meeting}
	if err = loadParticipants(ctx, q, meetings); err != nil {
		return models.Meeting{}, err
	}
	return meetings[0], nil
}

func selectMeetings(ctx context.Context, q sqlx.ExtContext, where string, args ...interface{}) ([]models.Meeting, error) {
	meetings := make([]models.Meeting, 0)
	if err := sqlx.SelectContext(ctx, q, &meetings, `SELECT `+meetingColumns+` FROM meetings `+where, args...); err != nil {
		return nil, err
	}
	if err := loadParticipants(ctx, q, meetings); err != nil {
		return nil, err
	}
	return meetings, nil
}

type participantRow struct {
	MeetingID int64 `db:"meeting_id"`
	UserID    int64 `db:"user_id"`
}

func loadParticipants(ctx context.Context, q sqlx.ExtContext, meetings []models.Meeting) error {
	if len(meetings) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(meetings))
	index := make(map[int64]int, len(meetings))
	for i, m := range meetings {
		ids = append(ids, m.ID)
		index[m.ID] = i
	}
	query, args, err := sqlx.In(`
SELECT meeting_id, user_id FROM meeting_participants
WHERE meeting_id IN (?)
ORDER BY meeting_id, user_id`, ids)
	if err != nil {
		return fmt.Errorf("err building participants query: %w", err)
	}
	var rows []participantRow
	if err = sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("err getting participants: %w", err)
	}
	for i := range meetings {
		meetings[i].ParticipantIDs = make([]int64, 0)
	}
	for _, r := range rows {
		i := index[r.MeetingID]
		meetings[i].ParticipantIDs = append(meetings[i].ParticipantIDs, r.UserID)
	}
	return nil
}

func listEntries(ctx context.Context, q sqlx.QueryerContext, userID int64, date models.Date) ([]models.AgendaEntry, error) {
	entries := make([]models.AgendaEntry, 0)
	query := `SELECT ` + agendaColumns + ` FROM agendas WHERE user_id = $1 AND date = $2 ORDER BY start_at`
	if err := sqlx.SelectContext(ctx, q, &entries, query, userID, date); err != nil {
		return nil, err
	}
	return entries, nil
}
