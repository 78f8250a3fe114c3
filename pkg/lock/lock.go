// Package lock provides exclusive per-key locks with a bounded wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pershin-daniil/agenda/pkg/models"
)

// Key identifies a lockable resource. Keys order user ledgers first (by user, then date) and meetings last.
type Key struct {
	UserID    int64
	Date      models.Date
	MeetingID int64
}

func UserKey(userID int64, date models.Date) Key {
	return Key{UserID: userID, Date: date}
}

func MeetingKey(meetingID int64) Key {
	return Key{MeetingID: meetingID}
}

func (k Key) String() string {
	if k.MeetingID != 0 {
		return "meeting:" + strconv.FormatInt(k.MeetingID, 10)
	}
	return fmt.Sprintf("user:%d:%s", k.UserID, k.Date)
}

func (k Key) less(o Key) bool {
	if (k.MeetingID == 0) != (o.MeetingID == 0) {
		return k.MeetingID == 0
	}
	if k.MeetingID != o.MeetingID {
		return k.MeetingID < o.MeetingID
	}
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.Date < o.Date
}

// Sorted returns the distinct keys in global acquisition order.
func Sorted(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

type slot struct {
	ch   chan struct{}
	refs int
}

type Locker struct {
	mu      sync.Mutex
	slots   map[Key]*slot
	timeout time.Duration
}

func New(timeout time.Duration) *Locker {
	return &Locker{
		slots:   make(map[Key]*slot),
		timeout: timeout,
	}
}

// Acquire locks every key in global order. It gives up with models.ErrBusy once the wait exceeds
// the locker timeout, or with the context error if ctx ends first. The returned func releases all keys.
func (l *Locker) Acquire(ctx context.Context, keys []Key) (func(), error) {
	ordered := Sorted(keys)
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	held := make([]Key, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, k := range ordered {
		if err := l.lock(waitCtx, k); err != nil {
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for %s", models.ErrBusy, k)
			}
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

func (l *Locker) lock(ctx context.Context, k Key) error {
	l.mu.Lock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(k, s)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Locker) unlock(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	<-s.ch
	l.unref(k, s)
}

func (l *Locker) unref(k Key, s *slot) {
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
