package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeReminder struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (f *fakeReminder) RemindUpcoming(_ context.Context, _ time.Time, lead time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lead)
	return 1, f.err
}

func (f *fakeReminder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRunTicksUntilCanceled(t *testing.T) {
	r := &fakeReminder{}
	w := New(newLogger(), r, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "@every 1s") }()

	require.Eventually(t, func() bool { return r.count() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Equal(t, time.Minute, r.calls[0])
}

func TestRunRejectsBadSchedule(t *testing.T) {
	w := New(newLogger(), &fakeReminder{}, time.Minute)
	require.Error(t, w.Run(context.Background(), "not a schedule"))
}

func TestTickSurvivesErrors(t *testing.T) {
	r := &fakeReminder{err: errors.New("boom")}
	w := New(newLogger(), r, time.Minute)
	fixed := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	w.tick(context.Background())
	w.tick(context.Background())
	require.Equal(t, 2, r.count())
}
