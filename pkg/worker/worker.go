package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Reminder interface {
	RemindUpcoming(ctx context.Context, now time.Time, lead time.Duration) (int, error)
}

// Worker sends reminders about meetings starting soon on a cron schedule.
type Worker struct {
	log      *logrus.Entry
	reminder Reminder
	lead     time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

func New(log *logrus.Logger, reminder Reminder, lead time.Duration) *Worker {
	return &Worker{
		log:      log.WithField("component", "worker"),
		reminder: reminder,
		lead:     lead,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      time.Now,
	}
}

// Run schedules the reminder job and blocks until ctx is done, then waits for a running job to finish.
func (w *Worker) Run(ctx context.Context, schedule string) error {
	if _, err := w.cron.AddFunc(schedule, func() { w.tick(ctx) }); err != nil {
		return fmt.Errorf("err scheduling reminders with %q: %w", schedule, err)
	}
	w.cron.Start()
	w.log.Infof("reminders scheduled: %s, lead %s", schedule, w.lead)
	<-ctx.Done()
	<-w.cron.Stop().Done()
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) tick(ctx context.Context) {
	sent, err := w.reminder.RemindUpcoming(ctx, w.now(), w.lead)
	if err != nil {
		w.log.Warnf("err sending reminders: %v", err)
		return
	}
	if sent > 0 {
		w.log.Infof("sent reminders for %d meetings", sent)
	}
}
