package notifier

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, message string, userID int64) error
}

// DummyNotifier only writes notifications to the log.
type DummyNotifier struct {
	log *logrus.Entry
}

func NewDummyNotifier(log *logrus.Logger) *DummyNotifier {
	return &DummyNotifier{
		log: log.WithField("component", "notifier"),
	}
}

func (n *DummyNotifier) Notify(_ context.Context, message string, userID int64) error {
	n.log.Infof("notifying user %d: %s", userID, message)
	return nil
}

// Fanout delivers every notification to all of its notifiers and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, message string, userID int64) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, message, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
