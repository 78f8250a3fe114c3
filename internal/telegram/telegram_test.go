package telegram

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"
)

type fakeSender struct {
	to   []tele.Recipient
	sent []interface{}
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.to = append(f.to, to)
	f.sent = append(f.sent, what)
	return &tele.Message{}, nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNotify(t *testing.T) {
	bot := &fakeSender{}
	n := NewNotifier(newLogger(), bot, 100)
	require.NoError(t, n.Notify(context.Background(), "meeting moved", 7))
	require.Equal(t, []tele.Recipient{tele.ChatID(100)}, bot.to)
	require.Equal(t, []interface{}{"user 7: meeting moved"}, bot.sent)
}

func TestNotifyError(t *testing.T) {
	boom := errors.New("boom")
	n := NewNotifier(newLogger(), &fakeSender{err: boom}, 100)
	require.ErrorIs(t, n.Notify(context.Background(), "x", 1), boom)
}

func TestNotifyCanceled(t *testing.T) {
	bot := &fakeSender{}
	n := NewNotifier(newLogger(), bot, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, n.Notify(ctx, "x", 1), context.Canceled)
	require.Empty(t, bot.sent)
}
