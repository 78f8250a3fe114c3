package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"
)

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier posts agenda notifications to a single Telegram chat.
type Notifier struct {
	log  *logrus.Entry
	bot  sender
	chat tele.ChatID
}

func NewNotifier(log *logrus.Logger, bot sender, chatID int64) *Notifier {
	return &Notifier{
		log:  log.WithField("component", "telegram"),
		bot:  bot,
		chat: tele.ChatID(chatID),
	}
}

// NewBot builds a bot used only for sending, so it never polls for updates.
func NewBot(token string) (*tele.Bot, error) {
	config := tele.Settings{
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
		Offline: token == "",
	}
	b, err := tele.NewBot(config)
	if err != nil {
		return nil, fmt.Errorf("new bot failed: %w", err)
	}
	return b, nil
}

func (n *Notifier) Notify(ctx context.Context, msg string, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(n.chat, fmt.Sprintf("user %d: %s", userID, msg)); err != nil {
		return fmt.Errorf("err sending telegram notification to user %d: %w", userID, err)
	}
	n.log.Debugf("notified user %d", userID)
	return nil
}
