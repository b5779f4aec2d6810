/*
telegram.go - Telegram long-poll transport for the dispatcher

PURPOSE:
  Receives updates from the Telegram Bot API, hands text commands to the
  Dispatcher, and sends the reply (with inline link buttons) plus any
  notifications. Updates are handled in arrival order.

SEE ALSO:
  - dispatcher.go: Command handling
  - cmd/server/main.go: `bot` and `all` commands
*/
package bot

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Sender is the part of *tgbotapi.BotAPI the runner uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Runner feeds Telegram updates through a Dispatcher.
type Runner struct {
	Dispatcher *Dispatcher
	Sender     Sender
	Logger     logrus.FieldLogger
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPI(token)
}

// RunPolling long-polls api until ctx is done.
func RunPolling(ctx context.Context, api *tgbotapi.BotAPI, d *Dispatcher, timeout int, logger logrus.FieldLogger) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()

	logger.WithField("bot", api.Self.UserName).Info("Bot polling started")
	r := &Runner{Dispatcher: d, Sender: api, Logger: logger}
	return r.Run(ctx, updates)
}

// Run handles updates until the channel closes or ctx is done.
func (r *Runner) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			r.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate answers one update. Non-command messages are ignored.
func (r *Runner) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	name, args, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}

	reply := r.Dispatcher.Handle(ctx, Command{
		Name:        name,
		Args:        args,
		UserID:      msg.From.ID,
		DisplayName: msg.From.FirstName,
	})

	out := tgbotapi.NewMessage(msg.Chat.ID, reply.Text)
	if len(reply.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, len(reply.Buttons))
		for i, b := range reply.Buttons {
			rows[i] = tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	r.send(out, name)

	for _, n := range reply.Notifications {
		// Private chat ids equal user ids.
		chatID, err := strconv.ParseInt(n.UserID, 10, 64)
		if err != nil {
			r.Logger.WithField("user_id", n.UserID).Warn("Cannot notify non-numeric user id")
			continue
		}
		r.send(tgbotapi.NewMessage(chatID, n.Text), name)
	}
}

func (r *Runner) send(c tgbotapi.MessageConfig, command string) {
	if _, err := r.Sender.Send(c); err != nil {
		r.Logger.WithError(err).WithFields(logrus.Fields{
			"chat_id": c.ChatID,
			"command": command,
		}).Warn("Failed to send message")
	}
}
