// Package notify delivers operator notifications to Telegram channels and
// mirrors them onto the message broker.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"green-relay/internal/repo"
	"green-relay/internal/telegram"
)

// Notifier posts text for an account.
type Notifier interface {
	Notify(ctx context.Context, apiID int64, text string) error
}

// Bot is the part of the Bot API the relay uses.
type Bot interface {
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
	SendDocument(ctx context.Context, doc telegram.Document) (*telegram.Message, error)
	SetReaction(ctx context.Context, chatID, messageID int64, emoji string) error
}

const (
	reactionOK   = "👍"
	reactionFail = "😡"
)

// Telegram posts notifications into the channel linked to an account.
type Telegram struct {
	store  repo.Store
	bot    Bot
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(store repo.Store, bot Bot, logger *slog.Logger) *Telegram {
	return &Telegram{store: store, bot: bot, logger: logger.With("component", "notify_telegram")}
}

// Channel resolves the active channel linked to acc. It returns nil when
// the account has none or the channel is disabled.
func (t *Telegram) Channel(ctx context.Context, acc *repo.Account) (*repo.Channel, error) {
	if acc.TelegramChannelID == 0 {
		return nil, nil
	}
	ch, err := t.store.GetChannel(ctx, acc.TelegramChannelID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, nil
	}
	return ch, nil
}

// Notify sends text to the channel of the account apiID, split to the Bot
// API message limit. Accounts without an active channel are skipped.
func (t *Telegram) Notify(ctx context.Context, apiID int64, text string) error {
	acc, err := t.store.GetAccountByAPIID(ctx, apiID)
	if err != nil {
		return fmt.Errorf("notify %d: %w", apiID, err)
	}
	ch, err := t.Channel(ctx, acc)
	if err != nil {
		return fmt.Errorf("notify %d: %w", apiID, err)
	}
	if ch == nil {
		t.logger.Debug("no active channel, notification dropped", "api_id", apiID)
		return nil
	}
	for _, part := range telegram.SplitText(text, telegram.MaxMessageLength) {
		if _, err := t.bot.SendMessage(ctx, telegram.SendMessageRequest{ChatID: ch.TelegramID, Text: part}); err != nil {
			return fmt.Errorf("notify %d: %w", apiID, err)
		}
	}
	return nil
}

// Acknowledge reacts on the Telegram copy of an outbound message.
func (t *Telegram) Acknowledge(ctx context.Context, msg *repo.Message, ok bool) error {
	if msg.TGMessageID == nil || msg.Account == nil {
		return nil
	}
	ch, err := t.Channel(ctx, msg.Account)
	if err != nil || ch == nil {
		return err
	}
	emoji := reactionOK
	if !ok {
		emoji = reactionFail
	}
	return t.bot.SetReaction(ctx, ch.TelegramID, *msg.TGMessageID, emoji)
}

// Fanout sends every notification to all notifiers and joins their errors.
type Fanout []Notifier

// Notify satisfies Notifier.
func (f Fanout) Notify(ctx context.Context, apiID int64, text string) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, apiID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
