// Package relay forwards stored inbound traffic into Telegram channels and
// queues auto-replies.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"green-relay/internal/metrics"
	"green-relay/internal/notify"
	"green-relay/internal/repo"
	"green-relay/internal/telegram"
)

const (
	newMessageCard = "*От:* %s\n*Номер:* `%s`\n*Сообщение:* %s"
	newCallCard    = "📞 *Входящий звонок*\n*От:* %s\n*Номер:* `%s`"
	parseMode      = "Markdown"
)

// mediaKinds picks the upload method of a single attachment.
var mediaKinds = map[repo.FileType]telegram.MediaKind{
	repo.FileImage: telegram.KindPhoto,
	repo.FileVideo: telegram.KindVideo,
	repo.FileAudio: telegram.KindAudio,
}

var mdEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// ChannelResolver finds the active Telegram channel of an account.
type ChannelResolver interface {
	Channel(ctx context.Context, acc *repo.Account) (*repo.Channel, error)
}

// Config tunes the relay.
type Config struct {
	// PanelURL is the base of chat deep-link buttons. Empty disables them.
	PanelURL string
	// AutoReplyInterval is the minimum gap between auto-replies to one chat.
	AutoReplyInterval time.Duration
}

// Relay handles inbound-queue envelopes.
type Relay struct {
	store    repo.Store
	bot      notify.Bot
	channels ChannelResolver
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Relay.
func New(store repo.Store, bot notify.Bot, channels ChannelResolver, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		store:    store,
		bot:      bot,
		channels: channels,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "relay"),
		metrics:  m,
	}
}

// Handle relays the message msgID. A relay failure marks the message
// internal_error; only store failures are returned.
func (r *Relay) Handle(ctx context.Context, msgID int64) error {
	msg, err := r.store.GetMessage(ctx, msgID)
	if errors.Is(err, repo.ErrNotFound) {
		r.logger.Error("inbound message not found", "msg_id", msgID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load inbound message %d: %w", msgID, err)
	}
	if msg.IsArchived || msg.Account == nil {
		return nil
	}
	log := r.logger.With("msg_id", msg.ID, "api_id", msg.Account.APIID)

	ch, err := r.channels.Channel(ctx, msg.Account)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	if ch == nil {
		log.Debug("account has no active channel")
		return nil
	}

	sent, err := r.post(ctx, ch, msg)
	if err != nil {
		log.Error("relay to telegram failed", "error", err)
		r.metrics.IncError("relay_send")
		return r.store.UpdateMessageStatus(ctx, msg.ID, repo.StatusInternalError)
	}
	if sent != nil {
		if err := r.store.SetTelegramMessageID(ctx, msg.ID, sent.MessageID); err != nil {
			return err
		}
	}

	if msg.Type != repo.TypeCall && msg.Direction == repo.DirectionIncoming {
		return r.autoReply(ctx, msg)
	}
	return nil
}

func (r *Relay) post(ctx context.Context, ch *repo.Channel, msg *repo.Message) (*telegram.Message, error) {
	kb := r.keyboard(msg)
	name := mdEscaper.Replace(orDash(msg.ChatName))
	phone := strings.TrimPrefix(msg.Phone(), "+")

	if msg.Type == repo.TypeCall {
		if msg.Direction != repo.DirectionIncoming {
			return nil, nil
		}
		return r.bot.SendMessage(ctx, telegram.SendMessageRequest{
			ChatID:                ch.TelegramID,
			Text:                  fmt.Sprintf(newCallCard, name, phone),
			ParseMode:             parseMode,
			DisableWebPagePreview: true,
			ReplyMarkup:           kb,
		})
	}

	var text string
	switch msg.Direction {
	case repo.DirectionIncoming:
		text = fmt.Sprintf(newMessageCard, name, phone, mdEscaper.Replace(orDash(msg.Text)))
	case repo.DirectionSystem:
		// System notices carry their own markup.
		text = msg.Text
	default:
		text = mdEscaper.Replace(orDash(msg.Text))
	}

	if len(msg.Files) == 0 {
		return r.sendText(ctx, ch.TelegramID, telegram.SplitText(text, telegram.MaxMessageLength), kb)
	}

	caption, overflow := telegram.SplitCaption(text)
	kind := telegram.KindDocument
	if len(msg.Files) == 1 {
		kind = mediaKinds[msg.Files[0].FileType]
	}
	var first *telegram.Message
	for _, f := range msg.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", f.Name, err)
		}
		doc := telegram.Document{
			ChatID:      ch.TelegramID,
			Kind:        kind,
			FileName:    f.Name,
			Content:     data,
			Caption:     caption,
			ReplyMarkup: kb,
		}
		if caption != "" {
			doc.ParseMode = parseMode
		}
		sent, err := r.bot.SendDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = sent
		}
		caption = ""
	}
	if _, err := r.sendText(ctx, ch.TelegramID, overflow, nil); err != nil {
		return nil, err
	}
	return first, nil
}

// sendText posts parts in order, the keyboard on the first, and returns
// the first post.
func (r *Relay) sendText(ctx context.Context, chatID int64, parts []string, kb *telegram.InlineKeyboardMarkup) (*telegram.Message, error) {
	var first *telegram.Message
	for i, part := range parts {
		req := telegram.SendMessageRequest{
			ChatID:                chatID,
			Text:                  part,
			ParseMode:             parseMode,
			DisableWebPagePreview: true,
		}
		if i == 0 {
			req.ReplyMarkup = kb
		}
		sent, err := r.bot.SendMessage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("send part %d of %d: %w", i+1, len(parts), err)
		}
		if first == nil {
			first = sent
		}
	}
	return first, nil
}

// keyboard links the Telegram post to the chat page of the panel.
func (r *Relay) keyboard(msg *repo.Message) *telegram.InlineKeyboardMarkup {
	if r.cfg.PanelURL == "" || msg.Account == nil {
		return nil
	}
	phone, server, _ := strings.Cut(msg.ChatID, "@")
	if server == "g.us" {
		phone += "-g"
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{{{
		Text: phone,
		URL:  fmt.Sprintf("%s/chat/%d/%s", strings.TrimRight(r.cfg.PanelURL, "/"), msg.Account.APIID, phone),
	}}}}
}

// autoReply queues the account's auto-reply unless one went to the chat
// within the configured interval.
func (r *Relay) autoReply(ctx context.Context, msg *repo.Message) error {
	acc := msg.Account
	if !acc.AutoReply || acc.AutoReplyText == nil || *acc.AutoReplyText == "" {
		return nil
	}
	since := r.now().Add(-r.cfg.AutoReplyInterval)
	sent, err := r.store.HasAutoReplySince(ctx, acc.ID, msg.ChatID, since)
	if err != nil {
		return fmt.Errorf("check auto reply: %w", err)
	}
	if sent {
		return nil
	}
	reply := &repo.Message{
		InstanceID:     acc.ID,
		ConversationID: msg.ConversationID,
		ChatID:         msg.ChatID,
		ChatName:       msg.ChatName,
		FromApp:        true,
		Direction:      repo.DirectionOutgoing,
		Type:           repo.TypeText,
		Status:         repo.StatusPending,
		Text:           *acc.AutoReplyText,
		IsAuto:         true,
	}
	if err := r.store.InsertMessage(ctx, reply); err != nil {
		return fmt.Errorf("queue auto reply: %w", err)
	}
	r.logger.Info("auto reply queued", "api_id", acc.APIID, "chat_id", msg.ChatID, "msg_id", reply.ID)
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}
