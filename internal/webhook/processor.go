// Package webhook dispatches provider webhook deliveries.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"green-relay/internal/greenapi"
	"green-relay/internal/ingest"
	"green-relay/internal/metrics"
	"green-relay/internal/repo"
)

// Notifier posts operator-facing text for an account.
type Notifier interface {
	Notify(ctx context.Context, apiID int64, text string) error
}

// Ingester stores message payloads.
type Ingester interface {
	Ingest(ctx context.Context, hook *greenapi.Webhook, instanceID int64, opts ingest.Options) (*repo.Message, error)
}

type handlerFunc func(p *Processor, ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error

// handlers is the fixed dispatch table keyed by typeWebhook.
var handlers = map[string]handlerFunc{
	greenapi.TypeIncomingMessage:    (*Processor).handleIncoming,
	greenapi.TypeOutgoingMessage:    (*Processor).handleOutgoing,
	greenapi.TypeOutgoingAPIMessage: (*Processor).handleOutgoing,
	greenapi.TypeOutgoingStatus:     (*Processor).handleStatus,
	greenapi.TypeStateChanged:       (*Processor).handleState,
	greenapi.TypeIncomingCall:       (*Processor).handleCall,
}

var statusMap = map[string]repo.MessageStatus{
	"sent":       repo.StatusSent,
	"delivered":  repo.StatusDelivered,
	"read":       repo.StatusRead,
	"failed":     repo.StatusAPIError,
	"noAccount":  repo.StatusAPIError,
	"notInGroup": repo.StatusAPIError,
}

var callStatusText = map[string]string{
	"offer":    "входящий звонок",
	"pickUp":   "принятый звонок",
	"hangUp":   "сброшенный звонок",
	"missed":   "пропущенный звонок (отменён звонившим)",
	"declined": "пропущенный звонок",
}

// Processor applies webhook events to the store.
type Processor struct {
	store    repo.Store
	ingester Ingester
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProcessor creates a processor.
func NewProcessor(store repo.Store, ing Ingester, notifier Notifier, logger *slog.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		store:    store,
		ingester: ing,
		notifier: notifier,
		logger:   logger.With("component", "webhook"),
		metrics:  m,
	}
}

// Process routes one delivery. Unknown types and unknown accounts are
// logged and dropped without error.
func (p *Processor) Process(ctx context.Context, hook *greenapi.Webhook) error {
	h, ok := handlers[hook.TypeWebhook]
	if !ok {
		p.logger.Debug("unhandled webhook type", "type", hook.TypeWebhook)
		p.observe(hook.TypeWebhook, "ignored")
		return nil
	}

	apiID := hook.InstanceData.IDInstance
	acc, err := p.store.GetAccountByAPIID(ctx, apiID)
	if errors.Is(err, repo.ErrNotFound) {
		p.logger.Warn("webhook for unknown account", "api_id", apiID, "type", hook.TypeWebhook)
		p.observe(hook.TypeWebhook, "unknown_account")
		return nil
	}
	if err != nil {
		p.observe(hook.TypeWebhook, "error")
		return fmt.Errorf("resolve account %d: %w", apiID, err)
	}

	if err := h(p, ctx, hook, acc); err != nil {
		p.observe(hook.TypeWebhook, "error")
		return err
	}
	p.observe(hook.TypeWebhook, "ok")
	return nil
}

func (p *Processor) observe(kind, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(kind, outcome).Inc()
	}
}

func (p *Processor) handleIncoming(ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error {
	_, err := p.ingester.Ingest(ctx, hook, acc.ID, ingest.Options{Direction: repo.DirectionIncoming})
	return err
}

// handleOutgoing stores messages sent from the phone or by the API. Echoes
// of already known ids are skipped before any media is fetched.
func (p *Processor) handleOutgoing(ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error {
	if hook.IDMessage != "" {
		exists, err := p.store.MessageExists(ctx, acc.ID, hook.IDMessage)
		if err != nil {
			return err
		}
		if exists {
			p.logger.Debug("outgoing echo already stored", "api_id", acc.APIID, "id_message", hook.IDMessage)
			return nil
		}
	}
	_, err := p.ingester.Ingest(ctx, hook, acc.ID, ingest.Options{Direction: repo.DirectionOutgoing, FromApp: false})
	return err
}

func (p *Processor) handleStatus(ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error {
	log := p.logger.With("api_id", acc.APIID, "id_message", hook.IDMessage)
	next, ok := statusMap[hook.Status]
	if !ok {
		log.Debug("unknown message status", "status", hook.Status)
		return nil
	}

	msg, err := p.store.GetMessageByProviderID(ctx, acc.ID, hook.IDMessage)
	if errors.Is(err, repo.ErrNotFound) {
		log.Debug("status for unknown message")
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Status == next {
		return nil
	}
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, next); err != nil {
		return err
	}
	log.Info("message status changed", "msg_id", msg.ID, "status", next)

	if next == repo.StatusAPIError {
		desc := hook.Description
		if desc == "" {
			desc = hook.Status
		}
		if err := p.store.InsertMessage(ctx, repo.SystemNotice(msg, "ошибка API ("+desc+")")); err != nil {
			return fmt.Errorf("store send failure notice: %w", err)
		}
	}
	return nil
}

func (p *Processor) handleState(ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error {
	next, ok := repo.ParseAccountState(hook.StateInstance)
	if !ok {
		p.logger.Warn("unknown account state", "api_id", acc.APIID, "state", hook.StateInstance)
		return nil
	}
	if acc.State == next {
		return nil
	}
	if err := p.store.SetAccountState(ctx, acc.ID, next); err != nil {
		return err
	}
	p.logger.Info("account state changed", "api_id", acc.APIID, "from", acc.State, "to", next)

	if p.notifier != nil {
		text := fmt.Sprintf("Статус инстанса %d: %s → %s", acc.APIID, acc.State, next)
		if err := p.notifier.Notify(ctx, acc.APIID, text); err != nil {
			p.logger.Error("state change notification failed", "api_id", acc.APIID, "error", err)
		}
	}
	return nil
}

// handleCall records a call once at offer time and rewrites its text on
// every later delivery for the same id.
func (p *Processor) handleCall(ctx context.Context, hook *greenapi.Webhook, acc *repo.Account) error {
	human, ok := callStatusText[hook.Status]
	if !ok {
		human = hook.Status
	}
	text := "📞 " + human

	existing, err := p.store.GetMessageByProviderID(ctx, acc.ID, hook.IDMessage)
	switch {
	case err == nil:
		if existing.Text == text {
			return nil
		}
		return p.store.UpdateMessageText(ctx, existing.ID, text)
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}

	phone, server, _ := strings.Cut(hook.From, "@")
	chatName := phone
	if strings.TrimSpace(server) == "g.us" {
		chatName += " (group)"
	}
	msg := &repo.Message{
		InstanceID:  acc.ID,
		WAMessageID: repo.StringPtr(hook.IDMessage),
		ChatID:      hook.From,
		ChatName:    chatName,
		Direction:   repo.DirectionIncoming,
		Type:        repo.TypeCall,
		Status:      repo.StatusIncoming,
		Text:        text,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		return err
	}
	return nil
}
