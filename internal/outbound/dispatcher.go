// Package outbound delivers operator-composed messages to the provider.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"green-relay/internal/greenapi"
	"green-relay/internal/metrics"
	"green-relay/internal/repo"
)

// ClientSource resolves the provider client of an account.
type ClientSource interface {
	Get(ctx context.Context, apiID int64) (*greenapi.Client, error)
}

// Acknowledger reports the delivery result back to where the message was
// composed.
type Acknowledger interface {
	Acknowledge(ctx context.Context, msg *repo.Message, ok bool) error
}

// Dispatcher sends queued outbound messages.
type Dispatcher struct {
	store   repo.Store
	clients ClientSource
	ack     Acknowledger
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Dispatcher. ack may be nil.
func New(store repo.Store, clients ClientSource, ack Acknowledger, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		clients: clients,
		ack:     ack,
		logger:  logger.With("component", "outbound"),
		metrics: m,
	}
}

// Dispatch delivers the message msgID. Delivery failures are recorded on
// the message and reported through a system notice; only store failures
// are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, msgID int64) error {
	msg, err := d.store.GetMessage(ctx, msgID)
	if errors.Is(err, repo.ErrNotFound) {
		d.logger.Error("outbound message not found", "msg_id", msgID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load outbound message %d: %w", msgID, err)
	}
	if msg.IsArchived || !msg.FromApp {
		return nil
	}
	log := d.logger.With("msg_id", msg.ID, "account_id", msg.InstanceID)
	if msg.Account != nil {
		log = log.With("api_id", msg.Account.APIID)
	}

	res, sendErr := d.send(ctx, msg)
	if sendErr == nil {
		ok, err := d.assignID(ctx, msg, res)
		if err != nil {
			return err
		}
		log.Info("message sent", "id_message", msg.ProviderID(), "files", len(msg.Files))
		return d.finish(ctx, msg, repo.StatusSent, ok, "")
	}

	var perr *greenapi.ProviderError
	if errors.As(sendErr, &perr) {
		log.Error("provider rejected message", "error", sendErr)
		return d.finish(ctx, msg, repo.StatusAPIError, false, fmt.Sprintf("ошибка API (%s)", perr))
	}
	log.Error("internal error while sending", "error", sendErr)
	d.metrics.IncError("outbound_send")
	return d.finish(ctx, msg, repo.StatusInternalError, false, "внутренняя ошибка")
}

func (d *Dispatcher) send(ctx context.Context, msg *repo.Message) (*greenapi.SendResult, error) {
	if msg.Account == nil {
		return nil, fmt.Errorf("message %d has no account loaded", msg.ID)
	}
	cli, err := d.clients.Get(ctx, msg.Account.APIID)
	if err != nil {
		return nil, err
	}
	if len(msg.Files) == 0 {
		return cli.SendMessage(ctx, msg.ChatID, msg.Text)
	}

	caption := msg.Text
	var res *greenapi.SendResult
	for _, f := range msg.Files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", f.Name, err)
		}
		res, err = cli.SendFileByUpload(ctx, greenapi.FileUpload{
			ChatID:   msg.ChatID,
			FileName: f.Name,
			MIME:     f.MIME,
			Caption:  caption,
			Content:  data,
		})
		if err != nil {
			return nil, err
		}
		caption = ""
	}
	return res, nil
}

// assignID stores the provider id returned by the send call unless the
// message already carries one. It reports whether the message ended up
// with a provider id.
func (d *Dispatcher) assignID(ctx context.Context, msg *repo.Message, res *greenapi.SendResult) (bool, error) {
	if res == nil || res.IDMessage == "" {
		d.logger.Error("send returned no message id", "msg_id", msg.ID)
		return false, nil
	}
	if msg.WAMessageID != nil {
		if *msg.WAMessageID != res.IDMessage {
			d.logger.Warn("provider id mismatch, keeping stored id",
				"msg_id", msg.ID, "stored", *msg.WAMessageID, "returned", res.IDMessage)
		}
		return true, nil
	}
	stored, err := d.store.AssignProviderID(ctx, msg.ID, res.IDMessage)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		// The echo webhook won the race and stored its own row.
		d.logger.Warn("provider id already taken by echo", "msg_id", msg.ID, "id_message", res.IDMessage)
		return true, nil
	case err != nil:
		return false, fmt.Errorf("assign provider id: %w", err)
	}
	msg.WAMessageID = &stored
	return true, nil
}

func (d *Dispatcher) finish(ctx context.Context, msg *repo.Message, status repo.MessageStatus, ok bool, reason string) error {
	if err := d.store.UpdateMessageStatus(ctx, msg.ID, status); err != nil {
		return fmt.Errorf("update status of %d: %w", msg.ID, err)
	}
	msg.Status = status
	if d.metrics != nil {
		d.metrics.OutboundResults.WithLabelValues(string(status)).Inc()
	}
	if reason != "" {
		if err := d.store.InsertMessage(ctx, repo.SystemNotice(msg, reason)); err != nil {
			d.logger.Error("store send failure notice", "msg_id", msg.ID, "error", err)
		}
	}
	if d.ack != nil {
		if err := d.ack.Acknowledge(ctx, msg, ok); err != nil {
			d.logger.Warn("cannot acknowledge delivery", "msg_id", msg.ID, "error", err)
		}
	}
	return nil
}
