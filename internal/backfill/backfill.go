// Package backfill imports the full chat history of an account.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"green-relay/internal/greenapi"
	"green-relay/internal/ingest"
	"green-relay/internal/metrics"
	"green-relay/internal/repo"
)

// ErrNotAuthorized is returned when the account is not connected.
var ErrNotAuthorized = errors.New("account not authorized")

const (
	// discoveryWindow covers roughly ten years, in minutes.
	discoveryWindow = 365 * 24 * 60 * 10
	waitAttempts    = 30
	waitInterval    = 2 * time.Second
)

// Locker hands out the per-account backfill lock.
type Locker interface {
	TryLockBackfill(apiID int64) (func(), error)
}

// ClientSource resolves the provider client of an account.
type ClientSource interface {
	Get(ctx context.Context, apiID int64) (*greenapi.Client, error)
}

// Ingester stores message payloads.
type Ingester interface {
	Ingest(ctx context.Context, hook *greenapi.Webhook, instanceID int64, opts ingest.Options) (*repo.Message, error)
}

// Notifier posts progress text for an account.
type Notifier interface {
	Notify(ctx context.Context, apiID int64, text string) error
}

// ReportSink keeps the last report of an account.
type ReportSink interface {
	SaveReport(ctx context.Context, r *Report) error
}

// ChatReport summarises one chat.
type ChatReport struct {
	ChatID  string `json:"chat_id"`
	Total   int    `json:"total"`
	Saved   int    `json:"saved"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// Report summarises one backfill run.
type Report struct {
	APIID      int64        `json:"api_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Incoming   int          `json:"incoming"`
	Outgoing   int          `json:"outgoing"`
	Chats      []ChatReport `json:"chats"`
	Error      string       `json:"error,omitempty"`
}

// Saved returns the number of stored messages over all chats.
func (r *Report) Saved() int {
	n := 0
	for _, c := range r.Chats {
		n += c.Saved
	}
	return n
}

// Config tunes a Backfiller.
type Config struct {
	// PanelURL is the base of chat deep links in summaries. Empty disables links.
	PanelURL     string
	WaitAttempts int
	WaitInterval time.Duration
}

// Backfiller runs history imports.
type Backfiller struct {
	store    repo.Store
	locks    Locker
	clients  ClientSource
	ingester Ingester
	notifier Notifier
	reports  ReportSink
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Backfiller. notifier and reports may be nil.
func New(store repo.Store, locks Locker, clients ClientSource, ing Ingester, notifier Notifier, reports ReportSink, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Backfiller {
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = waitAttempts
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = waitInterval
	}
	return &Backfiller{
		store:    store,
		locks:    locks,
		clients:  clients,
		ingester: ing,
		notifier: notifier,
		reports:  reports,
		cfg:      cfg,
		logger:   logger.With("component", "backfill"),
		metrics:  m,
	}
}

// Start takes the account lock and runs the import in the background. A
// held lock is reported immediately.
func (b *Backfiller) Start(ctx context.Context, apiID int64, waitAuthorized bool) error {
	release, err := b.locks.TryLockBackfill(apiID)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer release()
		defer func() {
			if rec := recover(); rec != nil {
				b.logger.Error("backfill panic", "api_id", apiID, "panic", rec)
			}
		}()
		if _, err := b.run(bg, apiID, waitAuthorized); err != nil {
			b.logger.Error("backfill failed", "api_id", apiID, "error", err)
		}
	}()
	return nil
}

// Run takes the account lock and imports synchronously.
func (b *Backfiller) Run(ctx context.Context, apiID int64, waitAuthorized bool) (*Report, error) {
	release, err := b.locks.TryLockBackfill(apiID)
	if err != nil {
		return nil, err
	}
	defer release()
	return b.run(ctx, apiID, waitAuthorized)
}

func (b *Backfiller) run(ctx context.Context, apiID int64, waitAuthorized bool) (*Report, error) {
	log := b.logger.With("api_id", apiID)
	report := &Report{APIID: apiID, StartedAt: time.Now().UTC()}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		if b.reports != nil {
			if err := b.reports.SaveReport(context.WithoutCancel(ctx), report); err != nil {
				log.Warn("cannot store backfill report", "error", err)
			}
		}
	}()

	b.notify(ctx, apiID, fmt.Sprintf("Запущена задача загрузки истории сообщений для инстанса %d...", apiID))
	log.Info("history backfill started", "wait_authorized", waitAuthorized)

	cli, err := b.clients.Get(ctx, apiID)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("client for %d: %w", apiID, err)
	}
	if err := b.awaitAuthorized(ctx, cli, waitAuthorized); err != nil {
		report.Error = err.Error()
		if errors.Is(err, ErrNotAuthorized) {
			b.notify(ctx, apiID, fmt.Sprintf("Инстанс %d не авторизован, не удалось загрузить историю сообщений. "+
				"Пожалуйста войдите в инстанс и повторите попытку.", apiID))
		}
		return report, err
	}

	chats, err := b.discoverChats(ctx, cli, report)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	b.notify(ctx, apiID, fmt.Sprintf("Для инстанса %d получено %d входящих и %d исходящих сообщений, сохраняю...",
		apiID, report.Incoming, report.Outgoing))

	acc, err := b.store.GetAccountByAPIID(ctx, apiID)
	if err != nil {
		report.Error = err.Error()
		b.notify(ctx, apiID, fmt.Sprintf("Что-то пошло не так, инстанс %d больше не найден в БД...", apiID))
		return report, fmt.Errorf("resolve account %d: %w", apiID, err)
	}

	for _, chatID := range chats {
		cr := b.importChat(ctx, acc, chatID)
		report.Chats = append(report.Chats, cr)
		log.Info("chat history imported", "chat_id", chatID, "saved", cr.Saved, "skipped", cr.Skipped, "error", cr.Error)
	}

	b.notify(ctx, apiID, b.summary(report))
	log.Info("history backfill finished", "chats", len(report.Chats), "saved", report.Saved())
	return report, nil
}

func (b *Backfiller) awaitAuthorized(ctx context.Context, cli *greenapi.Client, wait bool) error {
	attempts := 1
	if wait {
		attempts = b.cfg.WaitAttempts
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.WaitInterval):
			}
		}
		state, err := cli.GetState(ctx)
		if err != nil {
			b.logger.Warn("state poll failed", "api_id", cli.InstanceID(), "error", err)
			continue
		}
		if state == greenapi.StateAuthorized {
			return nil
		}
	}
	return ErrNotAuthorized
}

// discoverChats lists the distinct chats seen in the recent message
// summaries, sorted for a stable import order.
func (b *Backfiller) discoverChats(ctx context.Context, cli *greenapi.Client, report *Report) ([]string, error) {
	inc, err := cli.LastIncoming(ctx, discoveryWindow)
	if err != nil {
		return nil, fmt.Errorf("last incoming: %w", err)
	}
	out, err := cli.LastOutgoing(ctx, discoveryWindow)
	if err != nil {
		return nil, fmt.Errorf("last outgoing: %w", err)
	}
	report.Incoming, report.Outgoing = len(inc), len(out)

	seen := make(map[string]struct{})
	for _, e := range append(inc, out...) {
		if e.ChatID != "" {
			seen[e.ChatID] = struct{}{}
		}
	}
	chats := make([]string, 0, len(seen))
	for id := range seen {
		chats = append(chats, id)
	}
	sort.Strings(chats)
	return chats, nil
}

func (b *Backfiller) importChat(ctx context.Context, acc *repo.Account, chatID string) ChatReport {
	cr := ChatReport{ChatID: chatID}
	// The client is looked up per chat since a refresh may replace it.
	cli, err := b.clients.Get(ctx, acc.APIID)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}
	history, err := cli.GetChatHistory(ctx, chatID, greenapi.MaxHistoryCount)
	if err != nil {
		cr.Error = err.Error()
		b.observe("failed")
		return cr
	}
	cr.Total = len(history)

	for _, entry := range history {
		exists, err := b.store.MessageExists(ctx, acc.ID, entry.IDMessage)
		if err != nil {
			cr.Error = err.Error()
			return cr
		}
		if exists {
			cr.Skipped++
			b.observe("skipped")
			continue
		}
		dir := repo.DirectionOutgoing
		if entry.Type == "incoming" {
			dir = repo.DirectionIncoming
		}
		msg, err := b.ingester.Ingest(ctx, ToWebhook(entry, acc.APIID), acc.ID, ingest.Options{
			Direction: dir,
			Archived:  true,
		})
		if err != nil {
			cr.Error = err.Error()
			b.observe("failed")
			return cr
		}
		if msg == nil {
			cr.Skipped++
			b.observe("skipped")
			continue
		}
		cr.Saved++
		b.observe("saved")
	}
	return cr
}

func (b *Backfiller) summary(r *Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Загрузка сообщений для инстанса %d завершена\n", r.APIID)
	for _, c := range r.Chats {
		if c.Error != "" && c.Total == 0 {
			fmt.Fprintf(&sb, "Чат %s: не удалось загрузить историю чата\n", c.ChatID)
			continue
		}
		where := c.ChatID
		if b.cfg.PanelURL != "" {
			where += " (" + strings.TrimRight(b.cfg.PanelURL, "/") + fmt.Sprintf("/chat/%d/%s", r.APIID, chatPhone(c.ChatID))
			where += fmt.Sprintf(", %d сообщений)", c.Total)
		} else {
			where += fmt.Sprintf(" (%d сообщений)", c.Total)
		}
		fmt.Fprintf(&sb, "Чат %s: сохранено: %d, пропущено: %d\n", where, c.Saved, c.Skipped)
	}
	return sb.String()
}

func (b *Backfiller) notify(ctx context.Context, apiID int64, text string) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, apiID, text); err != nil {
		b.logger.Warn("backfill notification failed", "api_id", apiID, "error", err)
	}
}

func (b *Backfiller) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.BackfillMessages.WithLabelValues(outcome).Inc()
	}
}
