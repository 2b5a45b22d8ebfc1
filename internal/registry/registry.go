// Package registry keeps one provider client per account in sync with the
// instances table and with the provider-side webhook configuration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"green-relay/internal/greenapi"
	"green-relay/internal/metrics"
	"green-relay/internal/repo"
)

var (
	// ErrBackfillRunning is returned when a backfill already holds the account lock.
	ErrBackfillRunning = errors.New("history task already running for this instance")
	// ErrUnknownAccount is returned by Get when no row exists for the provider id.
	ErrUnknownAccount = errors.New("unknown account")
)

// Config holds the settings applied to every client the registry builds.
type Config struct {
	WebhookURL string
	PathPrefix string
	RateLimits map[string]float64
	DefaultRPS float64
}

// Registry owns the provider clients keyed by provider account id.
type Registry struct {
	store   repo.Store
	http    *http.Client
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[int64]*greenapi.Client

	locksMu   sync.Mutex
	syncLocks map[int64]*sync.Mutex
	backfill  map[int64]*sync.Mutex
}

// New creates an empty registry. Call Start to load the accounts.
func New(store repo.Store, httpClient *http.Client, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Registry{
		store:     store,
		http:      httpClient,
		cfg:       cfg,
		logger:    logger.With("component", "registry"),
		metrics:   m,
		clients:   make(map[int64]*greenapi.Client),
		syncLocks: make(map[int64]*sync.Mutex),
		backfill:  make(map[int64]*sync.Mutex),
	}
}

// Start performs the initial reconciliation pass.
func (r *Registry) Start(ctx context.Context) error {
	return r.Reconcile(ctx)
}

// Close forgets all clients and releases idle connections.
func (r *Registry) Close() {
	r.mu.Lock()
	r.clients = make(map[int64]*greenapi.Client)
	r.mu.Unlock()
	r.http.CloseIdleConnections()
}

// Reconcile drops clients whose rows vanished and bootstraps every stored
// account. Failures of single accounts are logged and do not stop the pass.
func (r *Registry) Reconcile(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	present := make(map[int64]struct{}, len(accounts))
	for _, acc := range accounts {
		present[acc.APIID] = struct{}{}
	}
	r.mu.Lock()
	for apiID := range r.clients {
		if _, ok := present[apiID]; !ok {
			r.logger.Info("drop client, row removed", "api_id", apiID)
			delete(r.clients, apiID)
		}
	}
	r.mu.Unlock()

	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.bootstrap(ctx, &accounts[i])
	}
	return nil
}

// Refresh re-reads an account by row id and rebuilds or re-syncs its client.
func (r *Registry) Refresh(ctx context.Context, rowID int64) error {
	acc, err := r.store.GetAccount(ctx, rowID)
	if errors.Is(err, repo.ErrNotFound) {
		r.logger.Warn("row disappeared before bootstrap", "account_id", rowID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh account %d: %w", rowID, err)
	}
	r.bootstrap(ctx, acc)
	return nil
}

// RefreshByAPIID is Refresh keyed by provider account id.
func (r *Registry) RefreshByAPIID(ctx context.Context, apiID int64) error {
	acc, err := r.store.GetAccountByAPIID(ctx, apiID)
	if errors.Is(err, repo.ErrNotFound) {
		r.logger.Warn("account disappeared before bootstrap", "api_id", apiID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh account by api id %d: %w", apiID, err)
	}
	r.bootstrap(ctx, acc)
	return nil
}

// Drop forgets the client of a deleted account and clears its webhook on a
// best-effort basis. Unknown ids are ignored.
func (r *Registry) Drop(ctx context.Context, apiID int64) {
	r.mu.Lock()
	cli, ok := r.clients[apiID]
	delete(r.clients, apiID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Info("drop client, row deleted", "api_id", apiID)
	r.clearWebhook(ctx, cli, apiID)
}

// Get returns the client for apiID, bootstrapping it from the store when it
// is not cached yet. Callers should not hold on to the client across long
// operations since a refresh may replace it.
func (r *Registry) Get(ctx context.Context, apiID int64) (*greenapi.Client, error) {
	if cli := r.cached(apiID); cli != nil {
		return cli, nil
	}
	acc, err := r.store.GetAccountByAPIID(ctx, apiID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, apiID)
	}
	if err != nil {
		return nil, err
	}
	r.bootstrap(ctx, acc)
	if cli := r.cached(apiID); cli != nil {
		return cli, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, apiID)
}

// TryLockBackfill acquires the per-account backfill lock without waiting.
// The returned func releases it and is safe to call more than once.
func (r *Registry) TryLockBackfill(apiID int64) (func(), error) {
	r.locksMu.Lock()
	l, ok := r.backfill[apiID]
	if !ok {
		l = &sync.Mutex{}
		r.backfill[apiID] = l
	}
	r.locksMu.Unlock()

	if !l.TryLock() {
		return nil, ErrBackfillRunning
	}
	var once sync.Once
	return func() { once.Do(l.Unlock) }, nil
}

func (r *Registry) cached(apiID int64) *greenapi.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[apiID]
}

func (r *Registry) syncLock(apiID int64) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.syncLocks[apiID]
	if !ok {
		l = &sync.Mutex{}
		r.syncLocks[apiID] = l
	}
	return l
}

func (r *Registry) newClient(acc *repo.Account) *greenapi.Client {
	return greenapi.New(greenapi.Config{
		APIURL:     acc.APIURL,
		MediaURL:   acc.MediaURL,
		InstanceID: acc.APIID,
		Token:      acc.APIToken,
		PathPrefix: r.cfg.PathPrefix,
		RateLimits: r.cfg.RateLimits,
		DefaultRPS: r.cfg.DefaultRPS,
	}, r.http, r.logger, r.metrics)
}

// bootstrap creates or replaces the client of acc and syncs its state.
func (r *Registry) bootstrap(ctx context.Context, acc *repo.Account) {
	l := r.syncLock(acc.APIID)
	l.Lock()
	defer l.Unlock()

	fp := greenapi.Fingerprint{APIURL: acc.APIURL, MediaURL: acc.MediaURL, Token: acc.APIToken}
	cached := r.cached(acc.APIID)
	if cached != nil && cached.Fingerprint() == fp {
		r.syncState(ctx, cached, acc)
		return
	}

	if cached != nil {
		r.logger.Info("credentials changed, rebuilding client", "api_id", acc.APIID)
		r.clearWebhook(ctx, cached, acc.APIID)
	}
	cli := r.newClient(acc)
	r.mu.Lock()
	r.clients[acc.APIID] = cli
	r.mu.Unlock()

	r.syncState(ctx, cli, acc)
}

// syncState mirrors the provider state and profile into the account row and
// enforces the webhook configuration when the provider is reachable.
func (r *Registry) syncState(ctx context.Context, cli *greenapi.Client, acc *repo.Account) {
	log := r.logger.With("api_id", acc.APIID, "account_id", acc.ID)

	state := repo.StateUnknown
	raw, err := cli.GetState(ctx)
	switch {
	case errors.Is(err, greenapi.ErrThrottled):
		log.Warn("state query throttled, sync skipped")
		return
	case err != nil:
		log.Error("get state failed", "error", err)
		r.metrics.IncError("registry_state")
	default:
		if parsed, ok := repo.ParseAccountState(raw); ok {
			state = parsed
		} else {
			log.Warn("unrecognised provider state", "state", raw)
		}
	}

	next := repo.AccountSync{ID: acc.ID, State: acc.State, Phone: acc.Phone, PhotoURL: acc.PhotoURL}
	modified := false
	if acc.State != state {
		next.State = state
		modified = true
	}

	var settings *greenapi.Settings
	if state == repo.StateAuthorized {
		settings, err = cli.GetSettings(ctx)
		if err != nil {
			log.Error("get settings failed", "error", err)
		} else if phone, _, _ := strings.Cut(settings.Wid, "@"); phone != "" && (acc.Phone == nil || *acc.Phone != phone) {
			next.Phone = &phone
			modified = true
		}
	} else if acc.Phone != nil || acc.PhotoURL != nil {
		next.Phone, next.PhotoURL = nil, nil
		modified = true
	}

	if state != repo.StateUnknown {
		r.ensureWebhook(ctx, cli, acc.APIID, settings)
	}

	if !modified {
		return
	}
	if err := r.store.SaveAccountSync(ctx, next); err != nil {
		log.Error("persist account sync failed", "error", err)
		r.metrics.IncError("registry_persist")
		return
	}
	acc.State, acc.Phone, acc.PhotoURL = next.State, next.Phone, next.PhotoURL
	log.Info("account synced", "state", next.State)
}

// DesiredWebhook returns the settings every live account must carry.
func DesiredWebhook(url string) greenapi.WebhookSettings {
	return greenapi.WebhookSettings{
		WebhookURL:                        url,
		IncomingWebhook:                   "yes",
		OutgoingWebhook:                   "yes",
		OutgoingMessageWebhook:            "yes",
		OutgoingAPIMessageWebhook:         "yes",
		StateWebhook:                      "yes",
		IncomingCallWebhook:               "yes",
		MarkIncomingMessagesReadedOnReply: "yes",
	}
}

func clearedWebhook() greenapi.WebhookSettings {
	return greenapi.WebhookSettings{
		WebhookURL:                        "",
		IncomingWebhook:                   "no",
		OutgoingWebhook:                   "no",
		OutgoingMessageWebhook:            "no",
		OutgoingAPIMessageWebhook:         "no",
		StateWebhook:                      "no",
		IncomingCallWebhook:               "no",
		MarkIncomingMessagesReadedOnReply: "no",
	}
}

// ensureWebhook patches the provider settings in one call when any webhook
// field drifts. current may be nil, in which case it is fetched.
func (r *Registry) ensureWebhook(ctx context.Context, cli *greenapi.Client, apiID int64, current *greenapi.Settings) {
	log := r.logger.With("api_id", apiID)
	if r.cfg.WebhookURL == "" {
		log.Debug("public webhook url not configured, skip webhook check")
		return
	}
	if current == nil {
		st, err := cli.GetSettings(ctx)
		if err != nil {
			log.Error("ensure webhook failed", "error", err)
			return
		}
		current = st
	}

	desired := DesiredWebhook(r.cfg.WebhookURL)
	if current.WebhookSettings == desired {
		log.Debug("webhook settings up to date")
		return
	}
	saved, err := cli.SetSettings(ctx, desired)
	switch {
	case err != nil:
		log.Error("ensure webhook failed", "error", err)
	case !saved:
		log.Error("provider did not save webhook settings")
	default:
		log.Info("webhook settings updated")
	}
}

func (r *Registry) clearWebhook(ctx context.Context, cli *greenapi.Client, apiID int64) {
	saved, err := cli.SetSettings(ctx, clearedWebhook())
	switch {
	case err != nil:
		r.logger.Error("clear webhook failed", "api_id", apiID, "error", err)
	case !saved:
		r.logger.Error("provider did not reset webhook settings", "api_id", apiID)
	default:
		r.logger.Info("webhook settings reset", "api_id", apiID)
	}
}
