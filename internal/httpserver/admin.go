package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"green-relay/internal/backfill"
	"green-relay/internal/greenapi"
	"green-relay/internal/registry"
)

// AdminTokenHeader carries the shared admin secret.
const AdminTokenHeader = "X-Admin-Token"

// RefreshCooldown is the minimum gap between manual refreshes of an account.
const RefreshCooldown = 60 * time.Second

// Accounts is the registry surface used by admin calls.
type Accounts interface {
	Get(ctx context.Context, apiID int64) (*greenapi.Client, error)
	RefreshByAPIID(ctx context.Context, apiID int64) error
}

// Backfills starts history imports.
type Backfills interface {
	Start(ctx context.Context, apiID int64, waitAuthorized bool) error
}

// Cooldowns rate limits manual actions.
type Cooldowns interface {
	Cooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Reports returns stored backfill reports.
type Reports interface {
	LastReport(ctx context.Context, apiID int64) (*backfill.Report, bool, error)
}

// AdminDeps wires the admin handlers. Cooldowns and Reports may be nil.
type AdminDeps struct {
	Token     string
	Accounts  Accounts
	Backfills Backfills
	Cooldowns Cooldowns
	Reports   Reports
}

// Admin serves the operator RPC calls.
type Admin struct {
	token     string
	accounts  Accounts
	backfills Backfills
	cooldowns Cooldowns
	reports   Reports
	logger    *slog.Logger
}

// NewAdmin creates the admin handlers.
func NewAdmin(deps AdminDeps, logger *slog.Logger) *Admin {
	return &Admin{
		token:     deps.Token,
		accounts:  deps.Accounts,
		backfills: deps.Backfills,
		cooldowns: deps.Cooldowns,
		reports:   deps.Reports,
		logger:    logger.With("component", "admin"),
	}
}

func tokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "api_id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad api_id"})
		return 0, false
	}
	return id, true
}

func (a *Admin) handleRefresh(w http.ResponseWriter, r *http.Request) {
	apiID, ok := apiIDParam(w, r)
	if !ok {
		return
	}
	if a.cooldowns != nil {
		free, err := a.cooldowns.Cooldown(r.Context(), "refresh:"+strconv.FormatInt(apiID, 10), RefreshCooldown)
		if err != nil {
			a.logger.Warn("cooldown check failed, refreshing anyway", "api_id", apiID, "error", err)
		} else if !free {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "cooldown"})
			return
		}
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := a.accounts.RefreshByAPIID(ctx, apiID); err != nil {
			a.logger.Error("manual refresh failed", "api_id", apiID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (a *Admin) client(w http.ResponseWriter, r *http.Request) (*greenapi.Client, bool) {
	apiID, ok := apiIDParam(w, r)
	if !ok {
		return nil, false
	}
	cli, err := a.accounts.Get(r.Context(), apiID)
	if errors.Is(err, registry.ErrUnknownAccount) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instance"})
		return nil, false
	}
	if err != nil {
		a.logger.Error("resolve client failed", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return nil, false
	}
	return cli, true
}

func (a *Admin) handleLogout(w http.ResponseWriter, r *http.Request) {
	cli, ok := a.client(w, r)
	if !ok {
		return
	}
	out, err := cli.Logout(r.Context())
	if err != nil {
		a.logger.Error("logout failed", "api_id", cli.InstanceID(), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "isLogout": out})
}

func (a *Admin) handleQR(w http.ResponseWriter, r *http.Request) {
	cli, ok := a.client(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cli.GetQR(r.Context()))
}

func (a *Admin) handleStartHistory(w http.ResponseWriter, r *http.Request) {
	apiID, ok := apiIDParam(w, r)
	if !ok {
		return
	}
	wait := parseBool(r.URL.Query().Get("wait_authorized"))
	if r.ContentLength > 0 {
		var body struct {
			WaitAuthorized bool `json:"wait_authorized"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		wait = wait || body.WaitAuthorized
	}

	err := a.backfills.Start(r.Context(), apiID, wait)
	switch {
	case errors.Is(err, registry.ErrBackfillRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_running"})
	case err != nil:
		a.logger.Error("cannot start backfill", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "scheduled"})
	}
}

func (a *Admin) handleHistoryReport(w http.ResponseWriter, r *http.Request) {
	apiID, ok := apiIDParam(w, r)
	if !ok {
		return
	}
	if a.reports == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no report"})
		return
	}
	rep, found, err := a.reports.LastReport(r.Context(), apiID)
	if err != nil {
		a.logger.Error("load backfill report failed", "api_id", apiID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no report"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
