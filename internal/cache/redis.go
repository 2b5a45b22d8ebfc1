// Package cache keeps short-lived coordination state in Redis: admin
// cooldowns and the last backfill report of each account.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"green-relay/internal/backfill"
)

const (
	keyPrefix = "green-relay:"
	reportTTL = 30 * 24 * time.Hour
)

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// Redis stores cooldown claims and backfill reports.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("component", "redis"),
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Cooldown claims key for ttl. It reports false while an earlier claim is
// still alive.
func (r *Redis) Cooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// SaveReport stores the latest backfill report of an account.
func (r *Redis) SaveReport(ctx context.Context, rep *backfill.Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode backfill report: %w", err)
	}
	key := ReportKey(rep.APIID)
	if err := r.client.Set(ctx, key, data, reportTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	r.logger.Debug("backfill report stored", "api_id", rep.APIID, "chats", len(rep.Chats))
	return nil
}

// LastReport loads the latest backfill report of an account. The boolean is
// false when no report was stored or it has expired.
func (r *Redis) LastReport(ctx context.Context, apiID int64) (*backfill.Report, bool, error) {
	key := ReportKey(apiID)
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rep backfill.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, false, fmt.Errorf("decode backfill report %s: %w", key, err)
	}
	return &rep, true, nil
}

// ReportKey is the full Redis key of the report of apiID.
func ReportKey(apiID int64) string {
	return fmt.Sprintf("%sbackfill:report:%d", keyPrefix, apiID)
}
