// Package bus subscribes to Postgres NOTIFY channels and turns their JSON
// envelopes into background work.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lib/pq"

	"green-relay/internal/metrics"
)

// Channel names emitted by the database triggers.
const (
	ChannelAccountChange = "instance_change"
	ChannelInbound       = "msg_in"
	ChannelOutbound      = "msg_out"
)

const pingInterval = 90 * time.Second

// Listener is the subset of *pq.Listener a subscription needs.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Dialer opens a dedicated listener connection.
type Dialer func(channel string) (Listener, error)

// PQDialer returns a Dialer backed by lib/pq with automatic reconnects.
func PQDialer(dsn string, logger *slog.Logger) Dialer {
	return func(channel string) (Listener, error) {
		log := logger.With("component", "bus", "channel", channel)
		report := func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnectionAttemptFailed:
				log.Warn("listener connection attempt failed", "error", err)
			case pq.ListenerEventDisconnected:
				log.Warn("listener disconnected", "error", err)
			case pq.ListenerEventReconnected:
				log.Info("listener reconnected")
			}
		}
		return pq.NewListener(dsn, 10*time.Second, time.Minute, report), nil
	}
}

// Task is one unit of work produced from an envelope.
type Task func(ctx context.Context) error

// Route decodes an envelope into a Task. A decode error drops the envelope.
type Route func(payload []byte) (Task, error)

// Bus runs one subscription per registered channel.
type Bus struct {
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	routes  map[string]Route
	order   []string
}

// New creates a bus using dial for every subscription.
func New(dial Dialer, logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		dial:    dial,
		logger:  logger.With("component", "bus"),
		metrics: m,
		routes:  make(map[string]Route),
	}
}

// Subscribe registers route for channel. Must be called before Run.
func (b *Bus) Subscribe(channel string, route Route) {
	if _, ok := b.routes[channel]; !ok {
		b.order = append(b.order, channel)
	}
	b.routes[channel] = route
}

// Run serves every subscription until ctx is done. Handler tasks are not
// awaited on shutdown.
func (b *Bus) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range b.order {
		wg.Add(1)
		go func(channel string, route Route) {
			defer wg.Done()
			if err := b.subscribe(ctx, channel, route); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ch, b.routes[ch])
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *Bus) subscribe(ctx context.Context, channel string, route Route) error {
	log := b.logger.With("channel", channel)
	l, err := b.dial(channel)
	if err != nil {
		return fmt.Errorf("dial %s: %w", channel, err)
	}
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Info("subscribed")
	defer func() {
		if err := l.Close(); err != nil {
			log.Warn("close listener failed", "error", err)
		}
		log.Info("subscription stopped")
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-l.NotificationChannel():
			if !ok {
				return fmt.Errorf("listener %s closed", channel)
			}
			if n == nil {
				// lib/pq signals a reconnect with nil; notifications may have been missed.
				log.Warn("listener reconnected, notifications may be lost")
				continue
			}
			b.dispatch(ctx, channel, route, []byte(n.Extra))
		case <-ticker.C:
			go func() {
				if err := l.Ping(); err != nil {
					log.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

// dispatch decodes payload and runs the resulting task in its own goroutine.
func (b *Bus) dispatch(ctx context.Context, channel string, route Route, payload []byte) {
	log := b.logger.With("channel", channel)
	task, err := route(payload)
	if err != nil {
		log.Warn("malformed envelope dropped", "payload", string(payload), "error", err)
		b.observe(channel, "malformed")
		return
	}

	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", "panic", rec, "stack", string(debug.Stack()))
				b.observe(channel, "panic")
			}
		}()
		if err := task(taskCtx); err != nil {
			log.Error("handler failed", "payload", string(payload), "error", err)
			b.observe(channel, "failed")
			return
		}
		b.observe(channel, "ok")
	}()
}

func (b *Bus) observe(channel, outcome string) {
	if b.metrics != nil {
		b.metrics.BusNotifications.WithLabelValues(channel, outcome).Inc()
	}
}
