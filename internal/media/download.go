package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"green-relay/internal/metrics"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 1.5
	downloadTimeout = 70 * time.Second
)

var errEmptyFile = errors.New("downloaded file is empty")

// File is a successfully downloaded attachment.
type File struct {
	Location
	Size int64
}

// Downloader fetches remote media into a Store with bounded retries.
type Downloader struct {
	store    *Store
	http     *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  float64
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDownloader creates a downloader. httpClient may be shared with the
// provider clients.
func NewDownloader(store *Store, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		store:    store,
		http:     httpClient,
		logger:   logger.With("component", "media"),
		metrics:  m,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		sleep:    sleepCtx,
	}
}

// WithRetry overrides the attempt count and the backoff base. A zero base
// retries without waiting.
func (d *Downloader) WithRetry(attempts int, backoff float64) *Downloader {
	if attempts > 0 {
		d.attempts = attempts
	}
	if backoff >= 0 {
		d.backoff = backoff
	}
	return d
}

// Download fetches url into a file named after name. Each attempt rewrites
// the same reserved file; a zero-byte body counts as a failure and partial
// content is discarded before the next try. The file is removed when all
// attempts fail. Sleep between attempts is
// backoff^attempt scaled by a random factor in [0.5, 1.0).
func (d *Downloader) Download(ctx context.Context, url, name string) (*File, error) {
	if strings.TrimSpace(url) == "" {
		d.observe("no_url")
		return nil, errors.New("empty download url")
	}

	f, loc, err := d.store.Create(name)
	if err != nil {
		d.observe("error")
		return nil, err
	}
	_ = f.Close()

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		size, err := d.fetch(ctx, url, loc.Path)
		if err == nil {
			d.observe("ok")
			return &File{Location: loc, Size: size}, nil
		}
		lastErr = err
		_ = os.Truncate(loc.Path, 0)
		d.logger.Warn("media download failed", "attempt", attempt, "max", d.attempts, "name", loc.Name, "error", err)

		if attempt == d.attempts || ctx.Err() != nil {
			break
		}
		wait := time.Duration(math.Pow(d.backoff, float64(attempt)) * (0.5 + rand.Float64()/2) * float64(time.Second))
		if err := d.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}
	_ = os.Remove(loc.Path)
	d.observe("failed")
	d.logger.Error("media download gave up", "name", loc.Name, "error", lastErr)
	return nil, fmt.Errorf("download %s: %w", loc.Name, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, url, dst string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	size, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	if size == 0 {
		return 0, errEmptyFile
	}
	return size, nil
}

func (d *Downloader) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.MediaDownloads.WithLabelValues(outcome).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
