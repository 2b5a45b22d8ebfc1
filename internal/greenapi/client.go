// Package greenapi is a typed client for one Green API account.
package greenapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"green-relay/internal/metrics"
	"green-relay/internal/ratelimit"
)

const (
	defaultPathPrefix = "waInstance"
	controlTimeout    = 30 * time.Second
	mediaTimeout      = 70 * time.Second
	qrCacheTTL        = time.Second
	maxResponseBytes  = 16 << 20

	// MaxHistoryCount is the largest count accepted by getChatHistory.
	MaxHistoryCount = 10000
)

var (
	// ErrThrottled matches a ProviderError carrying HTTP 429.
	ErrThrottled = errors.New("green api throttled")
)

// ProviderError is returned when the provider answers with status >= 400.
type ProviderError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("green api %s: status=%d body=%s", e.Endpoint, e.Status, e.Body)
}

// Is reports a 429 as ErrThrottled.
func (e *ProviderError) Is(target error) bool {
	return target == ErrThrottled && e.Status == http.StatusTooManyRequests
}

// Config holds per-account client settings.
type Config struct {
	APIURL     string
	MediaURL   string
	InstanceID int64
	Token      string
	PathPrefix string
	RateLimits map[string]float64
	DefaultRPS float64
}

// Fingerprint identifies the connection parameters of a client. A change in
// any of them requires a new client.
type Fingerprint struct {
	APIURL   string
	MediaURL string
	Token    string
}

// Client provides rate-limited access to a single Green API account.
type Client struct {
	logger  *slog.Logger
	http    *http.Client
	metrics *metrics.Metrics

	apiRoot    string
	mediaRoot  string
	prefix     string
	instanceID int64
	token      string
	fp         Fingerprint

	rates      map[string]float64
	defaultRPS float64
	limMu      sync.Mutex
	limiters   map[string]*ratelimit.Limiter

	qrMu     sync.Mutex
	qrCached QRResult
	qrAt     time.Time
	now      func() time.Time
}

// New creates a client. httpClient is shared between accounts; per-request
// deadlines are applied through the request context.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.Trim(cfg.PathPrefix, "/")
	if prefix == "" {
		prefix = defaultPathPrefix
	}
	apiRoot := strings.TrimRight(cfg.APIURL, "/")
	mediaRoot := strings.TrimRight(cfg.MediaURL, "/")
	if mediaRoot == "" {
		mediaRoot = apiRoot
	}
	defaultRPS := cfg.DefaultRPS
	if defaultRPS <= 0 {
		defaultRPS = 5
	}
	return &Client{
		logger:     logger.With("component", "green_api", "instance", cfg.InstanceID),
		http:       httpClient,
		metrics:    m,
		apiRoot:    apiRoot,
		mediaRoot:  mediaRoot,
		prefix:     prefix,
		instanceID: cfg.InstanceID,
		token:      cfg.Token,
		fp:         Fingerprint{APIURL: cfg.APIURL, MediaURL: cfg.MediaURL, Token: cfg.Token},
		rates:      cfg.RateLimits,
		defaultRPS: defaultRPS,
		limiters:   make(map[string]*ratelimit.Limiter),
		now:        time.Now,
	}
}

// InstanceID returns the provider-side account id.
func (c *Client) InstanceID() int64 { return c.instanceID }

// Fingerprint returns the connection parameters the client was built with.
func (c *Client) Fingerprint() Fingerprint { return c.fp }

// HTTPClient exposes the shared HTTP client for media downloads.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Limiter returns the limiter guarding an endpoint category, creating it on
// first use.
func (c *Client) Limiter(endpoint string) *ratelimit.Limiter {
	key := limiterKey(endpoint)
	c.limMu.Lock()
	defer c.limMu.Unlock()
	if l, ok := c.limiters[key]; ok {
		return l
	}
	rps, ok := c.rates[key]
	if !ok || rps <= 0 {
		rps = c.defaultRPS
	}
	l := ratelimit.New(rps)
	c.limiters[key] = l
	return l
}

func limiterKey(endpoint string) string {
	key, _, _ := strings.Cut(strings.Trim(endpoint, "/"), "/")
	return key
}

// GetState returns the account state string, e.g. "authorized".
func (c *Client) GetState(ctx context.Context) (string, error) {
	var out struct {
		StateInstance string `json:"stateInstance"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, endpoint: "getStateInstance"}, &out); err != nil {
		return "", err
	}
	return out.StateInstance, nil
}

// GetSettings returns the account settings including the phone-bearing wid.
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var out Settings
	if err := c.do(ctx, request{method: http.MethodGet, endpoint: "getSettings"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetSettings writes webhook settings and reports whether the provider saved them.
func (c *Client) SetSettings(ctx context.Context, settings WebhookSettings) (bool, error) {
	var out struct {
		SaveSettings bool `json:"saveSettings"`
	}
	if err := c.doJSON(ctx, "setSettings", settings, &out); err != nil {
		return false, err
	}
	return out.SaveSettings, nil
}

// GetQR returns a login QR or the reason none is available. Results other
// than transport errors are cached for one second so bursts of polling share
// a single provider call.
func (c *Client) GetQR(ctx context.Context) QRResult {
	c.qrMu.Lock()
	defer c.qrMu.Unlock()
	if !c.qrAt.IsZero() && c.now().Sub(c.qrAt) < qrCacheTTL {
		return c.qrCached
	}

	var raw struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, endpoint: "qr"}, &raw); err != nil {
		if errors.Is(err, ErrThrottled) {
			return QRResult{Status: QRStatusError, Message: "too many requests (429)"}
		}
		return QRResult{Status: QRStatusError, Message: err.Error()}
	}

	var res QRResult
	switch raw.Type {
	case "qrCode":
		res = QRResult{Status: QRStatusCode, Image: "data:image/png;base64," + raw.Message}
	case "alreadyLogged":
		res = QRResult{Status: QRStatusAlreadyLogged}
	case "timeoutExpired", "timeout":
		res = QRResult{Status: QRStatusTimeout}
	default:
		res = QRResult{Status: QRStatusError, Message: raw.Message}
	}
	c.qrCached = res
	c.qrAt = c.now()
	return res
}

// Logout ends the provider session.
func (c *Client) Logout(ctx context.Context) (bool, error) {
	var out struct {
		IsLogout bool `json:"isLogout"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, endpoint: "logout"}, &out); err != nil {
		return false, err
	}
	return out.IsLogout, nil
}

// LastIncoming lists incoming messages of the last minutes.
func (c *Client) LastIncoming(ctx context.Context, minutes int) ([]HistoryEntry, error) {
	return c.lastMessages(ctx, "lastIncomingMessages", minutes)
}

// LastOutgoing lists outgoing messages of the last minutes.
func (c *Client) LastOutgoing(ctx context.Context, minutes int) ([]HistoryEntry, error) {
	return c.lastMessages(ctx, "lastOutgoingMessages", minutes)
}

func (c *Client) lastMessages(ctx context.Context, endpoint string, minutes int) ([]HistoryEntry, error) {
	q := url.Values{}
	q.Set("minutes", strconv.Itoa(minutes))
	var out []HistoryEntry
	if err := c.do(ctx, request{method: http.MethodGet, endpoint: endpoint, query: q}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChatHistory returns up to count history entries of one chat, newest first.
func (c *Client) GetChatHistory(ctx context.Context, chatID string, count int) ([]HistoryEntry, error) {
	if count <= 0 || count > MaxHistoryCount {
		count = MaxHistoryCount
	}
	payload := map[string]any{"chatId": chatID, "count": count}
	var out []HistoryEntry
	if err := c.doJSON(ctx, "getChatHistory", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadFile resolves a fresh download URL for a media message. Provider
// rejections yield an empty URL without error.
func (c *Client) DownloadFile(ctx context.Context, chatID, idMessage string) (string, error) {
	payload := map[string]string{"chatId": chatID, "idMessage": idMessage}
	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := c.doJSON(ctx, "downloadFile", payload, &out); err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			c.logger.Warn("download url unavailable", "id_message", idMessage, "status", perr.Status)
			return "", nil
		}
		return "", err
	}
	return out.DownloadURL, nil
}

// SendMessage sends a text message and returns the provider message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*SendResult, error) {
	payload := map[string]string{"chatId": chatID, "message": text}
	var out SendResult
	if err := c.doJSON(ctx, "sendMessage", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendFileByUpload uploads a file as multipart form data through the media host.
func (c *Client) SendFileByUpload(ctx context.Context, f FileUpload) (*SendResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chatId", f.ChatID); err != nil {
		return nil, err
	}
	if f.Caption != "" {
		if err := mw.WriteField("caption", f.Caption); err != nil {
			return nil, err
		}
	}
	if err := mw.WriteField("fileName", f.FileName); err != nil {
		return nil, err
	}
	mimeType := f.MIME
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(f.Content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out SendResult
	req := request{
		method:      http.MethodPost,
		endpoint:    "sendFileByUpload",
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
		media:       true,
	}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

type request struct {
	method      string
	endpoint    string
	query       url.Values
	body        []byte
	contentType string
	media       bool
}

func (c *Client) doJSON(ctx context.Context, endpoint string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}
	return c.do(ctx, request{method: http.MethodPost, endpoint: endpoint, body: body, contentType: "application/json"}, dest)
}

func (c *Client) endpointURL(r request) string {
	root := c.apiRoot
	if r.media {
		root = c.mediaRoot
	}
	u := fmt.Sprintf("%s/%s%d/%s/%s", root, c.prefix, c.instanceID, r.endpoint, c.token)
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, r request, dest any) error {
	limiter := c.Limiter(r.endpoint)
	if err := limiter.Acquire(ctx); err != nil {
		return err
	}

	timeout := controlTimeout
	if r.media {
		timeout = mediaTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.endpointURL(r), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", r.endpoint, err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(r.endpoint, "error", start)
		return fmt.Errorf("green api %s: %w", r.endpoint, redactURL(err))
	}
	defer resp.Body.Close()
	c.observe(r.endpoint, strconv.Itoa(resp.StatusCode), start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", r.endpoint, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		limiter.Block()
		if c.metrics != nil {
			c.metrics.ProviderThrottled.WithLabelValues(limiterKey(r.endpoint)).Inc()
		}
		c.logger.Warn("provider throttled", "endpoint", r.endpoint, "blocked_until", limiter.BlockedUntil())
		return &ProviderError{Endpoint: r.endpoint, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &ProviderError{Endpoint: r.endpoint, Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	if dest == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", r.endpoint, err)
	}
	return nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	key := limiterKey(endpoint)
	c.metrics.ProviderRequests.WithLabelValues(key, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(key, status).Observe(time.Since(start).Seconds())
}

// redactURL strips the token-bearing request URL from transport errors.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

