package greenapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, api, media string) *Client {
	t.Helper()
	return New(Config{
		APIURL:     api,
		MediaURL:   media,
		InstanceID: 42,
		Token:      "tok",
		DefaultRPS: 100,
	}, nil, nil, nil)
}

func TestGetStateBuildsInstancePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/waInstance42/getStateInstance/tok" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"stateInstance":"authorized"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	state, err := c.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state != StateAuthorized {
		t.Fatalf("expected authorized, got %q", state)
	}
}

func TestThrottleBlocksEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.GetState(context.Background())
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected provider error with 429, got %v", err)
	}
	if !c.Limiter("getStateInstance").BlockedUntil().After(time.Now()) {
		t.Fatalf("expected limiter to be blocked")
	}
	if !c.Limiter("getSettings").BlockedUntil().IsZero() {
		t.Fatalf("other endpoints must not be blocked")
	}
}

func TestServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.SendMessage(context.Background(), "7999@c.us", "hi")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if errors.Is(err, ErrThrottled) {
		t.Fatalf("500 must not match ErrThrottled")
	}
}

func TestSendFileByUploadUsesMediaHost(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upload must not hit api host: %s", r.URL.Path)
	}))
	defer api.Close()
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/waInstance42/sendFileByUpload/tok" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if got := r.FormValue("chatId"); got != "7999@c.us" {
			t.Errorf("chatId = %q", got)
		}
		if got := r.FormValue("caption"); got != "look" {
			t.Errorf("caption = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "a.txt" || string(data) != "hello" {
			t.Errorf("unexpected file %s %q", hdr.Filename, data)
		}
		_, _ = w.Write([]byte(`{"idMessage":"BAE5"}`))
	}))
	defer media.Close()

	c := newTestClient(t, api.URL, media.URL)
	res, err := c.SendFileByUpload(context.Background(), FileUpload{
		ChatID:   "7999@c.us",
		FileName: "a.txt",
		MIME:     "text/plain",
		Caption:  "look",
		Content:  []byte("hello"),
	})
	if err != nil {
		t.Fatalf("SendFileByUpload: %v", err)
	}
	if res.IDMessage != "BAE5" {
		t.Fatalf("unexpected id %q", res.IDMessage)
	}
}

func TestGetQRCachesResult(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"type": "qrCode", "message": "AAAA"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	first := c.GetQR(context.Background())
	second := c.GetQR(context.Background())
	if first.Status != QRStatusCode || first.Image != "data:image/png;base64,AAAA" {
		t.Fatalf("unexpected qr %+v", first)
	}
	if second != first {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", hits.Load())
	}

	c.qrAt = time.Now().Add(-2 * qrCacheTTL)
	c.GetQR(context.Background())
	if hits.Load() != 2 {
		t.Fatalf("expected refresh after ttl, got %d calls", hits.Load())
	}
}

func TestGetQRThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	res := c.GetQR(context.Background())
	if res.Status != QRStatusError || res.Message != "too many requests (429)" {
		t.Fatalf("unexpected qr %+v", res)
	}
}

func TestGetQRAlreadyLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"alreadyLogged","message":"instance account already authorized"}`))
	}))
	defer srv.Close()

	res := newTestClient(t, srv.URL, "").GetQR(context.Background())
	if res.Status != QRStatusAlreadyLogged {
		t.Fatalf("unexpected qr %+v", res)
	}
}

func TestDownloadFileSwallowsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	u, err := newTestClient(t, srv.URL, "").DownloadFile(context.Background(), "7999@c.us", "X1")
	if err != nil || u != "" {
		t.Fatalf("expected empty url without error, got %q %v", u, err)
	}
}

func TestGetChatHistoryClampsCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID string `json:"chatId"`
			Count  int    `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if body.Count != MaxHistoryCount {
			t.Errorf("count = %d", body.Count)
		}
		_, _ = w.Write([]byte(`[{"type":"incoming","idMessage":"A","typeMessage":"textMessage","chatId":"7999@c.us","textMessage":"hi"}]`))
	}))
	defer srv.Close()

	entries, err := newTestClient(t, srv.URL, "").GetChatHistory(context.Background(), "7999@c.us", 50000)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].TextMessage != "hi" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestLimiterKeyUsesFirstSegment(t *testing.T) {
	if got := limiterKey("sendMessage/extra"); got != "sendMessage" {
		t.Fatalf("limiterKey = %q", got)
	}
	c := newTestClient(t, "http://example", "")
	if c.Limiter("sendMessage") != c.Limiter("sendMessage/x") {
		t.Fatalf("expected shared limiter per category")
	}
}
