package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"green-relay/internal/greenapi"
	"green-relay/internal/ingest"
	"green-relay/internal/repo"
	"green-relay/internal/repo/repotest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingIngester struct {
	mu    sync.Mutex
	store repo.Store
	calls []ingest.Options
}

func (r *recordingIngester) Ingest(ctx context.Context, hook *greenapi.Webhook, instanceID int64, opts ingest.Options) (*repo.Message, error) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	r.mu.Unlock()
	msg := &repo.Message{
		InstanceID:  instanceID,
		WAMessageID: repo.StringPtr(hook.IDMessage),
		ChatID:      hook.SenderData.ChatID,
		Direction:   opts.Direction,
		FromApp:     opts.FromApp,
		Type:        repo.TypeText,
		Status:      repo.StatusIncoming,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

type fixture struct {
	proc     *Processor
	store    *repotest.Store
	ing      *recordingIngester
	notifier *recordingNotifier
	acc      *repo.Account
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := repotest.New()
	acc := store.PutAccount(repo.Account{APIID: 7103, State: repo.StateAuthorized})
	ing := &recordingIngester{store: store}
	n := &recordingNotifier{}
	return fixture{
		proc:     NewProcessor(store, ing, n, discardLogger(), nil),
		store:    store,
		ing:      ing,
		notifier: n,
		acc:      acc,
	}
}

func event(kind, id string) *greenapi.Webhook {
	return &greenapi.Webhook{
		TypeWebhook:  kind,
		IDMessage:    id,
		InstanceData: greenapi.InstanceData{IDInstance: 7103},
		SenderData:   greenapi.SenderData{ChatID: "79991234567@c.us"},
		MessageData:  greenapi.MessageData{TypeMessage: "textMessage"},
	}
}

func (f fixture) seedOutgoing(t *testing.T, id string, status repo.MessageStatus) *repo.Message {
	t.Helper()
	msg := &repo.Message{
		InstanceID:  f.acc.ID,
		WAMessageID: repo.StringPtr(id),
		ChatID:      "79991234567@c.us",
		ChatName:    "Ivan",
		Direction:   repo.DirectionOutgoing,
		Type:        repo.TypeText,
		Status:      status,
		FromApp:     true,
		Text:        "hello",
	}
	if err := f.store.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return msg
}

func TestIncomingMessageIsIngested(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Process(context.Background(), event(greenapi.TypeIncomingMessage, "IN1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.ing.calls) != 1 || f.ing.calls[0].Direction != repo.DirectionIncoming {
		t.Fatalf("unexpected ingest calls %+v", f.ing.calls)
	}
}

func TestUnknownTypeAndAccountAreDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Process(context.Background(), event("deviceInfo", "X1")); err != nil {
		t.Fatalf("unknown type: %v", err)
	}
	stranger := event(greenapi.TypeIncomingMessage, "X2")
	stranger.InstanceData.IDInstance = 1
	if err := f.proc.Process(context.Background(), stranger); err != nil {
		t.Fatalf("unknown account: %v", err)
	}
	if len(f.ing.calls) != 0 {
		t.Fatalf("nothing should be ingested, got %d calls", len(f.ing.calls))
	}
}

func TestOutgoingEchoOfKnownMessageIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seedOutgoing(t, "OUT1", repo.StatusSent)

	if err := f.proc.Process(context.Background(), event(greenapi.TypeOutgoingAPIMessage, "OUT1")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.ing.calls) != 0 {
		t.Fatalf("known echo must not be ingested again")
	}

	if err := f.proc.Process(context.Background(), event(greenapi.TypeOutgoingMessage, "OUT2")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.ing.calls) != 1 {
		t.Fatalf("expected phone-sent message to be ingested")
	}
	got := f.ing.calls[0]
	if got.Direction != repo.DirectionOutgoing || got.FromApp {
		t.Fatalf("unexpected options %+v", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	msg := f.seedOutgoing(t, "S1", repo.StatusSent)

	st := event(greenapi.TypeOutgoingStatus, "S1")
	st.Status = "sent"
	if err := f.proc.Process(context.Background(), st); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n := len(f.store.Messages()); n != 1 {
		t.Fatalf("unchanged status must not write, have %d messages", n)
	}

	st.Status = "read"
	if err := f.proc.Process(context.Background(), st); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != repo.StatusRead {
		t.Fatalf("expected read, got %s", got.Status)
	}

	st.Status = "somethingNew"
	if err := f.proc.Process(context.Background(), st); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ = f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != repo.StatusRead {
		t.Fatalf("unknown status must be ignored, got %s", got.Status)
	}
}

func TestFailedStatusAddsNotice(t *testing.T) {
	f := newFixture(t)
	msg := f.seedOutgoing(t, "F1", repo.StatusSent)

	st := event(greenapi.TypeOutgoingStatus, "F1")
	st.Status = "noAccount"
	if err := f.proc.Process(context.Background(), st); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msgs := f.store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected notice, have %d messages", len(msgs))
	}
	if msgs[0].ID != msg.ID || msgs[0].Status != repo.StatusAPIError {
		t.Fatalf("original not marked failed: %+v", msgs[0])
	}
	notice := msgs[1]
	if notice.Direction != repo.DirectionSystem || notice.Type != repo.TypeNotification {
		t.Fatalf("unexpected notice %+v", notice)
	}
	if !strings.Contains(notice.Text, "ошибка API (noAccount)") || !strings.HasPrefix(notice.Text, repo.ErrorPrefix) {
		t.Fatalf("unexpected notice text %q", notice.Text)
	}
}

func TestRepeatedFailedStatusAddsNoSecondNotice(t *testing.T) {
	f := newFixture(t)
	f.seedOutgoing(t, "F2", repo.StatusSent)

	st := event(greenapi.TypeOutgoingStatus, "F2")
	for _, status := range []string{"noAccount", "noAccount", "failed"} {
		st.Status = status
		if err := f.proc.Process(context.Background(), st); err != nil {
			t.Fatalf("Process(%s): %v", status, err)
		}
	}

	if n := len(f.store.Messages()); n != 2 {
		t.Fatalf("expected the message and one notice, have %d messages", n)
	}
	if len(f.notifier.texts) != 0 {
		t.Fatalf("unexpected notifications %q", f.notifier.texts)
	}
}

func TestStateChangeUpdatesAndNotifies(t *testing.T) {
	f := newFixture(t)
	ev := event(greenapi.TypeStateChanged, "")
	ev.StateInstance = "notAuthorized"
	if err := f.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	acc, _ := f.store.GetAccount(context.Background(), f.acc.ID)
	if acc.State != repo.StateNotAuthorized {
		t.Fatalf("state not saved: %s", acc.State)
	}
	want := "Статус инстанса 7103: authorized → notAuthorized"
	if len(f.notifier.texts) != 1 || f.notifier.texts[0] != want {
		t.Fatalf("unexpected notifications %q", f.notifier.texts)
	}

	if err := f.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.notifier.texts) != 1 {
		t.Fatalf("same state must not notify again")
	}
}

func TestCallIsRecordedThenUpdated(t *testing.T) {
	f := newFixture(t)
	call := event(greenapi.TypeIncomingCall, "CALL1")
	call.From = "79995550000@c.us"
	call.Status = "offer"
	if err := f.proc.Process(context.Background(), call); err != nil {
		t.Fatalf("Process: %v", err)
	}
	call.Status = "missed"
	if err := f.proc.Process(context.Background(), call); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msgs := f.store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one call record, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Type != repo.TypeCall || m.ChatName != "79995550000" || m.FromApp {
		t.Fatalf("unexpected call record %+v", m)
	}
	if m.Text != "📞 пропущенный звонок (отменён звонившим)" {
		t.Fatalf("unexpected text %q", m.Text)
	}
}

func TestGroupCallName(t *testing.T) {
	f := newFixture(t)
	call := event(greenapi.TypeIncomingCall, "CALL2")
	call.From = "120363000000@g.us"
	call.Status = "offer"
	if err := f.proc.Process(context.Background(), call); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.store.Messages()[0].ChatName; got != "120363000000 (group)" {
		t.Fatalf("unexpected chat name %q", got)
	}
}

type stubProcessor struct{ err error }

func (s stubProcessor) Process(context.Context, *greenapi.Webhook) error { return s.err }

func TestHandlerResponses(t *testing.T) {
	cases := []struct {
		name   string
		method string
		body   string
		err    error
		want   int
	}{
		{"ok", http.MethodPost, `{"typeWebhook":"incomingMessageReceived"}`, nil, http.StatusOK},
		{"bad json", http.MethodPost, `{`, nil, http.StatusBadRequest},
		{"processor error", http.MethodPost, `{}`, errors.New("db down"), http.StatusInternalServerError},
		{"wrong method", http.MethodGet, ``, nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(discardLogger(), nil, stubProcessor{err: tc.err})
			req := httptest.NewRequest(tc.method, "/green-api/webhook/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusOK && !strings.Contains(rec.Body.String(), `"ok"`) {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
}
