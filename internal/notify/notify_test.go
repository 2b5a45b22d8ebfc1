package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"green-relay/internal/repo"
	"green-relay/internal/repo/repotest"
	"green-relay/internal/telegram"
)

type fakeBot struct {
	sent      []telegram.SendMessageRequest
	docs      []telegram.Document
	reactions []string
	err       error
}

func (b *fakeBot) SendMessage(_ context.Context, req telegram.SendMessageRequest) (*telegram.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.sent = append(b.sent, req)
	return &telegram.Message{MessageID: int64(len(b.sent))}, nil
}

func (b *fakeBot) SendDocument(_ context.Context, doc telegram.Document) (*telegram.Message, error) {
	b.docs = append(b.docs, doc)
	return &telegram.Message{MessageID: int64(100 + len(b.docs))}, nil
}

func (b *fakeBot) SetReaction(_ context.Context, _, _ int64, emoji string) error {
	b.reactions = append(b.reactions, emoji)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, active bool) (*Telegram, *fakeBot, *repo.Account) {
	t.Helper()
	store := repotest.New()
	ch := store.PutChannel(repo.Channel{TelegramID: -1001234, IsActive: active})
	acc := store.PutAccount(repo.Account{APIID: 4401, TelegramChannelID: ch.ID})
	bot := &fakeBot{}
	return NewTelegram(store, bot, discardLogger()), bot, acc
}

func TestNotifySplitsLongText(t *testing.T) {
	n, bot, _ := setup(t, true)
	long := strings.Repeat("line of text\n", 400)

	if err := n.Notify(context.Background(), 4401, long); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Fatalf("expected split into several messages, got %d", len(bot.sent))
	}
	for _, m := range bot.sent {
		if m.ChatID != -1001234 {
			t.Fatalf("sent to wrong chat %d", m.ChatID)
		}
		if n := len([]rune(m.Text)); n > telegram.MaxMessageLength {
			t.Fatalf("part too long: %d", n)
		}
	}
}

func TestNotifySkipsInactiveChannel(t *testing.T) {
	n, bot, _ := setup(t, false)
	if err := n.Notify(context.Background(), 4401, "hi"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) != 0 {
		t.Fatalf("inactive channel must not receive messages")
	}
}

func TestNotifyUnknownAccount(t *testing.T) {
	n, _, _ := setup(t, true)
	if err := n.Notify(context.Background(), 1, "hi"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcknowledgeReactsOnTelegramCopy(t *testing.T) {
	n, bot, acc := setup(t, true)
	tgID := int64(55)
	ctx := context.Background()

	if err := n.Acknowledge(ctx, &repo.Message{Account: acc, TGMessageID: &tgID}, true); err != nil {
		t.Fatal(err)
	}
	if err := n.Acknowledge(ctx, &repo.Message{Account: acc, TGMessageID: &tgID}, false); err != nil {
		t.Fatal(err)
	}
	if err := n.Acknowledge(ctx, &repo.Message{Account: acc}, true); err != nil {
		t.Fatal(err)
	}
	if len(bot.reactions) != 2 || bot.reactions[0] != "👍" || bot.reactions[1] != "😡" {
		t.Fatalf("unexpected reactions %q", bot.reactions)
	}
}

type fakePublisher struct {
	keys []string
	envs []Envelope
}

func (p *fakePublisher) Publish(_ context.Context, key string, env Envelope) error {
	p.keys = append(p.keys, key)
	p.envs = append(p.envs, env)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestMirrorPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	if err := NewMirror(pub).Notify(context.Background(), 4401, "state changed"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(pub.envs) != 1 || pub.keys[0] != RoutingKeyNotification {
		t.Fatalf("unexpected publishes %v", pub.keys)
	}
	env := pub.envs[0]
	if env.Meta.ID == "" || env.Meta.CreatedAt.IsZero() {
		t.Fatalf("meta not filled: %+v", env.Meta)
	}
	var data NotificationData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.APIID != 4401 || data.Text != "state changed" {
		t.Fatalf("unexpected data %+v", data)
	}
}

type failing struct{}

func (failing) Notify(context.Context, int64, string) error { return errors.New("down") }

func TestFanoutDeliversToAll(t *testing.T) {
	pub := &fakePublisher{}
	err := Fanout{failing{}, NewMirror(pub)}.Notify(context.Background(), 1, "x")
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(pub.envs) != 1 {
		t.Fatal("later notifiers must still run after a failure")
	}
}
