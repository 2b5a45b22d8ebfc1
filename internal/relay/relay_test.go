package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"green-relay/internal/notify"
	"green-relay/internal/repo"
	"green-relay/internal/repo/repotest"
	"green-relay/internal/telegram"
)

type fakeBot struct {
	texts []telegram.SendMessageRequest
	docs  []telegram.Document
	err   error
	next  int64
}

func (b *fakeBot) SendMessage(_ context.Context, req telegram.SendMessageRequest) (*telegram.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.texts = append(b.texts, req)
	b.next++
	return &telegram.Message{MessageID: b.next}, nil
}

func (b *fakeBot) SendDocument(_ context.Context, doc telegram.Document) (*telegram.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.docs = append(b.docs, doc)
	b.next++
	return &telegram.Message{MessageID: b.next}, nil
}

func (b *fakeBot) SetReaction(context.Context, int64, int64, string) error { return nil }

type fixture struct {
	relay *Relay
	store *repotest.Store
	bot   *fakeBot
	acc   *repo.Account
}

func newFixture(t *testing.T, acc repo.Account) fixture {
	t.Helper()
	store := repotest.New()
	ch := store.PutChannel(repo.Channel{TelegramID: -100777, IsActive: true})
	acc.APIID = 5501
	acc.TelegramChannelID = ch.ID
	stored := store.PutAccount(acc)
	bot := &fakeBot{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(store, bot, notify.NewTelegram(store, bot, logger), Config{
		PanelURL:          "https://panel.example",
		AutoReplyInterval: 24 * time.Hour,
	}, logger, nil)
	return fixture{relay: r, store: store, bot: bot, acc: stored}
}

func (f fixture) insert(t *testing.T, m *repo.Message) *repo.Message {
	t.Helper()
	m.InstanceID = f.acc.ID
	if m.ChatID == "" {
		m.ChatID = "79991234567@c.us"
	}
	if m.Direction == "" {
		m.Direction = repo.DirectionIncoming
	}
	if m.Type == "" {
		m.Type = repo.TypeText
	}
	if m.Status == "" {
		m.Status = repo.StatusIncoming
	}
	if err := f.store.InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func TestIncomingMessageCardAndAutoReply(t *testing.T) {
	f := newFixture(t, repo.Account{AutoReply: true, AutoReplyText: repo.StringPtr("We will answer soon")})
	first := f.insert(t, &repo.Message{ChatName: "Ivan_Petrov", Text: "hello *there*"})

	if err := f.relay.Handle(context.Background(), first.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.texts) != 1 {
		t.Fatalf("expected one post, got %d", len(f.bot.texts))
	}
	post := f.bot.texts[0]
	want := "*От:* Ivan\\_Petrov\n*Номер:* `79991234567`\n*Сообщение:* hello \\*there\\*"
	if post.Text != want || post.ChatID != -100777 {
		t.Fatalf("unexpected post %q", post.Text)
	}
	if post.ReplyMarkup == nil || post.ReplyMarkup.InlineKeyboard[0][0].URL != "https://panel.example/chat/5501/79991234567" {
		t.Fatalf("unexpected keyboard %+v", post.ReplyMarkup)
	}

	got, _ := f.store.GetMessage(context.Background(), first.ID)
	if got.TGMessageID == nil || *got.TGMessageID != 1 {
		t.Fatalf("telegram id not stored: %v", got.TGMessageID)
	}

	second := f.insert(t, &repo.Message{WAMessageID: repo.StringPtr("W2"), Text: "again"})
	if err := f.relay.Handle(context.Background(), second.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var replies []repo.Message
	for _, m := range f.store.Messages() {
		if m.IsAuto {
			replies = append(replies, m)
		}
	}
	if len(replies) != 1 {
		t.Fatalf("expected exactly one auto reply, got %d", len(replies))
	}
	r := replies[0]
	if r.Direction != repo.DirectionOutgoing || r.Status != repo.StatusPending || !r.FromApp || r.Text != "We will answer soon" {
		t.Fatalf("unexpected auto reply %+v", r)
	}
}

func TestCallCard(t *testing.T) {
	f := newFixture(t, repo.Account{AutoReply: true, AutoReplyText: repo.StringPtr("auto")})
	call := f.insert(t, &repo.Message{ChatID: "120363@g.us", ChatName: "120363 (group)", Type: repo.TypeCall, Text: "📞 входящий звонок"})

	if err := f.relay.Handle(context.Background(), call.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.texts) != 1 || !strings.HasPrefix(f.bot.texts[0].Text, "📞 *Входящий звонок*") {
		t.Fatalf("unexpected call card %+v", f.bot.texts)
	}
	if url := f.bot.texts[0].ReplyMarkup.InlineKeyboard[0][0].URL; !strings.HasSuffix(url, "/120363-g") {
		t.Fatalf("group link %q", url)
	}
	for _, m := range f.store.Messages() {
		if m.IsAuto {
			t.Fatal("calls must not trigger auto replies")
		}
	}
}

func TestSystemNoticeIsPostedAsIs(t *testing.T) {
	f := newFixture(t, repo.Account{})
	orig := f.insert(t, &repo.Message{Direction: repo.DirectionOutgoing, Status: repo.StatusAPIError})
	notice := repo.SystemNotice(orig, "ошибка API (failed)")
	if err := f.store.InsertMessage(context.Background(), notice); err != nil {
		t.Fatal(err)
	}

	if err := f.relay.Handle(context.Background(), notice.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.texts) != 1 || f.bot.texts[0].Text != notice.Text {
		t.Fatalf("unexpected post %+v", f.bot.texts)
	}
}

func TestFilesAreSentAsDocuments(t *testing.T) {
	f := newFixture(t, repo.Account{})
	dir := t.TempDir()
	var files []repo.MessageFile
	for _, name := range []string{"a.jpg", "b.pdf"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, repo.MessageFile{Name: name, Path: p})
	}
	m := f.insert(t, &repo.Message{Type: repo.TypeFileImage, Text: "caption", Files: files})

	if err := f.relay.Handle(context.Background(), m.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(f.bot.docs))
	}
	if !strings.Contains(f.bot.docs[0].Caption, "caption") || f.bot.docs[1].Caption != "" {
		t.Fatalf("caption must be on the first document only")
	}
	for _, d := range f.bot.docs {
		if d.Kind != telegram.KindDocument {
			t.Fatalf("several files must go as documents, got %q", d.Kind)
		}
	}
	got, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.TGMessageID == nil || *got.TGMessageID != 1 {
		t.Fatalf("expected first document id, got %v", got.TGMessageID)
	}
}

func TestLongMessageIsSplit(t *testing.T) {
	f := newFixture(t, repo.Account{})
	body := strings.Repeat("слово ", 1000)
	m := f.insert(t, &repo.Message{Text: body})

	if err := f.relay.Handle(context.Background(), m.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.texts) < 2 {
		t.Fatalf("expected the card in several posts, got %d", len(f.bot.texts))
	}
	words := 0
	for i, post := range f.bot.texts {
		if n := len([]rune(post.Text)); n > telegram.MaxMessageLength {
			t.Fatalf("post %d has %d runes", i, n)
		}
		if (post.ReplyMarkup != nil) != (i == 0) {
			t.Fatalf("keyboard must be on the first post only (post %d)", i)
		}
		words += strings.Count(post.Text, "слово")
	}
	if words != 1000 {
		t.Fatalf("relayed %d of 1000 words", words)
	}
	got, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Status == repo.StatusInternalError || got.TGMessageID == nil || *got.TGMessageID != 1 {
		t.Fatalf("status %s, telegram id %v", got.Status, got.TGMessageID)
	}
}

func TestSinglePhotoWithLongCaption(t *testing.T) {
	f := newFixture(t, repo.Account{})
	p := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(p, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := f.insert(t, &repo.Message{
		Type:  repo.TypeFileImage,
		Text:  strings.Repeat("подпись ", 300),
		Files: []repo.MessageFile{{Name: "pic.jpg", Path: p, FileType: repo.FileImage}},
	})

	if err := f.relay.Handle(context.Background(), m.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.docs) != 1 || f.bot.docs[0].Kind != telegram.KindPhoto {
		t.Fatalf("expected one photo, got %+v", f.bot.docs)
	}
	if n := len([]rune(f.bot.docs[0].Caption)); n == 0 || n > telegram.MaxCaptionLength {
		t.Fatalf("caption has %d runes", n)
	}
	if len(f.bot.texts) == 0 || f.bot.texts[0].ReplyMarkup != nil {
		t.Fatalf("caption overflow must follow as plain posts, got %+v", f.bot.texts)
	}
	words := strings.Count(f.bot.docs[0].Caption, "подпись")
	for _, post := range f.bot.texts {
		words += strings.Count(post.Text, "подпись")
	}
	if words != 300 {
		t.Fatalf("relayed %d of 300 words", words)
	}
	got, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.TGMessageID == nil || *got.TGMessageID != 1 {
		t.Fatalf("expected the photo id, got %v", got.TGMessageID)
	}
}

func TestFailureMarksInternalError(t *testing.T) {
	f := newFixture(t, repo.Account{})
	f.bot.err = errors.New("telegram down")
	m := f.insert(t, &repo.Message{Text: "hi"})

	if err := f.relay.Handle(context.Background(), m.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Status != repo.StatusInternalError {
		t.Fatalf("status %s", got.Status)
	}
}

func TestArchivedIsSkipped(t *testing.T) {
	f := newFixture(t, repo.Account{})
	m := f.insert(t, &repo.Message{Text: "old", IsArchived: true})
	if err := f.relay.Handle(context.Background(), m.ID); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.bot.texts) != 0 {
		t.Fatal("archived messages must not be relayed")
	}
}
