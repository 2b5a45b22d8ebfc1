package repo

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	if err := mapErr(fmt.Errorf("scan: %w", pgx.ErrNoRows)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no rows mapped to %v", err)
	}
	dup := mapErr(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "uq_msg_wa"})
	if !errors.Is(dup, ErrDuplicate) || !strings.Contains(dup.Error(), "uq_msg_wa") {
		t.Fatalf("unique violation mapped to %v", dup)
	}
	other := &pgconn.PgError{Code: "23503"}
	if err := mapErr(other); errors.Is(err, ErrDuplicate) || errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign key violation mapped to %v", err)
	}
}

func TestParseAccountState(t *testing.T) {
	cases := []struct {
		in   string
		want AccountState
		ok   bool
	}{
		{"authorized", StateAuthorized, true},
		{"notAuthorized", StateNotAuthorized, true},
		{"yellowCard", StateYellowCard, true},
		{"sleepMode", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := ParseAccountState(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseAccountState(%q) = %q, %v", c.in, got, ok)
		}
	}
}

func TestSystemNotice(t *testing.T) {
	conv := int64(7)
	orig := &Message{InstanceID: 3, ConversationID: &conv, ChatID: "79001234567@c.us", ChatName: "Ivan"}
	n := SystemNotice(orig, "ошибка API (400)")
	if n.Direction != DirectionSystem || n.Type != TypeNotification || !n.FromApp {
		t.Fatalf("notice shape %+v", n)
	}
	if n.ConversationID != &conv || n.ChatID != orig.ChatID {
		t.Fatal("notice is not attached to the original chat")
	}
	if !strings.HasPrefix(n.Text, ErrorPrefix) || !strings.Contains(n.Text, "```ошибка API (400)```") {
		t.Fatalf("notice text %q", n.Text)
	}
	if orig.Phone() != "79001234567" {
		t.Fatalf("phone %q", orig.Phone())
	}
	if !TypeFileAudio.IsFile() || TypeCall.IsFile() {
		t.Fatal("IsFile misclassifies types")
	}
}
