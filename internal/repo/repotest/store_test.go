package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"green-relay/internal/repo"
)

func TestConcurrentDuplicateInsert(t *testing.T) {
	s := New()
	acc := s.PutAccount(repo.Account{APIID: 1101})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "BAE5DUP"
			errs <- s.InsertMessage(context.Background(), &repo.Message{
				InstanceID: acc.ID, WAMessageID: &id, ChatID: "1@c.us", Direction: repo.DirectionIncoming,
			})
		}()
	}
	wg.Wait()
	close(errs)

	ok, dup := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrDuplicate):
			dup++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || dup != 7 || len(s.Messages()) != 1 {
		t.Fatalf("ok=%d dup=%d rows=%d", ok, dup, len(s.Messages()))
	}
}

func TestConversationAggregate(t *testing.T) {
	s := New()
	acc := s.PutAccount(repo.Account{APIID: 1101})
	ctx := context.Background()

	in := &repo.Message{InstanceID: acc.ID, ChatID: "1@c.us", Direction: repo.DirectionIncoming}
	archived := &repo.Message{InstanceID: acc.ID, ChatID: "1@c.us", Direction: repo.DirectionIncoming, IsArchived: true}
	out := &repo.Message{InstanceID: acc.ID, ChatID: "1@c.us", Direction: repo.DirectionOutgoing}
	for _, m := range []*repo.Message{in, archived, out} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	conv, ok := s.Conversation(acc.ID, "1@c.us")
	if !ok {
		t.Fatal("conversation not created")
	}
	if conv.UnreadIncCount != 1 {
		t.Fatalf("unread = %d", conv.UnreadIncCount)
	}
	if conv.LastMessageID == nil || *conv.LastMessageID != out.ID {
		t.Fatalf("last message = %v", conv.LastMessageID)
	}
	if *in.ConversationID != conv.ID || *out.ConversationID != conv.ID {
		t.Fatal("messages not linked to the conversation")
	}
}

func TestAssignProviderIDFirstWriterWins(t *testing.T) {
	s := New()
	acc := s.PutAccount(repo.Account{APIID: 1101})
	ctx := context.Background()
	msg := &repo.Message{InstanceID: acc.ID, ChatID: "1@c.us", Direction: repo.DirectionOutgoing, FromApp: true}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := s.AssignProviderID(ctx, msg.ID, "BAE5A")
	if err != nil || got != "BAE5A" {
		t.Fatalf("first assign = %q, %v", got, err)
	}
	got, err = s.AssignProviderID(ctx, msg.ID, "BAE5B")
	if err != nil || got != "BAE5A" {
		t.Fatalf("second assign = %q, %v", got, err)
	}
	if _, err := s.GetMessage(ctx, 9999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing message err = %v", err)
	}
}
