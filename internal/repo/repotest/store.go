// Package repotest provides an in-memory repo.Store for tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"green-relay/internal/repo"
)

type dedupKey struct {
	instanceID int64
	waID       string
}

// Store is a concurrency-safe in-memory repo.Store. It enforces the
// (instance, provider message id) uniqueness like the Postgres schema.
type Store struct {
	mu            sync.Mutex
	accounts      map[int64]*repo.Account
	channels      map[int64]*repo.Channel
	messages      map[int64]*repo.Message
	conversations map[string]*repo.Conversation
	dedup         map[dedupKey]int64
	nextID        int64

	// Inserted records every successfully inserted message id in order.
	Inserted []int64
	// Syncs records every SaveAccountSync call.
	Syncs []repo.AccountSync
}

var _ repo.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:      make(map[int64]*repo.Account),
		channels:      make(map[int64]*repo.Channel),
		messages:      make(map[int64]*repo.Message),
		conversations: make(map[string]*repo.Conversation),
		dedup:         make(map[dedupKey]int64),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// PutAccount inserts or replaces an account. A zero ID is assigned.
func (s *Store) PutAccount(a repo.Account) *repo.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	if a.State == "" {
		a.State = repo.StateUnknown
	}
	cp := a
	s.accounts[a.ID] = &cp
	return &cp
}

// DeleteAccount removes an account row.
func (s *Store) DeleteAccount(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

// PutChannel inserts or replaces a channel. A zero ID is assigned.
func (s *Store) PutChannel(c repo.Channel) *repo.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := c
	s.channels[c.ID] = &cp
	return &cp
}

// Messages returns copies of all stored messages ordered by id.
func (s *Store) Messages() []repo.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conversation returns the aggregate for a chat, if any.
func (s *Store) Conversation(instanceID int64, chatID string) (repo.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convKey(instanceID, chatID)]
	if !ok {
		return repo.Conversation{}, false
	}
	return *c, true
}

func (s *Store) ListAccounts(ctx context.Context) ([]repo.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*repo.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("get account %d: %w", id, repo.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByAPIID(ctx context.Context, apiID int64) (*repo.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.APIID == apiID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get account by api id %d: %w", apiID, repo.ErrNotFound)
}

func (s *Store) SaveAccountSync(ctx context.Context, sync repo.AccountSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[sync.ID]
	if !ok {
		return fmt.Errorf("save account sync %d: %w", sync.ID, repo.ErrNotFound)
	}
	a.State = sync.State
	a.Phone = sync.Phone
	a.PhotoURL = sync.PhotoURL
	s.Syncs = append(s.Syncs, sync)
	return nil
}

func (s *Store) SetAccountState(ctx context.Context, id int64, state repo.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("set account state %d: %w", id, repo.ErrNotFound)
	}
	a.State = state
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id int64) (*repo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("get channel %d: %w", id, repo.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *repo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.WAMessageID != nil {
		key := dedupKey{msg.InstanceID, *msg.WAMessageID}
		if _, ok := s.dedup[key]; ok {
			return fmt.Errorf("insert message: %w: uq_msg_wa", repo.ErrDuplicate)
		}
	}

	conv := s.conversations[convKey(msg.InstanceID, msg.ChatID)]
	if conv == nil {
		phone, server, _ := strings.Cut(msg.ChatID, "@")
		conv = &repo.Conversation{
			ID:         s.id(),
			InstanceID: msg.InstanceID,
			ChatID:     msg.ChatID,
			Phone:      repo.StringPtr(phone),
			Title:      repo.StringPtr(phone),
			IsGroup:    server == "g.us",
		}
		s.conversations[convKey(msg.InstanceID, msg.ChatID)] = conv
	}
	if msg.ConversationID == nil {
		id := conv.ID
		msg.ConversationID = &id
	}

	msg.ID = s.id()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	for i := range msg.Files {
		msg.Files[i].ID = s.id()
		msg.Files[i].MessageID = msg.ID
	}
	stored := copyMessage(msg)
	stored.Account = nil
	s.messages[msg.ID] = &stored
	if msg.WAMessageID != nil {
		s.dedup[dedupKey{msg.InstanceID, *msg.WAMessageID}] = msg.ID
	}

	lastID := msg.ID
	conv.LastMessageID = &lastID
	conv.UpdatedAt = time.Now()
	if msg.Direction == repo.DirectionIncoming && !msg.IsArchived {
		conv.UnreadIncCount++
	}
	s.Inserted = append(s.Inserted, msg.ID)
	return nil
}

func (s *Store) MessageExists(ctx context.Context, instanceID int64, waMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[dedupKey{instanceID, waMessageID}]
	return ok, nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*repo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("get message %d: %w", id, repo.ErrNotFound)
	}
	cp := copyMessage(m)
	a, ok := s.accounts[m.InstanceID]
	if !ok {
		return nil, fmt.Errorf("get account %d: %w", m.InstanceID, repo.ErrNotFound)
	}
	acc := *a
	cp.Account = &acc
	return &cp, nil
}

func (s *Store) GetMessageByProviderID(ctx context.Context, instanceID int64, waMessageID string) (*repo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dedup[dedupKey{instanceID, waMessageID}]
	if !ok {
		return nil, fmt.Errorf("get message %s: %w", waMessageID, repo.ErrNotFound)
	}
	cp := copyMessage(s.messages[id])
	cp.Files = nil
	return &cp, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id int64, status repo.MessageStatus) error {
	return s.update(id, func(m *repo.Message) { m.Status = status })
}

func (s *Store) UpdateMessageText(ctx context.Context, id int64, text string) error {
	return s.update(id, func(m *repo.Message) { m.Text = text })
}

func (s *Store) SetTelegramMessageID(ctx context.Context, id int64, tgMessageID int64) error {
	return s.update(id, func(m *repo.Message) { m.TGMessageID = &tgMessageID })
}

func (s *Store) AssignProviderID(ctx context.Context, id int64, waMessageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return "", fmt.Errorf("assign provider id: %w", repo.ErrNotFound)
	}
	if m.WAMessageID != nil {
		return *m.WAMessageID, nil
	}
	key := dedupKey{m.InstanceID, waMessageID}
	if _, taken := s.dedup[key]; taken {
		return "", fmt.Errorf("assign provider id: %w: uq_msg_wa", repo.ErrDuplicate)
	}
	m.WAMessageID = &waMessageID
	s.dedup[key] = id
	return waMessageID, nil
}

func (s *Store) HasAutoReplySince(ctx context.Context, instanceID int64, chatID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.InstanceID == instanceID && m.ChatID == chatID && m.IsAuto && !m.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) update(id int64, fn func(*repo.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("update message %d: %w", id, repo.ErrNotFound)
	}
	fn(m)
	return nil
}

func convKey(instanceID int64, chatID string) string {
	return fmt.Sprintf("%d|%s", instanceID, chatID)
}

func copyMessage(m *repo.Message) repo.Message {
	cp := *m
	if m.Files != nil {
		cp.Files = append([]repo.MessageFile(nil), m.Files...)
	}
	return cp
}
