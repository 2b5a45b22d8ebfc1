package repo

import (
	"context"
	"time"
)

// Store defines the persistence operations used by the relay components.
// Repository is the Postgres implementation; repotest provides an in-memory one.
type Store interface {
	// Accounts
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByAPIID(ctx context.Context, apiID int64) (*Account, error)
	SaveAccountSync(ctx context.Context, sync AccountSync) error
	SetAccountState(ctx context.Context, id int64, state AccountState) error
	GetChannel(ctx context.Context, id int64) (*Channel, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	MessageExists(ctx context.Context, instanceID int64, waMessageID string) (bool, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	GetMessageByProviderID(ctx context.Context, instanceID int64, waMessageID string) (*Message, error)
	UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus) error
	UpdateMessageText(ctx context.Context, id int64, text string) error
	AssignProviderID(ctx context.Context, id int64, waMessageID string) (string, error)
	SetTelegramMessageID(ctx context.Context, id int64, tgMessageID int64) error
	HasAutoReplySince(ctx context.Context, instanceID int64, chatID string, since time.Time) (bool, error)
}

var _ Store = (*Repository)(nil)
