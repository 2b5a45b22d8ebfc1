package repo

import (
	"strings"
	"time"
)

// AccountState is the lifecycle state of a provider account.
type AccountState string

const (
	StateUnknown       AccountState = "unknown"
	StateAuthorized    AccountState = "authorized"
	StateNotAuthorized AccountState = "notAuthorized"
	StateBlocked       AccountState = "blocked"
	StateStarting      AccountState = "starting"
	StateYellowCard    AccountState = "yellowCard"
)

// ParseAccountState maps a provider state string onto AccountState.
func ParseAccountState(s string) (AccountState, bool) {
	switch st := AccountState(s); st {
	case StateUnknown, StateAuthorized, StateNotAuthorized, StateBlocked, StateStarting, StateYellowCard:
		return st, true
	}
	return "", false
}

// Direction tells where a message came from.
type Direction string

const (
	DirectionIncoming Direction = "inc"
	DirectionOutgoing Direction = "out"
	DirectionSystem   Direction = "sys"
)

// MessageType classifies the canonical message content.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeFileImage    MessageType = "file_image"
	TypeFileVideo    MessageType = "file_video"
	TypeFileAudio    MessageType = "file_audio"
	TypeFileDoc      MessageType = "file_doc"
	TypeNotification MessageType = "notification"
	TypeCall         MessageType = "call"
	TypeLocation     MessageType = "location"
	TypeContact      MessageType = "contact"
)

// IsFile reports whether the type carries attachments.
func (t MessageType) IsFile() bool {
	return strings.HasPrefix(string(t), "file_")
}

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusPending       MessageStatus = "pending"
	StatusSent          MessageStatus = "sent"
	StatusAPIError      MessageStatus = "api_error"
	StatusInternalError MessageStatus = "internal_error"
	StatusDelivered     MessageStatus = "delivered"
	StatusRead          MessageStatus = "read"
	StatusIncoming      MessageStatus = "inc"
)

// FileType classifies a stored attachment.
type FileType string

const (
	FileImage FileType = "image"
	FileVideo FileType = "video"
	FileAudio FileType = "audio"
	FileOther FileType = "other"
)

// Channel is a Telegram channel linked to one or more accounts.
type Channel struct {
	ID         int64
	TelegramID int64
	Name       *string
	IsActive   bool
}

// Account represents an instances row.
type Account struct {
	ID                int64
	APIID             int64
	APIURL            string
	MediaURL          string
	APIToken          string
	Name              *string
	State             AccountState
	Phone             *string
	PhotoURL          *string
	AutoReply         bool
	AutoReplyText     *string
	TelegramChannelID int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AccountSync carries the fields a state sync may change.
type AccountSync struct {
	ID       int64
	State    AccountState
	Phone    *string
	PhotoURL *string
}

// Conversation is the per-chat aggregate of an account.
type Conversation struct {
	ID             int64
	InstanceID     int64
	ChatID         string
	Phone          *string
	Title          *string
	IsGroup        bool
	UnreadIncCount int
	LastMessageID  *int64
	UpdatedAt      time.Time
}

// Message is the canonical representation of a chat event.
type Message struct {
	ID             int64
	InstanceID     int64
	ConversationID *int64
	WAMessageID    *string
	TGMessageID    *int64
	ChatID         string
	ChatName       string
	FromApp        bool
	Direction      Direction
	Type           MessageType
	Status         MessageStatus
	Text           string
	IsSeen         bool
	IsArchived     bool
	IsAuto         bool
	CreatedAt      time.Time

	Files   []MessageFile
	Account *Account
}

// ProviderID returns the provider message id or "".
func (m *Message) ProviderID() string {
	if m.WAMessageID == nil {
		return ""
	}
	return *m.WAMessageID
}

// Phone returns the phone part of the chat id.
func (m *Message) Phone() string {
	phone, _, _ := strings.Cut(m.ChatID, "@")
	return phone
}

// MessageFile is an attachment stored under the media root.
type MessageFile struct {
	ID        int64
	MessageID int64
	FileType  FileType
	Name      string
	MIME      string
	Size      int64
	Path      string
	URL       string
}

// ErrorPrefix opens every send-failure notice.
const ErrorPrefix = "❗️ Не удалось отправить сообщение: "

// SystemNotice builds a system message attached to the chat of orig.
func SystemNotice(orig *Message, reason string) *Message {
	return &Message{
		InstanceID:     orig.InstanceID,
		ConversationID: orig.ConversationID,
		ChatID:         orig.ChatID,
		ChatName:       orig.ChatName,
		FromApp:        true,
		Direction:      DirectionSystem,
		Type:           TypeNotification,
		Status:         StatusIncoming,
		Text:           ErrorPrefix + "\n```" + reason + "```",
	}
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
