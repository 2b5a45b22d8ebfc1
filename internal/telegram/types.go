package telegram

import "fmt"

// Message is the subset of a Bot API message the relay reads back.
type Message struct {
	MessageID int64 `json:"message_id"`
	Chat      Chat  `json:"chat"`
	Date      int64 `json:"date"`
}

// Chat identifies the chat of a message.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// APIResponse is the generic wrapper returned by the Bot API.
type APIResponse[T any] struct {
	OK          bool                `json:"ok"`
	Result      T                   `json:"result"`
	Description string              `json:"description,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

// ResponseParameters explains why a request was unsuccessful.
type ResponseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// APIError is an error reported by the Bot API.
type APIError struct {
	Code        int    `json:"error_code"`
	Description string `json:"description"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: %d %s (retry after %ds)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// SendMessageRequest is the body of sendMessage.
type SendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`

	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// InlineKeyboardMarkup attaches buttons to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is a URL button.
type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// MediaKind selects the Bot API upload method of a file.
type MediaKind string

const (
	KindDocument MediaKind = ""
	KindPhoto    MediaKind = "photo"
	KindVideo    MediaKind = "video"
	KindAudio    MediaKind = "audio"
)

// Document is an uploaded file. Kind picks sendPhoto, sendVideo or
// sendAudio instead of sendDocument.
type Document struct {
	ChatID    int64
	Kind      MediaKind
	FileName  string
	Content   []byte
	Caption   string
	ParseMode string

	ReplyMarkup *InlineKeyboardMarkup
}

// ReactionType is one reaction of setMessageReaction.
type ReactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

type setReactionRequest struct {
	ChatID    int64          `json:"chat_id"`
	MessageID int64          `json:"message_id"`
	Reaction  []ReactionType `json:"reaction"`
}
