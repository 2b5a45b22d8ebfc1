package greenapi

import "encoding/json"

// Webhook type tags delivered in Webhook.TypeWebhook.
const (
	TypeIncomingMessage    = "incomingMessageReceived"
	TypeOutgoingMessage    = "outgoingMessageReceived"
	TypeOutgoingAPIMessage = "outgoingAPIMessageReceived"
	TypeOutgoingStatus     = "outgoingMessageStatus"
	TypeStateChanged       = "stateInstanceChanged"
	TypeIncomingCall       = "incomingCall"
)

// Instance states reported by getStateInstance and stateInstanceChanged.
const (
	StateAuthorized    = "authorized"
	StateNotAuthorized = "notAuthorized"
	StateBlocked       = "blocked"
	StateStarting      = "starting"
	StateYellowCard    = "yellowCard"
)

// Webhook is the body of a provider webhook POST. Fields are populated
// depending on TypeWebhook.
type Webhook struct {
	TypeWebhook   string       `json:"typeWebhook"`
	IDMessage     string       `json:"idMessage,omitempty"`
	Timestamp     int64        `json:"timestamp"`
	InstanceData  InstanceData `json:"instanceData"`
	SenderData    SenderData   `json:"senderData"`
	MessageData   MessageData  `json:"messageData"`
	Status        string       `json:"status,omitempty"`
	Description   string       `json:"description,omitempty"`
	StateInstance string       `json:"stateInstance,omitempty"`
	From          string       `json:"from,omitempty"`
	SendByAPI     bool         `json:"sendByApi,omitempty"`
}

// InstanceData identifies the account a webhook belongs to.
type InstanceData struct {
	IDInstance   int64  `json:"idInstance"`
	Wid          string `json:"wid,omitempty"`
	TypeInstance string `json:"typeInstance,omitempty"`
}

// SenderData describes the chat and sender of a message webhook.
type SenderData struct {
	ChatID            string `json:"chatId"`
	Sender            string `json:"sender,omitempty"`
	ChatName          string `json:"chatName,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	SenderContactName string `json:"senderContactName,omitempty"`
}

// MessageData carries the type tag and the type-specific section.
type MessageData struct {
	TypeMessage             string                   `json:"typeMessage"`
	TextMessageData         *TextMessageData         `json:"textMessageData,omitempty"`
	ExtendedTextMessageData *ExtendedTextMessageData `json:"extendedTextMessageData,omitempty"`
	QuotedMessage           json.RawMessage          `json:"quotedMessage,omitempty"`
	FileMessageData         *FileMessageData         `json:"fileMessageData,omitempty"`
	LocationMessageData     *LocationMessageData     `json:"locationMessageData,omitempty"`
	ContactMessageData      *ContactMessageData      `json:"contactMessageData,omitempty"`
	ContactsArray           *ContactsArrayData       `json:"messageData,omitempty"`
	GroupInviteMessageData  *GroupInviteMessageData  `json:"groupInviteMessageData,omitempty"`
	PollMessageData         *PollMessageData         `json:"pollMessageData,omitempty"`
	InteractiveButtons      *InteractiveButtons      `json:"interactiveButtons,omitempty"`
}

// TextMessageData is the body of a textMessage.
type TextMessageData struct {
	TextMessage string `json:"textMessage"`
}

// ExtendedTextMessageData is the body of an extendedTextMessage or a quoted reply.
type ExtendedTextMessageData struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	Title       string `json:"title,omitempty"`
	StanzaID    string `json:"stanzaId,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// FileMessageData describes the attachment of an image, video, audio, document or sticker message.
type FileMessageData struct {
	DownloadURL   string `json:"downloadUrl,omitempty"`
	Caption       string `json:"caption,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	JPEGThumbnail string `json:"jpegThumbnail,omitempty"`
	MIMEType      string `json:"mimeType,omitempty"`
	IsAnimated    bool   `json:"isAnimated,omitempty"`
}

// LocationMessageData is a shared location.
type LocationMessageData struct {
	NameLocation string   `json:"nameLocation,omitempty"`
	Address      string   `json:"address,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

// ContactMessageData is a single shared contact card.
type ContactMessageData struct {
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard"`
}

// ContactsArrayData holds the cards of a contactsArrayMessage.
type ContactsArrayData struct {
	Contacts []ContactMessageData `json:"contacts"`
}

// GroupInviteMessageData is an invitation to a group chat.
type GroupInviteMessageData struct {
	GroupJid   string `json:"groupJid"`
	InviterJid string `json:"inviterJid,omitempty"`
	GroupName  string `json:"groupName"`
	Caption    string `json:"caption,omitempty"`
}

// PollMessageData is a poll with its options.
type PollMessageData struct {
	Name            string       `json:"name"`
	Options         []PollOption `json:"options"`
	MultipleAnswers bool         `json:"multipleAnswers,omitempty"`
}

// PollOption is one answer of a poll.
type PollOption struct {
	OptionName string `json:"optionName"`
}

// InteractiveButtons is a message with reply buttons.
type InteractiveButtons struct {
	TitleText   string              `json:"titleText,omitempty"`
	ContentText string              `json:"contentText"`
	FooterText  string              `json:"footerText,omitempty"`
	Buttons     []InteractiveButton `json:"buttons"`
}

// InteractiveButton is one button of InteractiveButtons.
type InteractiveButton struct {
	ButtonType string `json:"buttonType,omitempty"`
	ButtonID   string `json:"buttonId,omitempty"`
	ButtonText string `json:"buttonText"`
}

// HistoryEntry is one record of getChatHistory, lastIncomingMessages or
// lastOutgoingMessages. Its content sections are flattened compared to Webhook.
type HistoryEntry struct {
	Type                    string                   `json:"type"`
	IDMessage               string                   `json:"idMessage"`
	Timestamp               int64                    `json:"timestamp"`
	TypeMessage             string                   `json:"typeMessage"`
	ChatID                  string                   `json:"chatId"`
	SenderID                string                   `json:"senderId,omitempty"`
	SenderName              string                   `json:"senderName,omitempty"`
	SenderContactName       string                   `json:"senderContactName,omitempty"`
	SendByAPI               bool                     `json:"sendByApi,omitempty"`
	StatusMessage           string                   `json:"statusMessage,omitempty"`
	TextMessage             string                   `json:"textMessage,omitempty"`
	ExtendedTextMessage     *ExtendedTextMessageData `json:"extendedTextMessage,omitempty"`
	ExtendedTextMessageData *ExtendedTextMessageData `json:"extendedTextMessageData,omitempty"`
	QuotedMessage           json.RawMessage          `json:"quotedMessage,omitempty"`
	DownloadURL             string                   `json:"downloadUrl,omitempty"`
	Caption                 string                   `json:"caption,omitempty"`
	FileName                string                   `json:"fileName,omitempty"`
	JPEGThumbnail           string                   `json:"jpegThumbnail,omitempty"`
	MIMEType                string                   `json:"mimeType,omitempty"`
	IsAnimated              bool                     `json:"isAnimated,omitempty"`
	Location                *LocationMessageData     `json:"location,omitempty"`
	Contact                 *ContactMessageData      `json:"contact,omitempty"`
	Contacts                []ContactMessageData     `json:"contacts,omitempty"`
	GroupInviteMessageData  *GroupInviteMessageData  `json:"groupInviteMessageData,omitempty"`
	PollMessageData         *PollMessageData         `json:"pollMessageData,omitempty"`
	InteractiveButtons      *InteractiveButtons      `json:"interactiveButtons,omitempty"`
}

// WebhookSettings is the subset of account settings the registry enforces.
type WebhookSettings struct {
	WebhookURL                        string `json:"webhookUrl"`
	IncomingWebhook                   string `json:"incomingWebhook"`
	OutgoingWebhook                   string `json:"outgoingWebhook"`
	OutgoingMessageWebhook            string `json:"outgoingMessageWebhook"`
	OutgoingAPIMessageWebhook         string `json:"outgoingAPIMessageWebhook"`
	StateWebhook                      string `json:"stateWebhook"`
	IncomingCallWebhook               string `json:"incomingCallWebhook"`
	MarkIncomingMessagesReadedOnReply string `json:"markIncomingMessagesReadedOnReply"`
}

// Settings is the getSettings response.
type Settings struct {
	Wid string `json:"wid"`
	WebhookSettings
	DelaySendMessagesMilliseconds int `json:"delaySendMessagesMilliseconds,omitempty"`
}

// SendResult is returned by sendMessage and sendFileByUpload.
type SendResult struct {
	IDMessage string `json:"idMessage"`
	URLFile   string `json:"urlFile,omitempty"`
}

// FileUpload describes one sendFileByUpload call.
type FileUpload struct {
	ChatID   string
	FileName string
	MIME     string
	Caption  string
	Content  []byte
}

// QR result statuses.
const (
	QRStatusCode          = "qr"
	QRStatusAlreadyLogged = "already_logged"
	QRStatusTimeout       = "timeout"
	QRStatusError         = "error"
)

// QRResult is the normalised answer of GetQR.
type QRResult struct {
	Status  string `json:"status"`
	Image   string `json:"image,omitempty"`
	Message string `json:"message,omitempty"`
}
