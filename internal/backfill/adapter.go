package backfill

import (
	"strings"

	"green-relay/internal/greenapi"
)

// ToWebhook rewrites a chat history entry into the webhook shape consumed by
// ingestion. The webhook type is derived from the entry direction and the
// sent-by-API flag.
func ToWebhook(e greenapi.HistoryEntry, apiID int64) *greenapi.Webhook {
	kind := greenapi.TypeIncomingMessage
	if e.Type != "incoming" {
		kind = greenapi.TypeOutgoingMessage
		if e.SendByAPI {
			kind = greenapi.TypeOutgoingAPIMessage
		}
	}

	sender := e.SenderID
	if sender == "" {
		sender = e.ChatID
	}
	hook := &greenapi.Webhook{
		TypeWebhook:  kind,
		IDMessage:    e.IDMessage,
		Timestamp:    e.Timestamp,
		Status:       e.StatusMessage,
		InstanceData: greenapi.InstanceData{IDInstance: apiID},
		SenderData: greenapi.SenderData{
			ChatID:            e.ChatID,
			Sender:            sender,
			ChatName:          e.SenderName,
			SenderName:        e.SenderName,
			SenderContactName: e.SenderContactName,
		},
	}

	md := greenapi.MessageData{TypeMessage: e.TypeMessage}
	switch e.TypeMessage {
	case "textMessage":
		md.TextMessageData = &greenapi.TextMessageData{TextMessage: e.TextMessage}
	case "extendedTextMessage":
		text := e.TextMessage
		if text == "" && e.ExtendedTextMessage != nil {
			text = e.ExtendedTextMessage.Text
		}
		md.ExtendedTextMessageData = &greenapi.ExtendedTextMessageData{Text: text}
	case "reactionMessage":
		md.ExtendedTextMessageData = e.ExtendedTextMessageData
		md.QuotedMessage = e.QuotedMessage
	case "quotedMessage":
		md.ExtendedTextMessageData = e.ExtendedTextMessage
		md.QuotedMessage = e.QuotedMessage
	case "locationMessage":
		md.LocationMessageData = e.Location
	case "contactMessage":
		md.ContactMessageData = e.Contact
	case "contactsArrayMessage":
		md.ContactsArray = &greenapi.ContactsArrayData{Contacts: e.Contacts}
	case "groupInviteMessage":
		md.GroupInviteMessageData = e.GroupInviteMessageData
	case "pollMessage", "pollUpdateMessage":
		md.PollMessageData = e.PollMessageData
	case "interactiveButtons":
		md.InteractiveButtons = e.InteractiveButtons
	default:
		if isFile(e.TypeMessage) {
			md.FileMessageData = &greenapi.FileMessageData{
				DownloadURL:   e.DownloadURL,
				Caption:       e.Caption,
				FileName:      e.FileName,
				JPEGThumbnail: e.JPEGThumbnail,
				MIMEType:      e.MIMEType,
				IsAnimated:    e.IsAnimated,
			}
		}
	}
	hook.MessageData = md
	return hook
}

func isFile(typeMessage string) bool {
	switch typeMessage {
	case "imageMessage", "videoMessage", "audioMessage", "documentMessage", "stickerMessage":
		return true
	}
	return false
}

func chatPhone(chatID string) string {
	phone, _, _ := strings.Cut(chatID, "@")
	return phone
}
