// Package ingest maps provider message payloads onto canonical messages and
// stores them, downloading media along the way.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"green-relay/internal/greenapi"
	"green-relay/internal/media"
	"green-relay/internal/metrics"
	"green-relay/internal/repo"
)

// ClientSource resolves the provider client of an account.
type ClientSource interface {
	Get(ctx context.Context, apiID int64) (*greenapi.Client, error)
}

// Downloader fetches remote media into local storage.
type Downloader interface {
	Download(ctx context.Context, url, name string) (*media.File, error)
}

// Options control how a payload is stored.
type Options struct {
	Direction repo.Direction
	Archived  bool
	FromApp   bool
}

// Ingester converts and persists provider messages.
type Ingester struct {
	store   repo.Store
	clients ClientSource
	media   Downloader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Ingester.
func New(store repo.Store, clients ClientSource, dl Downloader, logger *slog.Logger, m *metrics.Metrics) *Ingester {
	return &Ingester{
		store:   store,
		clients: clients,
		media:   dl,
		logger:  logger.With("component", "ingest"),
		metrics: m,
	}
}

// ignored lists message types that never become messages.
var ignored = map[string]struct{}{
	"pollUpdateMessage":           {},
	"interactiveButtonsReply":     {},
	"templateButtonsReplyMessage": {},
}

type mediaKind struct {
	msgType  repo.MessageType
	fileType repo.FileType
}

var mediaKinds = map[string]mediaKind{
	"imageMessage":    {repo.TypeFileImage, repo.FileImage},
	"stickerMessage":  {repo.TypeFileImage, repo.FileImage},
	"videoMessage":    {repo.TypeFileVideo, repo.FileVideo},
	"audioMessage":    {repo.TypeFileAudio, repo.FileAudio},
	"documentMessage": {repo.TypeFileDoc, repo.FileOther},
}

// content is the type-specific part of a canonical message.
type content struct {
	Type  repo.MessageType
	Text  string
	Files []repo.MessageFile
}

type converter func(i *Ingester, ctx context.Context, hook *greenapi.Webhook) content

var converters map[string]converter

func init() {
	converters = map[string]converter{
		"textMessage":          convertText,
		"extendedTextMessage":  convertExtendedText,
		"reactionMessage":      convertExtendedText,
		"quotedMessage":        convertExtendedText,
		"locationMessage":      convertLocation,
		"contactMessage":       convertContact,
		"contactsArrayMessage": convertContacts,
		"groupInviteMessage":   convertGroupInvite,
		"pollMessage":          convertPoll,
		"interactiveButtons":   convertButtons,
	}
	for tag := range mediaKinds {
		converters[tag] = (*Ingester).convertMedia
	}
}

func convertText(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	if d := h.MessageData.TextMessageData; d != nil {
		return text(d.TextMessage)
	}
	return text("")
}

func convertExtendedText(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	if d := h.MessageData.ExtendedTextMessageData; d != nil {
		return text(d.Text)
	}
	return text("")
}

func convertLocation(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	return text(renderLocation(h.MessageData.LocationMessageData))
}

func convertContact(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	var d greenapi.ContactMessageData
	if h.MessageData.ContactMessageData != nil {
		d = *h.MessageData.ContactMessageData
	}
	return text(renderContact(d))
}

func convertContacts(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	return text(renderContacts(h.MessageData.ContactsArray))
}

func convertGroupInvite(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	return text(renderGroupInvite(h.MessageData.GroupInviteMessageData))
}

func convertPoll(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	return text(renderPoll(h.MessageData.PollMessageData))
}

func convertButtons(_ *Ingester, _ context.Context, h *greenapi.Webhook) content {
	return text(renderButtons(h.MessageData.InteractiveButtons))
}

func text(s string) content { return content{Type: repo.TypeText, Text: s} }

// Ignored reports whether a message type is skipped.
func Ignored(typeMessage string) bool {
	_, ok := ignored[typeMessage]
	return ok
}

// Build converts hook into an unsaved message for the account row
// instanceID. It returns nil for ignored types. Media is downloaded here.
func (i *Ingester) Build(ctx context.Context, hook *greenapi.Webhook, instanceID int64, opts Options) *repo.Message {
	mtype := hook.MessageData.TypeMessage
	if Ignored(mtype) {
		return nil
	}

	chatID := hook.SenderData.ChatID
	phone, _, _ := strings.Cut(chatID, "@")
	chatName := hook.SenderData.SenderName
	if chatName == "" {
		chatName = phone
	}
	direction := opts.Direction
	if direction == "" {
		direction = repo.DirectionIncoming
	}

	msg := &repo.Message{
		InstanceID:  instanceID,
		WAMessageID: repo.StringPtr(hook.IDMessage),
		ChatID:      chatID,
		ChatName:    chatName,
		FromApp:     opts.FromApp,
		Direction:   direction,
		Type:        repo.TypeNotification,
		Status:      repo.StatusIncoming,
		IsArchived:  opts.Archived,
	}
	if hook.Timestamp > 0 {
		msg.CreatedAt = time.Unix(hook.Timestamp, 0).UTC()
	}

	var c content
	if conv, ok := converters[mtype]; ok {
		c = conv(i, ctx, hook)
	} else {
		c = text(renderUnknown(mtype))
	}
	msg.Type, msg.Text, msg.Files = c.Type, c.Text, c.Files
	return msg
}

// Ingest builds and stores hook. Ignored types and duplicate deliveries
// return a nil message and a nil error.
func (i *Ingester) Ingest(ctx context.Context, hook *greenapi.Webhook, instanceID int64, opts Options) (*repo.Message, error) {
	msg := i.Build(ctx, hook, instanceID, opts)
	if msg == nil {
		i.logger.Debug("message type ignored", "type", hook.MessageData.TypeMessage, "id_message", hook.IDMessage)
		return nil, nil
	}
	if err := i.store.InsertMessage(ctx, msg); err != nil {
		i.discardFiles(msg)
		if errors.Is(err, repo.ErrDuplicate) {
			i.logger.Debug("duplicate delivery skipped", "account_id", instanceID, "id_message", hook.IDMessage)
			return nil, nil
		}
		i.metrics.IncError("ingest_store")
		return nil, err
	}
	if i.metrics != nil {
		i.metrics.IngestedMessages.WithLabelValues(string(msg.Type), string(msg.Direction)).Inc()
	}
	i.logger.Info("message stored",
		"account_id", instanceID,
		"id_message", hook.IDMessage,
		"msg_id", msg.ID,
		"type", msg.Type,
		"direction", msg.Direction)
	return msg, nil
}

// discardFiles removes attachments downloaded for a message that was not
// stored, so no file outlives its row.
func (i *Ingester) discardFiles(msg *repo.Message) {
	for _, f := range msg.Files {
		if f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			i.logger.Warn("remove orphaned attachment failed", "path", f.Path, "error", err)
		}
	}
}

// convertMedia downloads the attachment of a media message. A failed
// download degrades the message to a text placeholder.
func (i *Ingester) convertMedia(ctx context.Context, hook *greenapi.Webhook) content {
	kind := mediaKinds[hook.MessageData.TypeMessage]
	fm := hook.MessageData.FileMessageData
	if fm == nil {
		fm = &greenapi.FileMessageData{}
	}
	name := fileName(fm, hook.IDMessage)
	log := i.logger.With("api_id", hook.InstanceData.IDInstance, "id_message", hook.IDMessage)

	dlURL := fm.DownloadURL
	if dlURL == "" && i.clients != nil {
		cli, err := i.clients.Get(ctx, hook.InstanceData.IDInstance)
		if err != nil {
			log.Warn("no client to resolve download url", "error", err)
		} else if dlURL, err = cli.DownloadFile(ctx, hook.SenderData.ChatID, hook.IDMessage); err != nil {
			log.Warn("resolve download url failed", "error", err)
		}
	}

	f, err := i.media.Download(ctx, dlURL, name)
	if err != nil {
		log.Warn("attachment unavailable, storing placeholder", "name", name, "error", err)
		return text(renderDownloadFailure(fm))
	}

	mime := fm.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return content{
		Type: kind.msgType,
		Text: fm.Caption,
		Files: []repo.MessageFile{{
			FileType: kind.fileType,
			Name:     name,
			MIME:     mime,
			Size:     f.Size,
			Path:     f.Path,
			URL:      f.URL,
		}},
	}
}
