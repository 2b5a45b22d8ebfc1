package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, instance_id, conversation_id, wa_message_id, tg_message_id, chat_id, chat_name,
from_app, direction, message_type, status, COALESCE(text, ''), is_seen, is_archived, is_auto, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var direction, mtype, status string
	if err := row.Scan(&m.ID, &m.InstanceID, &m.ConversationID, &m.WAMessageID, &m.TGMessageID, &m.ChatID, &m.ChatName,
		&m.FromApp, &direction, &mtype, &status, &m.Text, &m.IsSeen, &m.IsArchived, &m.IsAuto, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Type = MessageType(mtype)
	m.Status = MessageStatus(status)
	return &m, nil
}

// InsertMessage stores msg with its files and updates the conversation
// aggregate atomically. The conversation is created on first use. A clash on
// (instance_id, wa_message_id) yields ErrDuplicate.
func (r *Repository) InsertMessage(ctx context.Context, msg *Message) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if msg.ConversationID == nil {
			convID, err := upsertConversation(ctx, tx, msg.InstanceID, msg.ChatID)
			if err != nil {
				return err
			}
			msg.ConversationID = &convID
		}

		var createdAt *time.Time
		if !msg.CreatedAt.IsZero() {
			createdAt = &msg.CreatedAt
		}
		const q = `
INSERT INTO messages (instance_id, conversation_id, wa_message_id, tg_message_id, chat_id, chat_name, from_app,
    direction, message_type, status, text, is_seen, is_archived, is_auto, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, NOW()))
RETURNING id, created_at;
`
		if err := tx.QueryRow(ctx, q,
			msg.InstanceID,
			msg.ConversationID,
			msg.WAMessageID,
			msg.TGMessageID,
			msg.ChatID,
			msg.ChatName,
			msg.FromApp,
			string(msg.Direction),
			string(msg.Type),
			string(msg.Status),
			msg.Text,
			msg.IsSeen,
			msg.IsArchived,
			msg.IsAuto,
			createdAt,
		).Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", mapErr(err))
		}

		for i := range msg.Files {
			f := &msg.Files[i]
			f.MessageID = msg.ID
			const fq = `
INSERT INTO message_files (message_id, file_type, name, mime, size, file_path, file_url)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id;
`
			if err := tx.QueryRow(ctx, fq, f.MessageID, string(f.FileType), f.Name, f.MIME, f.Size, f.Path, f.URL).Scan(&f.ID); err != nil {
				return fmt.Errorf("insert message file: %w", err)
			}
		}

		unread := msg.Direction == DirectionIncoming && !msg.IsArchived
		const cq = `
UPDATE conversations
SET last_message_id = $2,
    updated_at = NOW(),
    unread_inc_count = unread_inc_count + CASE WHEN $3 THEN 1 ELSE 0 END
WHERE id = $1;
`
		if _, err := tx.Exec(ctx, cq, *msg.ConversationID, msg.ID, unread); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		msg.ID = 0
		return err
	}
	return nil
}

func upsertConversation(ctx context.Context, tx pgx.Tx, instanceID int64, chatID string) (int64, error) {
	phone, server, _ := strings.Cut(chatID, "@")
	const q = `
INSERT INTO conversations (instance_id, chat_id, phone, title, is_group)
VALUES ($1, $2, $3, $3, $4)
ON CONFLICT (instance_id, chat_id) DO UPDATE SET chat_id = EXCLUDED.chat_id
RETURNING id;
`
	var id int64
	if err := tx.QueryRow(ctx, q, instanceID, chatID, phone, server == "g.us").Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert conversation: %w", err)
	}
	return id, nil
}

// MessageExists reports whether a message with the provider id is stored.
func (r *Repository) MessageExists(ctx context.Context, instanceID int64, waMessageID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM messages WHERE instance_id = $1 AND wa_message_id = $2)`
	if err := r.pool.QueryRow(ctx, q, instanceID, waMessageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return exists, nil
}

// GetMessage loads a message with its files and owning account.
func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, mapErr(err))
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, message_id, file_type, name, mime, COALESCE(size, 0), file_path, file_url
FROM message_files WHERE message_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list message files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f MessageFile
		var ftype string
		if err := rows.Scan(&f.ID, &f.MessageID, &ftype, &f.Name, &f.MIME, &f.Size, &f.Path, &f.URL); err != nil {
			return nil, fmt.Errorf("scan message file: %w", err)
		}
		f.FileType = FileType(ftype)
		m.Files = append(m.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message files: %w", err)
	}

	acc, err := r.GetAccount(ctx, m.InstanceID)
	if err != nil {
		return nil, err
	}
	m.Account = acc
	return m, nil
}

// GetMessageByProviderID loads a message by its dedup key without relations.
func (r *Repository) GetMessageByProviderID(ctx context.Context, instanceID int64, waMessageID string) (*Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE instance_id = $1 AND wa_message_id = $2`, instanceID, waMessageID))
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", waMessageID, mapErr(err))
	}
	return m, nil
}

// UpdateMessageStatus sets the delivery status.
func (r *Repository) UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus) error {
	return r.execOne(ctx, "update message status", `UPDATE messages SET status = $2 WHERE id = $1`, id, string(status))
}

// UpdateMessageText replaces the message text.
func (r *Repository) UpdateMessageText(ctx context.Context, id int64, text string) error {
	return r.execOne(ctx, "update message text", `UPDATE messages SET text = $2 WHERE id = $1`, id, text)
}

// SetTelegramMessageID links the message to its Telegram copy.
func (r *Repository) SetTelegramMessageID(ctx context.Context, id int64, tgMessageID int64) error {
	return r.execOne(ctx, "set telegram message id", `UPDATE messages SET tg_message_id = $2 WHERE id = $1`, id, tgMessageID)
}

// AssignProviderID sets wa_message_id when it is still empty and returns the
// id stored afterwards. An id set earlier is never overwritten.
func (r *Repository) AssignProviderID(ctx context.Context, id int64, waMessageID string) (string, error) {
	var stored string
	err := r.pool.QueryRow(ctx,
		`UPDATE messages SET wa_message_id = $2 WHERE id = $1 AND wa_message_id IS NULL RETURNING wa_message_id`,
		id, waMessageID).Scan(&stored)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("assign provider id: %w", mapErr(err))
	}

	var current *string
	if err := r.pool.QueryRow(ctx, `SELECT wa_message_id FROM messages WHERE id = $1`, id).Scan(&current); err != nil {
		return "", fmt.Errorf("assign provider id: %w", mapErr(err))
	}
	if current == nil {
		return "", nil
	}
	return *current, nil
}

// HasAutoReplySince reports whether an automatic reply was stored for the chat
// at or after since.
func (r *Repository) HasAutoReplySince(ctx context.Context, instanceID int64, chatID string, since time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM messages
    WHERE instance_id = $1 AND chat_id = $2 AND is_auto AND created_at >= $3
)`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, instanceID, chatID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("check auto reply: %w", err)
	}
	return exists, nil
}

func (r *Repository) execOne(ctx context.Context, op, q string, args ...any) error {
	ct, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
