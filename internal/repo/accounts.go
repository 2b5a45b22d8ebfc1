package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, api_id, api_url, media_url, api_token, name, state, phone, photo_url,
auto_reply, auto_reply_text, telegram_channel_id, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var state string
	if err := row.Scan(&a.ID, &a.APIID, &a.APIURL, &a.MediaURL, &a.APIToken, &a.Name, &state, &a.Phone, &a.PhotoURL,
		&a.AutoReply, &a.AutoReplyText, &a.TelegramChannelID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.State = AccountState(state)
	return &a, nil
}

// ListAccounts returns every account row.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// GetAccount loads an account by its row id.
func (r *Repository) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM instances WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, mapErr(err))
	}
	return a, nil
}

// GetAccountByAPIID loads an account by its provider id.
func (r *Repository) GetAccountByAPIID(ctx context.Context, apiID int64) (*Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM instances WHERE api_id = $1`, apiID))
	if err != nil {
		return nil, fmt.Errorf("get account by api id %d: %w", apiID, mapErr(err))
	}
	return a, nil
}

// SaveAccountSync persists the result of a state sync in one transaction.
func (r *Repository) SaveAccountSync(ctx context.Context, sync AccountSync) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
UPDATE instances
SET state = $2, phone = $3, photo_url = $4, updated_at = NOW()
WHERE id = $1;
`
		ct, err := tx.Exec(ctx, q, sync.ID, string(sync.State), sync.Phone, sync.PhotoURL)
		if err != nil {
			return fmt.Errorf("save account sync: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("save account sync %d: %w", sync.ID, ErrNotFound)
		}
		return nil
	})
}

// SetAccountState updates only the lifecycle state.
func (r *Repository) SetAccountState(ctx context.Context, id int64, state AccountState) error {
	ct, err := r.pool.Exec(ctx, `UPDATE instances SET state = $2, updated_at = NOW() WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("set account state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set account state %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetChannel loads a Telegram channel row.
func (r *Repository) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var c Channel
	err := r.pool.QueryRow(ctx, `SELECT id, telegram_id, name, is_active FROM tg_channels WHERE id = $1`, id).
		Scan(&c.ID, &c.TelegramID, &c.Name, &c.IsActive)
	if err != nil {
		return nil, fmt.Errorf("get channel %d: %w", id, mapErr(err))
	}
	return &c, nil
}
