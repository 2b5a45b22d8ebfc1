package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Account change actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// AccountChange is the instance_change envelope. APIID is set on delete only.
type AccountChange struct {
	Action string `json:"action"`
	ID     int64  `json:"id"`
	APIID  int64  `json:"api_id,omitempty"`
}

// QueueItem is the msg_in / msg_out envelope.
type QueueItem struct {
	MsgID int64 `json:"msg_id"`
}

// AccountHandler reacts to account row changes.
type AccountHandler interface {
	Refresh(ctx context.Context, rowID int64) error
	Drop(ctx context.Context, apiID int64)
}

// AccountRoute maps insert/update to Refresh and delete to Drop.
func AccountRoute(h AccountHandler) Route {
	return func(payload []byte) (Task, error) {
		var ev AccountChange
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode account change: %w", err)
		}
		switch ev.Action {
		case ActionInsert, ActionUpdate:
			if ev.ID <= 0 {
				return nil, errors.New("account change without id")
			}
			return func(ctx context.Context) error { return h.Refresh(ctx, ev.ID) }, nil
		case ActionDelete:
			if ev.APIID <= 0 {
				return nil, errors.New("account delete without api_id")
			}
			return func(ctx context.Context) error {
				h.Drop(ctx, ev.APIID)
				return nil
			}, nil
		default:
			return nil, fmt.Errorf("unknown account action %q", ev.Action)
		}
	}
}

// QueueRoute hands the message id of a queue envelope to fn.
func QueueRoute(fn func(ctx context.Context, msgID int64) error) Route {
	return func(payload []byte) (Task, error) {
		var item QueueItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("decode queue item: %w", err)
		}
		if item.MsgID <= 0 {
			return nil, errors.New("queue item without msg_id")
		}
		return func(ctx context.Context) error { return fn(ctx, item.MsgID) }, nil
	}
}
