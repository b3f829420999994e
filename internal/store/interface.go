package store

import (
	"context"
	"time"
)

// RoleUser marks messages authored by a connected end user. Agent and
// assistant rows are written by the CRUD layer, not the gateway.
const RoleUser = "user"

// Message is one appended chat message row.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// MessageStore is the append-only persistence consumed by the gateway.
// The read path belongs to the CRUD layer and is deliberately absent.
type MessageStore interface {
	Append(ctx context.Context, msg *Message) error
	Close() error
}
