// Package store defines the persistence interface for wagers.
// Implementations include PostgreSQL (durable), Redis (read-through cache),
// and in-memory (the default; state is lost on restart).
package store

import (
	"context"
	"errors"

	"github.com/atmx/wager-engine/internal/model"
)

// ErrNotFound is returned when no wager has the requested id.
var ErrNotFound = errors.New("store: wager not found")

// Store is the wager table. Only the lifecycle engine mutates it.
type Store interface {
	// CreateWager assigns the next id to w and persists it. Ids increase
	// monotonically and are never reused.
	CreateWager(ctx context.Context, w *model.Wager) error

	// GetWager retrieves a wager by id.
	GetWager(ctx context.Context, id int64) (*model.Wager, error)

	// UpdateWager overwrites the mutable fields of an existing wager
	// (votes, status, outcome, tx hashes, updated_at).
	UpdateWager(ctx context.Context, w *model.Wager) error

	// ListWagers returns wagers in id order, filtered by status when
	// status is non-empty.
	ListWagers(ctx context.Context, status model.Status) ([]model.Wager, error)
}
