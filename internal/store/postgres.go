package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// Schema creates the wagers table. Stakes are NUMERIC for exact decimal
// precision; votes are a JSONB participant -> side object.
const Schema = `
CREATE TABLE IF NOT EXISTS wagers (
    id              BIGSERIAL PRIMARY KEY,
    conversation_id TEXT        NOT NULL,
    proposer        TEXT        NOT NULL,
    prompt          TEXT        NOT NULL,
    stake           NUMERIC     NOT NULL CHECK (stake > 0),
    created_at      TIMESTAMPTZ NOT NULL,
    scheduled_for   TIMESTAMPTZ,
    votes           JSONB       NOT NULL DEFAULT '{}'::JSONB,
    status          TEXT        NOT NULL,
    outcome         TEXT        NOT NULL DEFAULT '',
    escrow_tx       TEXT        NOT NULL DEFAULT '',
    distribute_tx   TEXT        NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS wagers_status_idx ON wagers (status);
`

// PostgresStore implements Store on PostgreSQL. BIGSERIAL provides the
// monotonic id sequence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate wagers: %w", err)
	}
	return nil
}

const wagerColumns = `id, conversation_id, proposer, prompt, stake::TEXT, created_at,
        scheduled_for, votes::TEXT, status, outcome, escrow_tx, distribute_tx, updated_at`

func (s *PostgresStore) CreateWager(ctx context.Context, w *model.Wager) error {
	votes, err := encodeVotes(w.Votes)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO wagers (conversation_id, proposer, prompt, stake, created_at, scheduled_for,
		                     votes, status, outcome, escrow_tx, distribute_tx, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::JSONB, $8, $9, $10, $11, $12)
		 RETURNING id`,
		w.ConversationID, w.Proposer, w.Prompt, w.Stake.String(), w.CreatedAt, w.ScheduledFor,
		votes, w.Status, w.Outcome, w.EscrowTx, w.DistributeTx, w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("create wager: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWager(ctx context.Context, id int64) (*model.Wager, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE id = $1`, id)
	w, err := scanWager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get wager %d: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) UpdateWager(ctx context.Context, w *model.Wager) error {
	votes, err := encodeVotes(w.Votes)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE wagers
		    SET scheduled_for = $2, votes = $3::JSONB, status = $4, outcome = $5,
		        escrow_tx = $6, distribute_tx = $7, updated_at = $8
		  WHERE id = $1`,
		w.ID, w.ScheduledFor, votes, w.Status, w.Outcome, w.EscrowTx, w.DistributeTx, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update wager %d: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, w.ID)
	}
	return nil
}

func (s *PostgresStore) ListWagers(ctx context.Context, status model.Status) ([]model.Wager, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+wagerColumns+` FROM wagers ORDER BY id`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE status = $1 ORDER BY id`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list wagers: %w", err)
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, *w)
	}
	return wagers, rows.Err()
}

func scanWager(row pgx.Row) (*model.Wager, error) {
	var (
		w            model.Wager
		stake, votes string
		scheduledFor *time.Time
	)
	if err := row.Scan(&w.ID, &w.ConversationID, &w.Proposer, &w.Prompt, &stake, &w.CreatedAt,
		&scheduledFor, &votes, &w.Status, &w.Outcome, &w.EscrowTx, &w.DistributeTx, &w.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if w.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, fmt.Errorf("wager %d: bad stake %q: %w", w.ID, stake, err)
	}
	if err := json.Unmarshal([]byte(votes), &w.Votes); err != nil {
		return nil, fmt.Errorf("wager %d: bad votes: %w", w.ID, err)
	}
	if w.Votes == nil {
		w.Votes = make(map[string]model.Side)
	}
	w.ScheduledFor = scheduledFor
	return &w, nil
}

func encodeVotes(votes map[string]model.Side) (string, error) {
	if votes == nil {
		return "{}", nil
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return "", fmt.Errorf("encode votes: %w", err)
	}
	return string(data), nil
}
