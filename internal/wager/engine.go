// Package wager is the lifecycle engine: it creates wagers from chat
// proposals, records votes, escrows stakes on finalize and settles them on
// resolve.
//
// State machine:
//
//	pending --finalize--> placed --resolve--> resolved
//	pending --resolve-----------------------> resolved   (never escrowed)
//
// Every mutation of an existing wager runs under that wager's lock, so
// commands on one wager apply in arrival order while different wagers
// proceed independently.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/atmx/wager-engine/internal/command"
	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/lock"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/quorum"
	"github.com/atmx/wager-engine/internal/settlement"
	"github.com/atmx/wager-engine/internal/store"
)

// Oracle answers questions about the real-world event behind a wager.
type Oracle interface {
	ExtractDate(ctx context.Context, description string, ref time.Time) (time.Time, error)
	ValidateEventExists(ctx context.Context, description string, games []model.GameSummary) (bool, error)
	Adjudicate(ctx context.Context, description string, games []model.GameSummary) (model.Verdict, error)
}

// Schedule returns the games on a calendar day.
type Schedule interface {
	FetchSchedule(ctx context.Context, date time.Time) ([]model.GameSummary, error)
}

// Deps are the engine's collaborators. Store, Oracle and Schedule are
// required; the rest default to no-ops or in-process implementations.
type Deps struct {
	Store      store.Store
	Oracle     Oracle
	Schedule   Schedule
	Settlement settlement.Connector
	Locker     lock.Locker
	Events     events.Sink
}

// Config tunes timeouts and the quorum rule.
type Config struct {
	OracleTimeout     time.Duration
	SettlementTimeout time.Duration
	Quorum            quorum.Policy
}

// Engine drives wagers through their lifecycle.
type Engine struct {
	store    store.Store
	oracle   Oracle
	schedule Schedule
	settle   settlement.Connector
	locker   lock.Locker
	events   events.Sink
	cfg      Config
	now      func() time.Time

	// confirmed holds ledger txs that succeeded on-chain but whose wager
	// update was not persisted. A retry of the same operation reuses the
	// entry instead of calling the ledger again.
	confirmedMu sync.Mutex
	confirmed   map[string]confirmedTx
}

type confirmedTx struct {
	tx      string
	outcome model.Outcome
}

const (
	opEscrow     = "escrow"
	opDistribute = "distribute"
)

// NewEngine creates an engine. Zero timeouts fall back to 45s for oracle
// calls and 2m for settlement.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Settlement == nil {
		deps.Settlement = settlement.NopConnector{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyedMutex()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 45 * time.Second
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 2 * time.Minute
	}
	if cfg.Quorum == "" {
		cfg.Quorum = quorum.PolicyManual
	}
	return &Engine{
		store:     deps.Store,
		oracle:    deps.Oracle,
		schedule:  deps.Schedule,
		settle:    deps.Settlement,
		locker:    deps.Locker,
		events:    deps.Events,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		confirmed: make(map[string]confirmedTx),
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// --- Results ---

// VoteResult is returned by Vote.
type VoteResult struct {
	Wager *model.Wager
	Tally model.Tally
	// Finalized is set when the vote completed quorum and the wager was
	// placed automatically.
	Finalized *FinalizeResult
	// FinalizeErr is set when quorum was reached but the automatic
	// finalize failed. The vote itself stands.
	FinalizeErr error
}

// FinalizeResult is returned by Finalize.
type FinalizeResult struct {
	Wager  *model.Wager
	Tally  model.Tally
	Agreed bool // strict agree majority; ties favor disagree
}

// --- Operations ---

// Propose parses "<description...> <stake>", checks with the oracle that the
// described game exists, and stores a new pending wager. Nothing is stored
// when any step fails.
func (e *Engine) Propose(ctx context.Context, conversationID, proposer, text string) (*model.Wager, error) {
	p, err := command.ParseProposal(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	octx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	now := e.now()
	start := time.Now()
	date, err := e.oracle.ExtractDate(octx, p.Description, now)
	metrics.ObserveOracle("extract_date", start)
	if err != nil {
		return nil, fmt.Errorf("%w: extract date: %v", ErrOracleFailure, err)
	}

	games, err := e.fetchSchedule(octx, date)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	ok, err := e.oracle.ValidateEventExists(octx, p.Description, games)
	metrics.ObserveOracle("validate", start)
	if err != nil {
		return nil, fmt.Errorf("%w: validate: %v", ErrOracleFailure, err)
	}
	if !ok {
		slog.Info("wager rejected", "conversation", conversationID, "description", p.Description, "date", date.Format(time.DateOnly))
		return nil, fmt.Errorf("%w: %q", ErrEventRejected, p.Description)
	}

	w := &model.Wager{
		ConversationID: conversationID,
		Proposer:       proposer,
		Prompt:         p.Description,
		Stake:          p.Stake,
		CreatedAt:      now,
		ScheduledFor:   &date,
		Votes:          make(map[string]model.Side),
		Status:         model.StatusPending,
		UpdatedAt:      now,
	}
	if err := e.store.CreateWager(ctx, w); err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrStore, err)
	}

	slog.Info("wager proposed",
		"wager_id", w.ID,
		"conversation", conversationID,
		"proposer", proposer,
		"stake", w.Stake.String(),
		"scheduled_for", date.Format(time.DateOnly),
	)
	metrics.Transitions.WithLabelValues(string(model.StatusPending)).Inc()
	e.emit(ctx, events.TypeProposed, w)
	return w, nil
}

// Vote puts participant on side, replacing any earlier vote. members is the
// current group membership, used for the quorum check.
func (e *Engine) Vote(ctx context.Context, id int64, participant string, side model.Side, members []string) (*VoteResult, error) {
	if participant == "" || !side.Valid() {
		return nil, fmt.Errorf("%w: participant and side are required", ErrInvalidInput)
	}

	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: wager %d is %s, voting is closed", ErrInvalidState, id, w.Status)
	}
	if _, escrowed := e.lookupConfirmed(opEscrow, id); escrowed {
		return nil, fmt.Errorf("%w: wager %d is escrowed, voting is closed", ErrInvalidState, id)
	}

	w.CastVote(participant, side)
	w.UpdatedAt = e.now()
	if err := e.store.UpdateWager(ctx, w); err != nil {
		return nil, fmt.Errorf("%w: update %d: %v", ErrStore, id, err)
	}

	res := &VoteResult{Wager: w, Tally: w.Tally()}
	slog.Info("wager vote",
		"wager_id", id,
		"participant", participant,
		"side", side,
		"agree", res.Tally.Agree,
		"disagree", res.Tally.Disagree,
	)
	e.emit(ctx, events.TypeVoted, w)

	voters := make(map[string]struct{}, len(w.Votes))
	for p := range w.Votes {
		voters[p] = struct{}{}
	}
	if e.cfg.Quorum.Reached(voters, members) {
		slog.Info("quorum reached", "wager_id", id, "policy", e.cfg.Quorum)
		fin, err := e.finalizeLocked(ctx, w)
		if err != nil {
			res.FinalizeErr = err
		} else {
			res.Finalized = fin
			res.Wager = fin.Wager
		}
	}
	return res, nil
}

// Finalize closes voting and escrows the stake for both sides. The wager
// stays pending if the ledger call fails.
func (e *Engine) Finalize(ctx context.Context, id int64) (*FinalizeResult, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.finalizeLocked(ctx, w)
}

func (e *Engine) finalizeLocked(ctx context.Context, w *model.Wager) (*FinalizeResult, error) {
	if w.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: wager %d is already %s", ErrInvalidState, w.ID, w.Status)
	}

	tally := w.Tally()
	agree := w.Participants(model.SideAgree)
	disagree := w.Participants(model.SideDisagree)

	var tx string
	if c, ok := e.lookupConfirmed(opEscrow, w.ID); ok {
		tx = c.tx
		slog.Info("reusing confirmed escrow", "wager_id", w.ID, "tx", tx)
	} else {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SettlementTimeout)
		defer cancel()

		var err error
		tx, err = e.settle.Escrow(sctx, w.ID, agree, disagree, w.Stake)
		if err != nil {
			metrics.SettlementFailures.WithLabelValues("escrow").Inc()
			slog.Error("escrow failed", "wager_id", w.ID, "tx", tx, "err", err)
			return nil, fmt.Errorf("%w: escrow wager %d: %v", ErrSettlementFailure, w.ID, err)
		}
	}

	w.Status = model.StatusPlaced
	w.EscrowTx = tx
	w.UpdatedAt = e.now()
	if err := e.store.UpdateWager(ctx, w); err != nil {
		// Funds are escrowed on-ledger; a retry persists without escrowing again.
		e.recordConfirmed(opEscrow, w.ID, confirmedTx{tx: tx})
		slog.Error("escrowed wager not persisted", "wager_id", w.ID, "tx", tx, "err", err)
		return nil, fmt.Errorf("%w: update %d: %v", ErrStore, w.ID, err)
	}
	e.clearConfirmed(opEscrow, w.ID)

	res := &FinalizeResult{Wager: w, Tally: tally, Agreed: tally.Agreed()}
	slog.Info("wager placed",
		"wager_id", w.ID,
		"agree", tally.Agree,
		"disagree", tally.Disagree,
		"agreed", res.Agreed,
		"tx", tx,
	)
	metrics.Transitions.WithLabelValues(string(model.StatusPlaced)).Inc()
	e.emit(ctx, events.TypePlaced, w)
	return res, nil
}

// Resolve adjudicates the wager against the schedule for its event date.
// Placed wagers are paid out through the ledger; pending wagers were never
// escrowed and resolve directly. An undetermined verdict changes nothing.
func (e *Engine) Resolve(ctx context.Context, id int64) (*model.Wager, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == model.StatusResolved {
		return nil, fmt.Errorf("%w: wager %d is already resolved", ErrInvalidState, id)
	}

	// Paid out already; only the save is outstanding.
	if c, ok := e.lookupConfirmed(opDistribute, id); ok {
		slog.Info("reusing confirmed distribution", "wager_id", id, "tx", c.tx)
		w.DistributeTx = c.tx
		return e.saveResolved(ctx, w, c.outcome)
	}

	date := w.CreatedAt
	if w.ScheduledFor != nil {
		date = *w.ScheduledFor
	}

	octx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	games, err := e.fetchSchedule(octx, date)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	verdict, err := e.oracle.Adjudicate(octx, w.Prompt, games)
	metrics.ObserveOracle("adjudicate", start)
	if err != nil {
		return nil, fmt.Errorf("%w: adjudicate: %v", ErrOracleFailure, err)
	}

	var outcome model.Outcome
	switch verdict {
	case model.VerdictWon:
		outcome = model.OutcomeWon
	case model.VerdictLost:
		outcome = model.OutcomeLost
	default:
		slog.Info("wager undetermined", "wager_id", id)
		return nil, fmt.Errorf("%w: wager %d", ErrUndetermined, id)
	}

	if w.Status == model.StatusPlaced {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SettlementTimeout)
		defer cancel()

		tx, err := e.settle.Distribute(sctx, id, outcome == model.OutcomeWon)
		if err != nil {
			metrics.SettlementFailures.WithLabelValues("distribute").Inc()
			slog.Error("distribute failed", "wager_id", id, "tx", tx, "err", err)
			return nil, fmt.Errorf("%w: distribute wager %d: %v", ErrSettlementFailure, id, err)
		}
		w.DistributeTx = tx
	}

	return e.saveResolved(ctx, w, outcome)
}

func (e *Engine) saveResolved(ctx context.Context, w *model.Wager, outcome model.Outcome) (*model.Wager, error) {
	paid := w.Status == model.StatusPlaced
	w.Status = model.StatusResolved
	w.Outcome = outcome
	w.UpdatedAt = e.now()
	if err := e.store.UpdateWager(ctx, w); err != nil {
		if paid {
			e.recordConfirmed(opDistribute, w.ID, confirmedTx{tx: w.DistributeTx, outcome: outcome})
		}
		slog.Error("resolved wager not persisted", "wager_id", w.ID, "tx", w.DistributeTx, "err", err)
		return nil, fmt.Errorf("%w: update %d: %v", ErrStore, w.ID, err)
	}
	e.clearConfirmed(opDistribute, w.ID)

	slog.Info("wager resolved", "wager_id", w.ID, "outcome", outcome, "tx", w.DistributeTx)
	metrics.Transitions.WithLabelValues(string(model.StatusResolved)).Inc()
	metrics.Outcomes.WithLabelValues(string(outcome)).Inc()
	e.emit(ctx, events.TypeResolved, w)
	return w, nil
}

// ListPending returns every pending wager in id order.
func (e *Engine) ListPending(ctx context.Context) ([]model.Wager, error) {
	return e.List(ctx, model.StatusPending)
}

// List returns wagers in id order, filtered by status when non-empty.
func (e *Engine) List(ctx context.Context, status model.Status) ([]model.Wager, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	wagers, err := e.store.ListWagers(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStore, err)
	}
	return wagers, nil
}

// Get returns one wager.
func (e *Engine) Get(ctx context.Context, id int64) (*model.Wager, error) {
	return e.get(ctx, id)
}

// --- helpers ---

func (e *Engine) get(ctx context.Context, id int64) (*model.Wager, error) {
	w, err := e.store.GetWager(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: wager %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %d: %v", ErrStore, id, err)
	}
	return w, nil
}

func (e *Engine) lock(ctx context.Context, id int64) (func(), error) {
	unlock, err := e.locker.Lock(ctx, "wager:"+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, fmt.Errorf("%w: lock wager %d: %v", ErrStore, id, err)
	}
	return unlock, nil
}

func (e *Engine) fetchSchedule(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	start := time.Now()
	games, err := e.schedule.FetchSchedule(ctx, date)
	metrics.ObserveOracle("schedule", start)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule %s: %v", ErrOracleFailure, date.Format(time.DateOnly), err)
	}
	return games, nil
}

func confirmedKey(op string, id int64) string {
	return op + ":" + strconv.FormatInt(id, 10)
}

func (e *Engine) lookupConfirmed(op string, id int64) (confirmedTx, bool) {
	e.confirmedMu.Lock()
	defer e.confirmedMu.Unlock()
	c, ok := e.confirmed[confirmedKey(op, id)]
	return c, ok
}

func (e *Engine) recordConfirmed(op string, id int64, c confirmedTx) {
	e.confirmedMu.Lock()
	defer e.confirmedMu.Unlock()
	e.confirmed[confirmedKey(op, id)] = c
}

func (e *Engine) clearConfirmed(op string, id int64) {
	e.confirmedMu.Lock()
	defer e.confirmedMu.Unlock()
	delete(e.confirmed, confirmedKey(op, id))
}

func (e *Engine) emit(ctx context.Context, typ events.Type, w *model.Wager) {
	if err := e.events.Publish(ctx, events.New(typ, w)); err != nil {
		slog.Warn("publish event failed", "type", typ, "wager_id", w.ID, "err", err)
	}
}
