// Package model defines the core domain types shared across the wager engine.
// Stakes use shopspring/decimal, never float64 for money.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is a participant's position on a wager proposition.
type Side string

const (
	SideAgree    Side = "agree"
	SideDisagree Side = "disagree"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideAgree || s == SideDisagree
}

// Status is the lifecycle state of a wager.
// Transitions only move forward: pending -> placed -> resolved, or
// pending -> resolved when the wager was never escrowed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPlaced   Status = "placed"
	StatusResolved Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlaced, StatusResolved:
		return true
	}
	return false
}

// Outcome is the adjudicated result of a resolved wager, from the agree
// side's point of view.
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
)

// Verdict is the oracle's answer to an adjudication question.
type Verdict string

const (
	VerdictWon          Verdict = "won"
	VerdictLost         Verdict = "lost"
	VerdictUndetermined Verdict = "undetermined"
)

// Wager is a proposition staked between members of a group conversation.
type Wager struct {
	ID             int64           `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	Proposer       string          `json:"proposer" db:"proposer"`
	Prompt         string          `json:"prompt" db:"prompt"`
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty" db:"scheduled_for"`
	Votes          map[string]Side `json:"votes" db:"votes"` // participant -> side
	Status         Status          `json:"status" db:"status"`
	Outcome        Outcome         `json:"outcome,omitempty" db:"outcome"`
	EscrowTx       string          `json:"escrow_tx,omitempty" db:"escrow_tx"`
	DistributeTx   string          `json:"distribute_tx,omitempty" db:"distribute_tx"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate shared vote maps.
func (w *Wager) Clone() *Wager {
	c := *w
	if w.ScheduledFor != nil {
		t := *w.ScheduledFor
		c.ScheduledFor = &t
	}
	c.Votes = make(map[string]Side, len(w.Votes))
	for k, v := range w.Votes {
		c.Votes[k] = v
	}
	return &c
}

// CastVote records participant on side. A participant holds at most one
// side at a time, so a new vote replaces any previous one.
func (w *Wager) CastVote(participant string, side Side) {
	if w.Votes == nil {
		w.Votes = make(map[string]Side)
	}
	w.Votes[participant] = side
}

// Participants returns the sorted identities voting on side.
func (w *Wager) Participants(side Side) []string {
	var out []string
	for p, s := range w.Votes {
		if s == side {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Tally counts the current votes on each side.
func (w *Wager) Tally() Tally {
	var t Tally
	for _, s := range w.Votes {
		switch s {
		case SideAgree:
			t.Agree++
		case SideDisagree:
			t.Disagree++
		}
	}
	return t
}

// Tally is a snapshot of vote counts.
type Tally struct {
	Agree    int `json:"agree"`
	Disagree int `json:"disagree"`
}

// Agreed reports whether the agree side holds a strict majority.
// Ties favor disagree.
func (t Tally) Agreed() bool {
	return t.Agree > t.Disagree
}

// Total is the number of participants who have voted.
func (t Tally) Total() int {
	return t.Agree + t.Disagree
}

// GameSummary is the flattened view of one scheduled or finished game.
type GameSummary struct {
	ID          int64  `json:"id"`
	Date        string `json:"date"`
	VisitorName string `json:"visitor_name"`
	HomeName    string `json:"home_name"`
	Winner      string `json:"winner"` // team name, "TBD" or "TIE"
}
