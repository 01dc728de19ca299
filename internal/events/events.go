// Package events publishes wager lifecycle transitions to downstream sinks:
// live WebSocket clients, a Kafka topic and an S3 archive of settled wagers.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/wager-engine/internal/model"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeProposed Type = "wager.proposed"
	TypeVoted    Type = "wager.voted"
	TypePlaced   Type = "wager.placed"
	TypeResolved Type = "wager.resolved"
)

// Event is one transition with a snapshot of the wager after it.
type Event struct {
	ID      uuid.UUID    `json:"id"`
	Type    Type         `json:"type"`
	WagerID int64        `json:"wager_id"`
	Wager   *model.Wager `json:"wager"`
	At      time.Time    `json:"at"`
}

// New builds an event for w, snapshotting it.
func New(typ Type, w *model.Wager) Event {
	return Event{
		ID:      uuid.New(),
		Type:    typ,
		WagerID: w.ID,
		Wager:   w.Clone(),
		At:      time.Now().UTC(),
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers each event to every sink in order. A failing sink is
// logged and skipped; Publish itself never fails.
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks, ignoring nil entries.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			slog.Warn("event sink failed",
				"type", ev.Type,
				"wager_id", ev.WagerID,
				"sink", sinkName(s),
				"err", err,
			)
		}
	}
	return nil
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *KafkaPublisher:
		return "kafka"
	case *S3Archiver:
		return "s3"
	default:
		return "custom"
	}
}
