// Package oracle asks a language model the three questions the wager engine
// needs answered: when an event happens, whether it exists on the schedule,
// and how it turned out.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atmx/wager-engine/internal/model"
)

const dateLayout = "2006-01-02"

var (
	ErrNoDate = errors.New("oracle: reply contains no date")
)

// Completer is the text-in, text-out model call.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Gateway wraps a Completer with fixed instructions and reply coercion.
type Gateway struct {
	llm Completer
}

// New creates a gateway over llm.
func New(llm Completer) *Gateway {
	return &Gateway{llm: llm}
}

const (
	systemExtractDate = "You convert a sports prediction into the calendar date of the game it refers to. " +
		"Reply with the date only, formatted YYYY-MM-DD. Resolve relative phrases such as \"tonight\" or " +
		"\"next Friday\" against the reference date given."

	systemValidate = "You check whether a sports prediction refers to a real game. You receive the prediction " +
		"and the list of games on that date as JSON. Reply with exactly one word: yes if one of the listed " +
		"games matches the prediction, otherwise no."

	systemAdjudicate = "You settle sports predictions. You receive the prediction and the list of games on that " +
		"date as JSON, where winner is the winning team, TBD if unplayed, or TIE. Reply with exactly one word: " +
		"won if the prediction came true, lost if it did not, undetermined if the data cannot settle it."
)

// Ask sends one question with optional supporting data and returns the
// cleaned reply.
func (g *Gateway) Ask(ctx context.Context, system, prompt string, aux any) (string, error) {
	user := prompt
	if aux != nil {
		data, err := json.Marshal(aux)
		if err != nil {
			return "", fmt.Errorf("oracle: encoding data: %w", err)
		}
		user = fmt.Sprintf("%s\n\nData:\n%s", prompt, data)
	}

	reply, err := g.llm.Complete(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("oracle: %w", err)
	}
	return CleanReply(reply), nil
}

var isoDate = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// ExtractDate asks for the implied event date of a wager description,
// relative to ref.
func (g *Gateway) ExtractDate(ctx context.Context, description string, ref time.Time) (time.Time, error) {
	prompt := fmt.Sprintf("Reference date: %s\nPrediction: %s", ref.UTC().Format(dateLayout), description)
	reply, err := g.Ask(ctx, systemExtractDate, prompt, nil)
	if err != nil {
		return time.Time{}, err
	}

	raw := isoDate.FindString(reply)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoDate, reply)
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoDate, raw)
	}
	return date, nil
}

// ValidateEventExists reports whether the model recognizes the wager's event
// among games. Anything other than a bare "yes" counts as rejection.
func (g *Gateway) ValidateEventExists(ctx context.Context, description string, games []model.GameSummary) (bool, error) {
	reply, err := g.Ask(ctx, systemValidate, "Prediction: "+description, games)
	if err != nil {
		return false, err
	}
	return token(reply) == "yes", nil
}

// Adjudicate decides the wager against the results in games. Replies
// outside won/lost are VerdictUndetermined.
func (g *Gateway) Adjudicate(ctx context.Context, description string, games []model.GameSummary) (model.Verdict, error) {
	reply, err := g.Ask(ctx, systemAdjudicate, "Prediction: "+description, games)
	if err != nil {
		return "", err
	}
	switch token(reply) {
	case string(model.VerdictWon):
		return model.VerdictWon, nil
	case string(model.VerdictLost):
		return model.VerdictLost, nil
	default:
		return model.VerdictUndetermined, nil
	}
}

// token lowercases a reply and trims surrounding punctuation so "Yes." and
// "yes" compare equal.
func token(reply string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(reply)), ".!\"'` ")
}
