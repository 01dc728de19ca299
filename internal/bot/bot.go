// Package bot adapts the chat transport to the wager engine: it parses each
// inbound message as a command, runs it, and turns the result (or error)
// into replies for the sender and broadcasts for the group.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atmx/wager-engine/internal/command"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/wager"
)

// Engine is the subset of *wager.Engine the bot drives.
type Engine interface {
	Propose(ctx context.Context, conversationID, proposer, text string) (*model.Wager, error)
	Vote(ctx context.Context, id int64, participant string, side model.Side, members []string) (*wager.VoteResult, error)
	Finalize(ctx context.Context, id int64) (*wager.FinalizeResult, error)
	Resolve(ctx context.Context, id int64) (*model.Wager, error)
	ListPending(ctx context.Context) ([]model.Wager, error)
}

// Broadcaster delivers group messages to live subscribers.
type Broadcaster interface {
	SendText(conversationID, text string)
}

// Message is one inbound chat message.
type Message struct {
	ConversationID string   `json:"conversation_id"`
	Sender         string   `json:"sender"`
	Text           string   `json:"text"`
	Members        []string `json:"members"`
}

// Response holds what the transport should send back. Replies go to the
// sender; broadcasts go to the whole conversation.
type Response struct {
	Replies    []string `json:"replies"`
	Broadcasts []string `json:"broadcasts"`
}

func (r *Response) reply(format string, args ...any) {
	r.Replies = append(r.Replies, fmt.Sprintf(format, args...))
}

func (r *Response) send(format string, args ...any) {
	r.Broadcasts = append(r.Broadcasts, fmt.Sprintf(format, args...))
}

// Bot dispatches commands.
type Bot struct {
	engine Engine
	hub    Broadcaster // optional
}

// New creates a bot. Pass nil for hub if broadcasts only go back through
// the webhook response.
func New(engine Engine, hub Broadcaster) *Bot {
	return &Bot{engine: engine, hub: hub}
}

// Handle runs one message to completion. Messages that are not commands
// produce an empty response. Errors never escape; they become replies.
func (b *Bot) Handle(ctx context.Context, msg Message) Response {
	resp := Response{Replies: []string{}, Broadcasts: []string{}}

	cmd, err := command.Parse(msg.Text)
	switch {
	case errors.Is(err, command.ErrNotCommand):
		return resp
	case errors.Is(err, command.ErrUnknownCommand):
		metrics.CommandsTotal.WithLabelValues("unknown", "unknown_command").Inc()
		resp.reply("Unknown command. Use /help to see all available commands.")
		return resp
	case err != nil:
		resp.reply("Something went wrong. Please try again.")
		return resp
	}

	switch cmd.Name {
	case command.NameHelp:
		err = b.help(&resp)
	case command.NameBet:
		err = b.bet(ctx, msg, cmd.Args, &resp)
	case command.NameAgree:
		err = b.vote(ctx, msg, cmd.Args, model.SideAgree, &resp)
	case command.NameDisagree:
		err = b.vote(ctx, msg, cmd.Args, model.SideDisagree, &resp)
	case command.NameFinalize:
		err = b.finalize(ctx, cmd.Args, &resp)
	case command.NameResolve:
		err = b.resolve(ctx, cmd.Args, &resp)
	case command.NameAllBets:
		err = b.allBets(ctx, &resp)
	}

	metrics.CommandsTotal.WithLabelValues(cmd.Name, resultLabel(err)).Inc()
	if err != nil {
		level := slog.LevelInfo
		if errors.Is(err, wager.ErrSettlementFailure) || errors.Is(err, wager.ErrStore) {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "command failed",
			"command", cmd.Name,
			"conversation", msg.ConversationID,
			"sender", msg.Sender,
			"err", err,
		)
		resp.Replies = append(resp.Replies, errorReply(cmd.Name, err))
	}

	if b.hub != nil {
		for _, text := range resp.Broadcasts {
			b.hub.SendText(msg.ConversationID, text)
		}
	}
	return resp
}

func (b *Bot) help(resp *Response) error {
	var sb strings.Builder
	sb.WriteString("Available commands:")
	for _, h := range command.Help {
		fmt.Fprintf(&sb, "\n%s - %s", h.Usage, h.Description)
	}
	resp.reply("%s", sb.String())
	return nil
}

func (b *Bot) bet(ctx context.Context, msg Message, args string, resp *Response) error {
	w, err := b.engine.Propose(ctx, msg.ConversationID, msg.Sender, args)
	if err != nil {
		return err
	}
	resp.send("New wager #%d proposed: %q for %s. Respond with /agree %d or /disagree %d.",
		w.ID, w.Prompt, w.Stake.String(), w.ID, w.ID)
	return nil
}

func (b *Bot) vote(ctx context.Context, msg Message, args string, side model.Side, resp *Response) error {
	id, err := command.ParseID(args)
	if err != nil {
		return err
	}
	res, err := b.engine.Vote(ctx, id, msg.Sender, side, msg.Members)
	if err != nil {
		return withID(err, id)
	}
	resp.send("Someone has responded. There are now %d agrees and %d disagrees for wager #%d.",
		res.Tally.Agree, res.Tally.Disagree, id)

	switch {
	case res.Finalized != nil:
		announceFinalized(res.Finalized, resp)
	case res.FinalizeErr != nil:
		resp.send("Quorum was reached, but wager #%d could not be finalized: %s",
			id, errorReply(command.NameFinalize, withID(res.FinalizeErr, id)))
	}
	return nil
}

func (b *Bot) finalize(ctx context.Context, args string, resp *Response) error {
	id, err := command.ParseID(args)
	if err != nil {
		return err
	}
	res, err := b.engine.Finalize(ctx, id)
	if err != nil {
		return withID(err, id)
	}
	announceFinalized(res, resp)
	return nil
}

func announceFinalized(res *wager.FinalizeResult, resp *Response) {
	w := res.Wager
	if res.Agreed {
		resp.send("Wager #%d finalized: Majority agreed to %q for %s.", w.ID, w.Prompt, w.Stake.String())
		return
	}
	resp.send("Wager #%d finalized: Majority disagreed with %q.", w.ID, w.Prompt)
}

func (b *Bot) resolve(ctx context.Context, args string, resp *Response) error {
	id, err := command.ParseID(args)
	if err != nil {
		return err
	}
	w, err := b.engine.Resolve(ctx, id)
	if err != nil {
		return withID(err, id)
	}
	if w.Outcome == model.OutcomeWon {
		resp.send("Wager #%d resolved: %q came true. The agree side wins.", w.ID, w.Prompt)
	} else {
		resp.send("Wager #%d resolved: %q did not come true. The disagree side wins.", w.ID, w.Prompt)
	}
	return nil
}

func (b *Bot) allBets(ctx context.Context, resp *Response) error {
	pending, err := b.engine.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		resp.send("No active wagers.")
		return nil
	}
	lines := make([]string, 0, len(pending))
	for _, w := range pending {
		lines = append(lines, fmt.Sprintf("Wager #%d: %s (%s)", w.ID, w.Prompt, w.Stake.String()))
	}
	resp.send("Active wagers:\n%s", strings.Join(lines, "\n"))
	return nil
}

// idError carries the wager id into errorReply.
type idError struct {
	id  int64
	err error
}

func (e *idError) Error() string { return e.err.Error() }
func (e *idError) Unwrap() error { return e.err }

func withID(err error, id int64) error {
	return &idError{id: id, err: err}
}

// errorReply maps an error to the text shown to the sender.
func errorReply(cmdName string, err error) string {
	ref := "that wager"
	var ie *idError
	if errors.As(err, &ie) {
		ref = fmt.Sprintf("wager #%d", ie.id)
	}

	switch {
	case errors.Is(err, command.ErrMissingParam) && cmdName != command.NameBet:
		return "Missing required parameters. Please provide a wager id."
	case errors.Is(err, command.ErrInvalidID):
		return "Invalid wager id. Use the number shown when the wager was proposed."
	case errors.Is(err, wager.ErrInvalidInput):
		return "Invalid wager format. Please provide a prompt and a valid amount."
	case errors.Is(err, wager.ErrNotFound):
		return "Wager not found."
	case errors.Is(err, wager.ErrEventRejected):
		return "That doesn't look like a real game we can cover, so no wager was created."
	case errors.Is(err, wager.ErrInvalidState):
		switch cmdName {
		case command.NameAgree, command.NameDisagree:
			return fmt.Sprintf("Voting on %s is closed.", ref)
		case command.NameFinalize:
			return fmt.Sprintf("%s has already been finalized.", capitalize(ref))
		default:
			return fmt.Sprintf("%s has already been resolved.", capitalize(ref))
		}
	case errors.Is(err, wager.ErrUndetermined):
		return fmt.Sprintf("Couldn't determine the outcome of %s yet. Try again after the game.", ref)
	case errors.Is(err, wager.ErrOracleFailure):
		return "Couldn't reach the game oracle right now. Please try again."
	case errors.Is(err, wager.ErrSettlementFailure):
		return fmt.Sprintf("The ledger call for %s failed and nothing was changed. Please try again later.", ref)
	default:
		return "Something went wrong. Please try again."
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, command.ErrMissingParam), errors.Is(err, command.ErrInvalidID), errors.Is(err, wager.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, wager.ErrNotFound):
		return "not_found"
	case errors.Is(err, wager.ErrEventRejected):
		return "rejected"
	case errors.Is(err, wager.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, wager.ErrUndetermined):
		return "undetermined"
	case errors.Is(err, wager.ErrOracleFailure):
		return "oracle_failure"
	case errors.Is(err, wager.ErrSettlementFailure):
		return "settlement_failure"
	default:
		return "error"
	}
}
