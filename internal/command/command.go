// Package command handles slash-command tokenizing and validation of the
// parameters each chat command accepts.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Supported command names, without trigger prefix.
const (
	NameBet      = "bet"
	NameAgree    = "agree"
	NameDisagree = "disagree"
	NameFinalize = "finalize"
	NameResolve  = "resolve"
	NameAllBets  = "allBets"
	NameHelp     = "help"
)

// aliases maps accepted spellings to canonical names. "show" is the legacy
// listing command.
var aliases = map[string]string{
	"bet":      NameBet,
	"agree":    NameAgree,
	"disagree": NameDisagree,
	"finalize": NameFinalize,
	"resolve":  NameResolve,
	"allbets":  NameAllBets,
	"show":     NameAllBets,
	"help":     NameHelp,
}

// commandRegex matches: {/|@}{name}[ {args}]
var commandRegex = regexp.MustCompile(`^[/@]([A-Za-z]+)(?:\s+(.*))?$`)

var (
	ErrNotCommand     = errors.New("command: not a command")
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrMissingParam   = errors.New("command: missing required parameter")
	ErrInvalidStake   = errors.New("command: invalid stake")
	ErrInvalidID      = errors.New("command: invalid wager id")
)

// Command is one parsed inbound chat command.
type Command struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

// Parse tokenizes a chat message into a command name and its raw argument
// text. Messages that don't start with a trigger return ErrNotCommand.
func Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	matches := commandRegex.FindStringSubmatch(text)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotCommand, text)
	}

	name, ok := aliases[strings.ToLower(matches[1])]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, matches[1])
	}

	return &Command{
		Name: name,
		Args: strings.TrimSpace(matches[2]),
	}, nil
}

// Proposal is the parsed argument of a bet command.
type Proposal struct {
	Description string          `json:"description"`
	Stake       decimal.Decimal `json:"stake"`
}

// ParseProposal splits "<description...> <stake>": the last
// whitespace-delimited token is the stake, everything before it is the
// description.
func ParseProposal(args string) (*Proposal, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: expected <description> <stake>", ErrMissingParam)
	}

	raw := fields[len(fields)-1]
	stake, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStake, raw)
	}
	if !stake.IsPositive() {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidStake, raw)
	}

	return &Proposal{
		Description: strings.Join(fields[:len(fields)-1], " "),
		Stake:       stake,
	}, nil
}

// ParseID reads the wager id argument of agree/disagree/finalize/resolve.
// A leading "#" is accepted.
func ParseID(args string) (int64, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: wager id", ErrMissingParam)
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidID, fields[0])
	}
	return id, nil
}

// HelpEntry describes one command for the help listing.
type HelpEntry struct {
	Usage       string
	Description string
}

// Help is the static command listing, in display order.
var Help = []HelpEntry{
	{"/help", "Get help with the bot."},
	{"/bet [prompt] [amount]", "Propose a new wager with a prediction and the amount to stake."},
	{"/agree [wagerId]", "Agree on an active wager by providing its id."},
	{"/disagree [wagerId]", "Disagree on an active wager by providing its id."},
	{"/finalize [wagerId]", "Close voting on a wager and escrow the stakes."},
	{"/resolve [wagerId]", "Settle a wager against the game results."},
	{"/allBets", "Show all pending wagers."},
}
