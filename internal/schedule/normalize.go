// Package schedule fetches a day's basketball games from the api-nba feed and
// flattens them into model.GameSummary records.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/atmx/wager-engine/internal/model"
)

// Winner placeholders.
const (
	WinnerTBD = "TBD"
	WinnerTie = "TIE"
)

// Feed status values, compared case-insensitively.
const (
	statusScheduled = "scheduled"
	statusFinished  = "finished"
)

// ErrMalformedGame is returned when a required nested field is absent.
var ErrMalformedGame = errors.New("schedule: malformed game")

// Feed is the envelope returned by GET /games.
type Feed struct {
	Response []RawGame `json:"response"`
}

// RawGame mirrors one entry of the feed. Pointers distinguish absent fields
// from zero values.
type RawGame struct {
	ID   *int64 `json:"id"`
	Date *struct {
		Start *string `json:"start"`
	} `json:"date"`
	Status *struct {
		Long *string `json:"long"`
	} `json:"status"`
	Teams *struct {
		Visitors *rawTeam `json:"visitors"`
		Home     *rawTeam `json:"home"`
	} `json:"teams"`
	Scores *struct {
		Visitors *rawScore `json:"visitors"`
		Home     *rawScore `json:"home"`
	} `json:"scores"`
}

type rawTeam struct {
	Name *string `json:"name"`
}

type rawScore struct {
	Points *int `json:"points"`
}

// DecodeFeed reads a feed body and normalizes it.
func DecodeFeed(r io.Reader) ([]model.GameSummary, error) {
	var feed Feed
	if err := json.NewDecoder(r).Decode(&feed); err != nil {
		return nil, fmt.Errorf("schedule: decode feed: %w", err)
	}
	return Normalize(feed.Response)
}

// Normalize maps raw games to summaries. Scheduled games get winner "TBD",
// finished games get the team with strictly more points ("TIE" on equal
// points), and games in any other status are dropped.
func Normalize(games []RawGame) ([]model.GameSummary, error) {
	out := make([]model.GameSummary, 0, len(games))
	for i, g := range games {
		if g.Status == nil || g.Status.Long == nil {
			return nil, fmt.Errorf("%w: game %d: missing status", ErrMalformedGame, i)
		}
		status := strings.ToLower(strings.TrimSpace(*g.Status.Long))
		if status != statusScheduled && status != statusFinished {
			continue
		}

		summary, err := summarize(g)
		if err != nil {
			return nil, fmt.Errorf("%w: game %d: %v", ErrMalformedGame, i, err)
		}

		if status == statusScheduled {
			summary.Winner = WinnerTBD
			out = append(out, summary)
			continue
		}

		if g.Scores == nil || g.Scores.Visitors == nil || g.Scores.Home == nil ||
			g.Scores.Visitors.Points == nil || g.Scores.Home.Points == nil {
			return nil, fmt.Errorf("%w: game %d: finished without scores", ErrMalformedGame, i)
		}
		visitorPts, homePts := *g.Scores.Visitors.Points, *g.Scores.Home.Points
		switch {
		case visitorPts > homePts:
			summary.Winner = summary.VisitorName
		case homePts > visitorPts:
			summary.Winner = summary.HomeName
		default:
			summary.Winner = WinnerTie
		}
		out = append(out, summary)
	}
	return out, nil
}

func summarize(g RawGame) (model.GameSummary, error) {
	if g.ID == nil {
		return model.GameSummary{}, errors.New("missing id")
	}
	if g.Date == nil || g.Date.Start == nil {
		return model.GameSummary{}, errors.New("missing date.start")
	}
	if g.Teams == nil || g.Teams.Visitors == nil || g.Teams.Visitors.Name == nil ||
		g.Teams.Home == nil || g.Teams.Home.Name == nil {
		return model.GameSummary{}, errors.New("missing team names")
	}
	return model.GameSummary{
		ID:          *g.ID,
		Date:        *g.Date.Start,
		VisitorName: *g.Teams.Visitors.Name,
		HomeName:    *g.Teams.Home.Name,
	}, nil
}
