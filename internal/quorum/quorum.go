// Package quorum decides when enough of a group has voted on a wager for it
// to be finalized without an explicit /finalize.
//
// Membership comes from the messaging transport on every vote, so the
// decision always reflects the group as it is now:
//   - manual   never auto-finalizes
//   - all      every current member has voted
//   - majority strictly more than half of the current members have voted
//
// Votes from identities that are no longer members do not count toward
// quorum (they still count in the tally).
package quorum

import (
	"errors"
	"fmt"
	"strings"
)

// Policy names a quorum rule.
type Policy string

const (
	PolicyManual   Policy = "manual"
	PolicyAll      Policy = "all"
	PolicyMajority Policy = "majority"
)

// ErrUnknownPolicy is returned by ParsePolicy for unrecognized names.
var ErrUnknownPolicy = errors.New("quorum: unknown policy")

// ParsePolicy reads a policy name, case-insensitively. Empty means manual.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyManual, nil
	case PolicyManual, PolicyAll, PolicyMajority:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Reached reports whether voters satisfy the policy for the given group.
// voters is the set of identities that have voted (any side).
func (p Policy) Reached(voters map[string]struct{}, members []string) bool {
	if p == PolicyManual {
		return false
	}

	seen := make(map[string]struct{}, len(members))
	responded := 0
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		if _, ok := voters[m]; ok {
			responded++
		}
	}
	if len(seen) == 0 {
		return false
	}

	switch p {
	case PolicyAll:
		return responded == len(seen)
	case PolicyMajority:
		return responded*2 > len(seen)
	}
	return false
}
