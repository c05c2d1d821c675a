// Package prestige implements the reset operations that turn accumulated
// currency into permanent progress: Summit, Transcendence, Elevation and
// challenge completion.
//
// Every operation re-validates eligibility when it commits and reports an
// explicit Outcome. Operations must run in the player's lane; Service does
// that for callers outside one.
package prestige

import (
	"errors"
	"fmt"
)

// Outcome is the result class of an operation.
type Outcome int

const (
	// Ineligible means the operation was blocked; state is unchanged.
	Ineligible Outcome = iota
	// NoGain means the operation was allowed but had nothing to apply.
	NoGain
	// Success means the operation committed.
	Success
)

var outcomeNames = [...]string{"ineligible", "no_gain", "success"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Reasons attached to Ineligible outcomes.
const (
	ReasonBelowThreshold    = "below_threshold"
	ReasonUnknownCategory   = "unknown_category"
	ReasonMaxLevel          = "max_level"
	ReasonBreakAscensionOff = "break_ascension_disabled"
	ReasonChallengesPending = "challenges_incomplete"
	ReasonUnknownChallenge  = "unknown_challenge"
	ReasonChallengeLocked   = "challenge_locked"
	ReasonInvalidTime       = "invalid_time"
	ReasonCannotAfford      = "cannot_afford"
	ReasonNoAscension       = "no_ascension"
)

// ErrNotDurable wraps a failed synchronous save after a committed
// Transcendence. The in-memory state is already transcended and stays queued
// for the next save.
var ErrNotDurable = errors.New("transcendence not durably saved")
