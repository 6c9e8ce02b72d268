// types.go - Phases, turn modes, drop policies and priorities
package ceremony

import (
	"fmt"
	"strings"
)

// Phase is the ceremony lifecycle stage
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseInProgress
	PhaseFinalizing
	PhaseClosed
)

var phaseNames = []string{"open", "in_progress", "finalizing", "closed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Accepting reports whether contributions may be submitted in p
func (p Phase) Accepting() bool {
	return p == PhaseOpen || p == PhaseInProgress
}

// ParsePhase is the inverse of Phase.String
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Mode selects how turns are handed out
type Mode string

const (
	// ModeQueue grants one participant at a time a deadline-bound turn
	ModeQueue Mode = "queue"
	// ModeOpen lets every registered participant race for each round
	ModeOpen Mode = "open"
)

// ParseMode parses a turn mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeQueue, ModeOpen:
		return m, nil
	}
	return "", fmt.Errorf("unknown turn mode %q", s)
}

// DropPolicy decides what happens to a lock holder that misses its deadline
type DropPolicy string

const (
	// DropRequeue puts the participant back in the queue at lower priority
	DropRequeue DropPolicy = "requeue"
	// DropRemove removes the participant from the ceremony
	DropRemove DropPolicy = "remove"
)

// ParseDropPolicy parses a drop policy name
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch p := DropPolicy(strings.ToLower(s)); p {
	case DropRequeue, DropRemove:
		return p, nil
	}
	return "", fmt.Errorf("unknown drop policy %q", s)
}

// Priority orders the turn queue; lower values go first
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Lower returns the next priority down, saturating at PriorityLow
func (p Priority) Lower() Priority {
	if p >= PriorityLow {
		return PriorityLow
	}
	return p + 1
}

// ParsePriority parses a priority name; empty means normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
