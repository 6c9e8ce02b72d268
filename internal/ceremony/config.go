// config.go - Coordinator settings
package ceremony

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trustedsetup/internal/metrics"
)

// Store persists the record. Save must be atomic: after a crash either the
// previous or the new record is readable.
type Store interface {
	Save(rec *Record) error
	Archive(rec *Record) error
}

// Config controls a Coordinator
type Config struct {
	Mode Mode
	// Quorum is the number of accepted contributions that starts
	// finalization; 0 means "until the queue is exhausted" (ModeQueue only).
	Quorum int

	TurnTimeout time.Duration
	DropPolicy  DropPolicy
	// MaxMisses bounds requeues under DropRequeue; 0 means unbounded
	MaxMisses int
	// RepeatContributions puts contributors back in line after each turn
	RepeatContributions bool

	Beacon      Beacon
	BeaconRetry time.Duration

	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a queue-mode configuration
func DefaultConfig() Config {
	return Config{
		Mode:        ModeQueue,
		TurnTimeout: 2 * time.Minute,
		DropPolicy:  DropRequeue,
		MaxMisses:   3,
		BeaconRetry: 5 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

// Validate checks the configuration is coherent
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeQueue:
		if c.TurnTimeout <= 0 {
			return errors.New("turn timeout must be positive in queue mode")
		}
	case ModeOpen:
		if c.Quorum <= 0 {
			return errors.New("open mode requires a positive quorum")
		}
	default:
		return fmt.Errorf("unknown turn mode %q", c.Mode)
	}
	if c.Quorum < 0 {
		return errors.New("quorum must not be negative")
	}
	if c.RepeatContributions && c.Quorum == 0 {
		return errors.New("repeat contributions require a quorum")
	}
	switch c.DropPolicy {
	case DropRequeue, DropRemove:
	default:
		return fmt.Errorf("unknown drop policy %q", c.DropPolicy)
	}
	if c.MaxMisses < 0 {
		return errors.New("max misses must not be negative")
	}
	return nil
}
