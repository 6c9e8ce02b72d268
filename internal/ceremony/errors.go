// errors.go - Rejection reasons and their wire codes
package ceremony

import (
	"errors"

	"trustedsetup/internal/mpc"
	"trustedsetup/internal/transcript"
)

var (
	ErrInvalidContribution = mpc.ErrInvalidContribution
	ErrRoundMismatch       = transcript.ErrRoundMismatch
	ErrCorruptTranscript   = transcript.ErrCorruptTranscript

	ErrStaleRound         = errors.New("stale round")
	ErrNotRegistered      = errors.New("not registered")
	ErrAlreadyRegistered  = errors.New("already registered")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrAlreadyContributed = errors.New("already contributed")
	ErrWrongPhase         = errors.New("wrong phase")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrDropped            = errors.New("participant dropped")
	ErrBeaconUnavailable  = errors.New("beacon unavailable")
	ErrPersist            = errors.New("persist ceremony record")
	ErrStopped            = errors.New("coordinator stopped")
	ErrUnknownCircuit     = errors.New("unknown circuit")
)

// Code is the reason carried in a submission response
type Code string

const (
	CodeAccepted            Code = "accepted"
	CodeInvalidContribution Code = "invalid_contribution"
	CodeStaleRound          Code = "stale_round"
	CodeRoundMismatch       Code = "round_mismatch"
	CodeNotRegistered       Code = "not_registered"
	CodeAlreadyRegistered   Code = "already_registered"
	CodeNotYourTurn         Code = "not_your_turn"
	CodeAlreadyContributed  Code = "already_contributed"
	CodeWrongPhase          Code = "wrong_phase"
	CodeUnauthenticated     Code = "unauthenticated"
	CodeDropped             Code = "dropped"
	CodeBeaconUnavailable   Code = "beacon_unavailable"
	CodeRateLimited         Code = "rate_limited"
	CodeInternal            Code = "internal"
)

var codeErrors = []struct {
	code Code
	err  error
}{
	{CodeInvalidContribution, ErrInvalidContribution},
	{CodeStaleRound, ErrStaleRound},
	{CodeRoundMismatch, ErrRoundMismatch},
	{CodeNotRegistered, ErrNotRegistered},
	{CodeAlreadyRegistered, ErrAlreadyRegistered},
	{CodeNotYourTurn, ErrNotYourTurn},
	{CodeAlreadyContributed, ErrAlreadyContributed},
	{CodeWrongPhase, ErrWrongPhase},
	{CodeUnauthenticated, ErrUnauthenticated},
	{CodeDropped, ErrDropped},
	{CodeBeaconUnavailable, ErrBeaconUnavailable},
}

// CodeOf maps an error from this package to its wire code
func CodeOf(err error) Code {
	if err == nil {
		return CodeAccepted
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// Err returns the sentinel for c, or nil for CodeAccepted
func (c Code) Err() error {
	if c == CodeAccepted {
		return nil
	}
	for _, ce := range codeErrors {
		if ce.code == c {
			return ce.err
		}
	}
	return errors.New(string(c))
}
