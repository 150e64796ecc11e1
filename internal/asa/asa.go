// Package asa defines the decision hooks an embedding application supplies
// to drive negotiation.
package asa

import (
	"bytes"

	"github.com/rs/zerolog/log"
)

// Agent decides negotiation outcomes.
//
// Propose receives the peer's proposal and returns this side's
// counter-value. Equivalent reports whether the counter-value and the
// proposal agree. Commit applies the final agreed value.
type Agent interface {
	Equivalent(proposed, counter []byte) bool
	Propose(proposed []byte) []byte
	Commit(final []byte)
}

// Funcs adapts plain functions to Agent. A nil field falls back to the
// default behaviour: always equivalent, echo the proposal, log the commit.
type Funcs struct {
	EquivalentFn func(proposed, counter []byte) bool
	ProposeFn    func(proposed []byte) []byte
	CommitFn     func(final []byte)
}

var _ Agent = Funcs{}

func (f Funcs) Equivalent(proposed, counter []byte) bool {
	if f.EquivalentFn == nil {
		return true
	}
	return f.EquivalentFn(proposed, counter)
}

func (f Funcs) Propose(proposed []byte) []byte {
	if f.ProposeFn == nil {
		return bytes.Clone(proposed)
	}
	return f.ProposeFn(proposed)
}

func (f Funcs) Commit(final []byte) {
	if f.CommitFn == nil {
		log.Info().Str("value", string(final)).Msg("asa commit")
		return
	}
	f.CommitFn(final)
}
