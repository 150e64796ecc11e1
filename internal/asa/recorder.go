package asa

import (
	"github.com/danmuck/gdnp/internal/store"
	"github.com/rs/zerolog"
)

// CommitLog persists committed values.
type CommitLog interface {
	Record(role string, value []byte) (store.Commit, error)
}

// Recorder wraps an Agent and records every commit before delegating.
type Recorder struct {
	Agent
	Log    CommitLog
	Role   string
	Logger zerolog.Logger
}

func (r *Recorder) Commit(final []byte) {
	if r.Log != nil {
		c, err := r.Log.Record(r.Role, final)
		if err != nil {
			r.Logger.Error().Err(err).Str("role", r.Role).Msg("commit record failed")
		} else {
			r.Logger.Info().Uint64("seq", c.Seq).Str("role", r.Role).Str("value", c.Value).Msg("commit recorded")
		}
	}
	r.Agent.Commit(final)
}
