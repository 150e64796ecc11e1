package server

import (
	"sync"

	"github.com/danmuck/gdnp/internal/protocol"
	"github.com/danmuck/gdnp/internal/protocol/option"
)

// startWatchdog sends a WAIT every processing timeout while the session
// stays in PROCESSING. The returned stop func is idempotent and returns
// only after the watchdog has exited, so no WAIT can follow the reply.
func (s *Session) startWatchdog() func() {
	stopCh := make(chan struct{})
	exited := make(chan struct{})

	wait, err := option.NewWaitingTime(s.timing.wait).ToBits()
	if err != nil {
		s.logger.Error().Err(err).Msg("waiting time encode failed")
	}

	go func() {
		defer close(exited)
		for {
			timer := s.clock.NewTimer(s.timing.processing)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-timer.C():
			}
			if s.State() != StateProcessing {
				return
			}
			if err := s.send(protocol.KindWait, wait); err != nil {
				s.logger.Warn().Err(err).Msg("wait send failed")
				continue
			}
			s.logger.Debug().Dur("waiting_time", s.timing.wait).Msg("wait sent")
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-exited
		})
	}
}
