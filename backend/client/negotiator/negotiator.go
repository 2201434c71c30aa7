// Package negotiator drives offer/answer/candidate exchange with a single remote peer.
package negotiator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrConnection         = errors.New("peer connection failed")
	ErrSignal             = errors.New("unable to send signal")
)

type (
	// Sink is audio output of the remote peer, materialized when media arrives.
	Sink interface {
		SetGain(gain float64)
		Close() error
	}

	// PeerConnection is the direct media channel primitive.
	PeerConnection interface {
		CreateOffer() (model.SessionDescription, error)
		CreateAnswer() (model.SessionDescription, error)
		SetLocalDescription(model.SessionDescription) error
		SetRemoteDescription(model.SessionDescription) error
		AddICECandidate(model.ICECandidate) error
		Close() error
	}

	// Events are reported by PeerConnection back to its session.
	Events struct {
		OnLocalCandidate func(model.ICECandidate)
		OnTrack          func(Sink)
		OnFailed         func(error)
	}

	Factory func(peerID model.PeerID, events Events) (PeerConnection, error)

	Signaler interface {
		SendSignal(target model.PeerID, payload model.SignalPayload) error
	}

	Config struct {
		Logger   *zerolog.Logger
		LocalID  model.PeerID
		PeerID   model.PeerID
		Factory  Factory
		Signaler Signaler
		Timeout  time.Duration

		// OnConnected is called once when the session reaches Connected.
		OnConnected func(model.PeerID, Sink)
		// OnClosed is called once when the session reaches Closed, reason is nil for local teardown.
		OnClosed func(model.PeerID, error)
	}
)

// Session is a negotiation with one remote peer. All methods are safe for concurrent use,
// callbacks are invoked without internal locks held.
type Session struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	localID  model.PeerID
	peerID   model.PeerID
	factory  Factory
	signaler Signaler

	state     State
	conn      PeerConnection
	gen       int
	remoteSet bool
	pending   []model.ICECandidate
	seen      map[string]struct{}

	pendingSink Sink
	sink        Sink
	timer       *time.Timer

	onConnected func(model.PeerID, Sink)
	onClosed    func(model.PeerID, error)
	outbox      []func()
}

func NewSession(cfg Config) (*Session, error) {
	s := &Session{
		logger: cfg.Logger.With().
			Str("component", "negotiator").
			Str("peerID", string(cfg.PeerID)).
			Logger(),
		mx:          &sync.Mutex{},
		localID:     cfg.LocalID,
		peerID:      cfg.PeerID,
		factory:     cfg.Factory,
		signaler:    cfg.Signaler,
		seen:        make(map[string]struct{}),
		onConnected: cfg.OnConnected,
		onClosed:    cfg.OnClosed,
	}
	if s.onConnected == nil {
		s.onConnected = func(model.PeerID, Sink) {}
	}
	if s.onClosed == nil {
		s.onClosed = func(model.PeerID, error) {}
	}

	conn, err := s.factory(s.peerID, s.events(0))
	if err != nil {
		return nil, errors.Join(ErrConnection, err)
	}
	s.conn = conn

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s.mx.Lock()
	s.timer = time.AfterFunc(timeout, s.expire)
	s.mx.Unlock()
	return s, nil
}

func (s *Session) PeerID() model.PeerID {
	return s.peerID
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Initiate sends an offer to the remote peer.
func (s *Session) Initiate() error {
	return s.do(func() error {
		if s.state != StateNew {
			return fmt.Errorf("%w: initiate in state %s", ErrInvalidTransition, s.state)
		}
		offer, err := s.conn.CreateOffer()
		if err != nil {
			return s.failLocked(errors.Join(ErrConnection, err))
		}
		if err = s.conn.SetLocalDescription(offer); err != nil {
			return s.failLocked(errors.Join(ErrConnection, err))
		}
		if err = s.signaler.SendSignal(s.peerID, model.OfferPayload(offer)); err != nil {
			return s.failLocked(errors.Join(ErrSignal, err))
		}
		s.setStateLocked(StateOfferSent)
		return nil
	})
}

// HandleSignal applies a signal received from the remote peer.
// Unknown payload kinds are logged and ignored.
func (s *Session) HandleSignal(payload model.SignalPayload) error {
	return s.do(func() error {
		if s.state == StateClosed {
			s.logger.Debug().Str("kind", string(payload.Kind)).Msg("signal for closed session, ignoring")
			return nil
		}
		switch payload.Kind {
		case model.SignalKindOffer:
			if payload.Description == nil {
				s.logger.Warn().Msg("offer without description, ignoring")
				return nil
			}
			return s.receiveOfferLocked(*payload.Description)

		case model.SignalKindAnswer:
			if payload.Description == nil {
				s.logger.Warn().Msg("answer without description, ignoring")
				return nil
			}
			return s.receiveAnswerLocked(*payload.Description)

		case model.SignalKindCandidate:
			if payload.Candidate == nil {
				s.logger.Warn().Msg("candidate signal without candidate, ignoring")
				return nil
			}
			s.addCandidateLocked(*payload.Candidate)

		default:
			s.logger.Warn().Str("kind", string(payload.Kind)).Msg("unknown signal payload type, ignoring")
		}
		return nil
	})
}

// Close tears down the session. Calling it on a closed session is a no-op.
func (s *Session) Close() {
	_ = s.do(func() error {
		s.closeLocked(nil)
		return nil
	})
}

func (s *Session) expire() {
	_ = s.do(func() error {
		if s.state == StateConnected || s.state == StateClosed {
			return nil
		}
		s.logger.Warn().Str("state", s.state.String()).Msg("negotiation stalled")
		s.closeLocked(ErrNegotiationTimeout)
		return nil
	})
}

// do runs fn under the session lock and then runs queued callbacks.
func (s *Session) do(fn func() error) error {
	s.mx.Lock()
	err := fn()
	outbox := s.outbox
	s.outbox = nil
	s.mx.Unlock()

	for _, cb := range outbox {
		cb()
	}
	return err
}

func (s *Session) events(gen int) Events {
	return Events{
		OnLocalCandidate: func(c model.ICECandidate) {
			s.localCandidate(gen, c)
		},
		OnTrack: func(sink Sink) {
			s.mediaEstablished(gen, sink)
		},
		OnFailed: func(err error) {
			_ = s.do(func() error {
				if gen == s.gen {
					s.closeLocked(errors.Join(ErrConnection, err))
				}
				return nil
			})
		},
	}
}

// polite side gives up its own offer on glare.
func (s *Session) polite() bool {
	return s.localID < s.peerID
}

func (s *Session) receiveOfferLocked(desc model.SessionDescription) error {
	switch s.state {
	case StateNew:
	case StateOfferSent:
		if !s.polite() {
			s.logger.Debug().Msg("offer collision, keeping own offer")
			return nil
		}
		s.logger.Debug().Msg("offer collision, accepting remote offer")
		if err := s.resetConnLocked(); err != nil {
			return s.failLocked(err)
		}
	default:
		s.logger.Debug().Str("state", s.state.String()).Msg("unexpected offer, ignoring")
		return nil
	}

	if err := s.conn.SetRemoteDescription(desc); err != nil {
		return s.failLocked(errors.Join(ErrConnection, err))
	}
	s.remoteSet = true
	s.setStateLocked(StateOfferReceived)
	s.flushCandidatesLocked()
	return s.answerLocked()
}

func (s *Session) answerLocked() error {
	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return s.failLocked(errors.Join(ErrConnection, err))
	}
	if err = s.conn.SetLocalDescription(answer); err != nil {
		return s.failLocked(errors.Join(ErrConnection, err))
	}
	if err = s.signaler.SendSignal(s.peerID, model.AnswerPayload(answer)); err != nil {
		return s.failLocked(errors.Join(ErrSignal, err))
	}
	s.setStateLocked(StateAnswered)
	s.promoteSinkLocked()
	return nil
}

func (s *Session) receiveAnswerLocked(desc model.SessionDescription) error {
	if s.state != StateOfferSent {
		s.logger.Debug().Str("state", s.state.String()).Msg("unexpected answer, ignoring")
		return nil
	}
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		return s.failLocked(errors.Join(ErrConnection, err))
	}
	s.remoteSet = true
	s.setStateLocked(StateAnswered)
	s.flushCandidatesLocked()
	s.promoteSinkLocked()
	return nil
}

// addCandidateLocked buffers candidates until remote description is known
// and ignores candidates that were already seen.
func (s *Session) addCandidateLocked(c model.ICECandidate) {
	if _, ok := s.seen[c.Candidate]; ok {
		return
	}
	s.seen[c.Candidate] = struct{}{}

	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	s.applyCandidateLocked(c)
}

func (s *Session) flushCandidatesLocked() {
	for _, c := range s.pending {
		s.applyCandidateLocked(c)
	}
	s.pending = nil
}

func (s *Session) applyCandidateLocked(c model.ICECandidate) {
	if err := s.conn.AddICECandidate(c); err != nil {
		s.logger.Debug().Err(err).Str("candidate", c.Candidate).Msg("failed to add candidate")
	}
}

func (s *Session) localCandidate(gen int, c model.ICECandidate) {
	s.mx.Lock()
	stale := gen != s.gen || s.state == StateClosed
	s.mx.Unlock()
	if stale {
		return
	}
	if err := s.signaler.SendSignal(s.peerID, model.CandidatePayload(c)); err != nil {
		s.logger.Error().Err(err).Msg("failed to send candidate")
	}
}

func (s *Session) mediaEstablished(gen int, sink Sink) {
	var discard bool
	_ = s.do(func() error {
		if gen != s.gen || s.state == StateClosed || s.sink != nil || s.pendingSink != nil {
			discard = true
			return nil
		}
		s.pendingSink = sink
		if s.state == StateAnswered {
			s.promoteSinkLocked()
		}
		return nil
	})
	if discard {
		s.logger.Debug().Msg("extra media track, discarding")
		_ = sink.Close()
	}
}

func (s *Session) promoteSinkLocked() {
	if s.pendingSink == nil || s.state != StateAnswered {
		return
	}
	s.sink, s.pendingSink = s.pendingSink, nil
	s.timer.Stop()
	s.setStateLocked(StateConnected)

	sink := s.sink
	s.outbox = append(s.outbox, func() {
		s.onConnected(s.peerID, sink)
	})
}

func (s *Session) resetConnLocked() error {
	s.releaseLocked(s.conn)
	s.gen++
	conn, err := s.factory(s.peerID, s.events(s.gen))
	if err != nil {
		return errors.Join(ErrConnection, err)
	}
	s.conn = conn
	s.remoteSet = false
	s.setStateLocked(StateNew)
	return nil
}

// releaseLocked closes connection and sinks once the lock is released,
// since connection callbacks may be waiting for it.
func (s *Session) releaseLocked(conn PeerConnection, sinks ...Sink) {
	logger := s.logger
	s.outbox = append(s.outbox, func() {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("failed to close peer connection")
		}
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.Close(); err != nil {
				logger.Debug().Err(err).Msg("failed to close audio sink")
			}
		}
	})
}

func (s *Session) failLocked(err error) error {
	s.closeLocked(err)
	return err
}

func (s *Session) closeLocked(reason error) {
	if s.state == StateClosed {
		return
	}
	s.timer.Stop()
	s.setStateLocked(StateClosed)
	s.gen++
	s.releaseLocked(s.conn, s.sink, s.pendingSink)
	hadSink := s.sink != nil
	s.sink, s.pendingSink, s.pending = nil, nil, nil

	s.logger.Debug().AnErr("reason", reason).Bool("connected", hadSink).Msg("session closed")
	s.outbox = append(s.outbox, func() {
		s.onClosed(s.peerID, reason)
	})
}

func (s *Session) setStateLocked(state State) {
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", state.String()).
		Msg("state transition")
	s.state = state
}
