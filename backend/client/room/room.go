// Package room ties hub announcements, per-peer negotiations, movement and mixing together
// on the participant side.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/client/mixer"
	"github.com/adwski/proximity-chat/backend/client/movement"
	"github.com/adwski/proximity-chat/backend/client/negotiator"
	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrHubDisconnected = errors.New("hub connection is lost")
	ErrJoin            = errors.New("unable to join room")
)

type (
	// Signaler is the hub connection as seen by the room.
	Signaler interface {
		negotiator.Signaler
		Ready(model.Identity) error
		SendMovement(model.Movement) error
	}

	Config struct {
		Logger             *zerolog.Logger
		Identity           model.Identity
		Signaler           Signaler
		Factory            negotiator.Factory
		NegotiationTimeout time.Duration
		ProximityFactor    float64
		Speed              float64
		Bounds             movement.Bounds
		Framerate          int
	}

	// Peer is a remote participant as known locally.
	Peer struct {
		model.PeerRecord
		State negotiator.State
		Level mixer.Level
	}
)

// Room is the participant side of the chat. Announcements must be fed by a single goroutine,
// either via Run or Handle.
type Room struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	identity model.Identity
	signaler Signaler
	factory  negotiator.Factory
	timeout  time.Duration
	frame    time.Duration

	localID  model.PeerID
	peers    map[model.PeerID]model.PeerRecord
	sessions map[model.PeerID]*negotiator.Session
	// ids are never reused by hub, late signals of departed peers are dropped
	departed map[model.PeerID]struct{}

	movement *movement.Synchronizer
	mixer    *mixer.Mixer
}

func New(cfg Config) *Room {
	r := &Room{
		logger:   cfg.Logger.With().Str("component", "room").Logger(),
		mx:       &sync.Mutex{},
		identity: cfg.Identity,
		signaler: cfg.Signaler,
		factory:  cfg.Factory,
		timeout:  cfg.NegotiationTimeout,
		frame:    movement.FrameDuration(cfg.Framerate),
		peers:    make(map[model.PeerID]model.PeerRecord),
		sessions: make(map[model.PeerID]*negotiator.Session),
		departed: make(map[model.PeerID]struct{}),
		mixer: mixer.New(mixer.Config{
			Logger:          cfg.Logger,
			ProximityFactor: cfg.ProximityFactor,
		}),
	}
	r.movement = movement.NewSynchronizer(movement.Config{
		Logger:    cfg.Logger,
		Speed:     cfg.Speed,
		Bounds:    cfg.Bounds,
		Publisher: r.publishMovement,
	})
	return r
}

// Run processes announcements and advances movement every frame until ctx is done
// or incoming channel is closed.
func (r *Room) Run(ctx context.Context, incoming <-chan model.Announcement) error {
	ticker := time.NewTicker(r.frame)
	defer func() {
		ticker.Stop()
		r.Close()
	}()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ann, ok := <-incoming:
			if !ok {
				return ErrHubDisconnected
			}
			if err := r.Handle(ann); err != nil {
				return err
			}
		case now := <-ticker.C:
			r.Tick(now.Sub(last))
			last = now
		}
	}
}

// Handle applies single hub announcement. Only failure to join is returned,
// everything else is logged and skipped.
func (r *Room) Handle(ann model.Announcement) error {
	logger := r.logger.With().Str("type", ann.Type).Logger()

	switch ann.Type {
	case model.AnnouncementTypeWelcome:
		var welcome model.Welcome
		if err := ann.Decode(&welcome); err != nil {
			return errors.Join(ErrJoin, err)
		}
		return r.welcome(welcome.ID)

	case model.AnnouncementTypeRosterSnapshot:
		var roster model.Roster
		if err := ann.Decode(&roster); err != nil {
			logger.Error().Err(err).Msg("failed to decode roster snapshot")
			return nil
		}
		r.rosterSnapshot(roster)

	case model.AnnouncementTypeSignal:
		var sig model.InboundSignal
		if err := ann.Decode(&sig); err != nil {
			logger.Error().Err(err).Msg("failed to decode signal")
			return nil
		}
		r.signal(sig)

	case model.AnnouncementTypeMovementChange:
		var pm model.PeerMovement
		if err := ann.Decode(&pm); err != nil {
			logger.Error().Err(err).Msg("failed to decode movement")
			return nil
		}
		r.movementChange(pm)

	case model.AnnouncementTypePeerDisconnected:
		var pd model.PeerDisconnected
		if err := ann.Decode(&pd); err != nil {
			logger.Error().Err(err).Msg("failed to decode peer disconnect")
			return nil
		}
		r.peerDisconnected(pd.ID)

	default:
		logger.Debug().Msg("unknown announcement type, ignoring")
	}
	return nil
}

func (r *Room) welcome(id model.PeerID) error {
	r.mx.Lock()
	r.localID = id
	r.mx.Unlock()

	r.logger.Info().Str("peerID", string(id)).Msg("joined hub")
	if err := r.signaler.Ready(r.identity); err != nil {
		return errors.Join(ErrJoin, err)
	}
	return nil
}

// rosterSnapshot starts negotiation with every peer that was present before us.
func (r *Room) rosterSnapshot(roster model.Roster) {
	var initiate []*negotiator.Session
	r.mx.Lock()
	for id, rec := range roster {
		if id == r.localID {
			continue
		}
		r.upsertPeerLocked(rec)
		if _, ok := r.sessions[id]; ok {
			continue
		}
		if s := r.createSessionLocked(id); s != nil {
			initiate = append(initiate, s)
		}
	}
	r.mx.Unlock()

	r.logger.Debug().Int("peers", len(roster)).Msg("got roster snapshot")
	for _, s := range initiate {
		if err := s.Initiate(); err != nil {
			r.logger.Error().Err(err).Str("peerID", string(s.PeerID())).Msg("failed to initiate negotiation")
		}
	}
}

// signal routes negotiation payload to the session of the sender, creating one if needed.
func (r *Room) signal(sig model.InboundSignal) {
	sender := sig.Sender
	logger := r.logger.With().Str("peerID", string(sender.ID)).Logger()

	payload, err := model.ParseSignalPayload(sig.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed signal payload, ignoring")
		return
	}

	r.mx.Lock()
	if sender.ID == "" || sender.ID == r.localID {
		r.mx.Unlock()
		logger.Debug().Msg("signal without valid sender, ignoring")
		return
	}
	if _, gone := r.departed[sender.ID]; gone {
		r.mx.Unlock()
		logger.Debug().Msg("signal from departed peer, ignoring")
		return
	}
	r.upsertPeerLocked(sender)
	s, ok := r.sessions[sender.ID]
	if !ok {
		s = r.createSessionLocked(sender.ID)
	}
	r.mx.Unlock()

	if s == nil {
		return
	}
	if err = s.HandleSignal(payload); err != nil {
		logger.Error().Err(err).Msg("failed to handle signal")
	}
}

func (r *Room) movementChange(pm model.PeerMovement) {
	r.mx.Lock()
	if pm.ID == r.localID {
		r.mx.Unlock()
		return
	}
	if rec, ok := r.peers[pm.ID]; ok {
		rec.Movement = pm.Movement
		r.peers[pm.ID] = rec
	}
	r.mx.Unlock()

	if r.movement.ApplyRemote(pm.ID, pm.Movement) {
		r.mixer.MarkDirty()
	}
}

func (r *Room) peerDisconnected(id model.PeerID) {
	r.mx.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	delete(r.peers, id)
	r.departed[id] = struct{}{}
	r.mx.Unlock()

	if s != nil {
		s.Close()
	}
	r.movement.Forget(id)
	r.mixer.Detach(id)
	r.logger.Debug().Str("peerID", string(id)).Msg("peer left")
}

// Press and Release steer local avatar.
func (r *Room) Press(d movement.Direction) {
	r.movement.Press(d)
}

func (r *Room) Release(d movement.Direction) {
	r.movement.Release(d)
}

// Tick advances positions by dt and recomputes gains if anything moved.
func (r *Room) Tick(dt time.Duration) {
	if r.movement.Step(dt) {
		r.mixer.MarkDirty()
	}
	local, positions := r.movement.Positions()
	r.mixer.Mix(local, positions)
}

func (r *Room) LocalID() model.PeerID {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.localID
}

func (r *Room) Local() model.Movement {
	return r.movement.Local()
}

// Peers returns known remote participants with their negotiation state and audio level.
func (r *Room) Peers() map[model.PeerID]Peer {
	levels := r.mixer.Levels()
	_, positions := r.movement.Positions()

	r.mx.Lock()
	defer r.mx.Unlock()

	peers := make(map[model.PeerID]Peer, len(r.peers))
	for id, rec := range r.peers {
		if pos, ok := positions[id]; ok {
			rec.Movement.Position = pos
		}
		p := Peer{PeerRecord: rec, State: negotiator.StateClosed, Level: levels[id]}
		if s, ok := r.sessions[id]; ok {
			p.State = s.State()
		}
		peers[id] = p
	}
	return peers
}

// Close tears down all negotiations.
func (r *Room) Close() {
	r.mx.Lock()
	sessions := r.sessions
	r.sessions = make(map[model.PeerID]*negotiator.Session)
	r.mx.Unlock()

	for id, s := range sessions {
		s.Close()
		r.mixer.Detach(id)
	}
}

func (r *Room) publishMovement(m model.Movement) {
	if err := r.signaler.SendMovement(m); err != nil {
		r.logger.Error().Err(err).Msg("failed to publish movement")
	}
}

func (r *Room) upsertPeerLocked(rec model.PeerRecord) {
	if _, ok := r.peers[rec.ID]; ok {
		return
	}
	r.peers[rec.ID] = rec
	r.movement.Track(rec.ID, rec.Movement)
}

func (r *Room) createSessionLocked(id model.PeerID) *negotiator.Session {
	var s *negotiator.Session
	s, err := negotiator.NewSession(negotiator.Config{
		Logger:   &r.logger,
		LocalID:  r.localID,
		PeerID:   id,
		Factory:  r.factory,
		Signaler: r.signaler,
		Timeout:  r.timeout,
		OnConnected: func(id model.PeerID, sink negotiator.Sink) {
			r.sessionConnected(id, &s, sink)
		},
		OnClosed: func(id model.PeerID, reason error) {
			r.sessionClosed(id, &s, reason)
		},
	})
	if err != nil {
		r.logger.Error().Err(err).Str("peerID", string(id)).Msg("failed to create negotiation")
		return nil
	}
	r.sessions[id] = s
	return s
}

// sessionConnected attaches sink to the mixer only if the session is still current.
// Attach happens under room lock, so a concurrent teardown detaches after it.
func (r *Room) sessionConnected(id model.PeerID, s **negotiator.Session, sink negotiator.Sink) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if current, ok := r.sessions[id]; !ok || current != *s {
		r.logger.Debug().Str("peerID", string(id)).Msg("stale session connected, ignoring")
		return
	}
	r.mixer.Attach(id, sink)
	r.logger.Info().Str("peerID", string(id)).Msg("audio connected")
}

// sessionClosed forgets the session if it is still current, so the next signal from
// the same peer starts a fresh negotiation. Session pointer is assigned under room lock
// after construction, so it is dereferenced under the same lock.
func (r *Room) sessionClosed(id model.PeerID, s **negotiator.Session, reason error) {
	r.mx.Lock()
	current, ok := r.sessions[id]
	if !ok || current != *s {
		r.mx.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mx.Unlock()

	r.mixer.Detach(id)
	if reason != nil {
		r.logger.Warn().Err(reason).Str("peerID", string(id)).Msg("negotiation closed")
	}
}
