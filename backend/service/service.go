package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrConnect = errors.New("unable to connect")
	ErrReady   = errors.New("unable to announce readiness")
	ErrDecode  = errors.New("unable to decode announcement payload")
	ErrEncode  = errors.New("unable to encode announcement payload")
	ErrGone    = errors.New("peer is no longer connected")
)

type (
	RosterStore interface {
		Insert(id model.PeerID, identity model.Identity) (model.Roster, error)
		UpdateMovement(id model.PeerID, movement model.Movement) error
		Remove(id model.PeerID) bool
		Get(id model.PeerID) (model.PeerRecord, error)
		Snapshot() model.Roster
	}

	Switch interface {
		Connect(id model.PeerID, wire model.Wire) error
		Disconnect(id model.PeerID) bool
		Forward(ctx context.Context, ann model.Announcement) bool
		Broadcast(ctx context.Context, ann model.Announcement) bool
		Connected() int
		Has(id model.PeerID) bool
	}

	// Stats describe hub load. Connections include peers that have not announced ready yet.
	Stats struct {
		Peers       int `json:"peers"`
		Connections int `json:"connections"`
	}

	// Service is the signaling hub. Membership mutations together with the
	// notifications they produce are serialized by mx; signal relay is not.
	Service struct {
		store  RosterStore
		sw     Switch
		logger zerolog.Logger
		mx     *sync.Mutex
		newID  func() model.PeerID
	}

	Config struct {
		RosterStore RosterStore
		Switch      Switch
		Logger      *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RosterStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "hub").Logger(),
		mx:     &sync.Mutex{},
		newID: func() model.PeerID {
			return model.PeerID(uuid.NewString())
		},
	}
}

// CreateSignalingSession allocates peer id for a new transport connection and starts
// processing announcements coming from it. ctx must live as long as the connection.
func (svc *Service) CreateSignalingSession(ctx context.Context, wire model.Wire) (model.PeerID, error) {
	id := svc.newID()
	if err := svc.sw.Connect(id, wire); err != nil {
		return "", errors.Join(ErrConnect, err)
	}

	ann, err := model.NewAnnouncement(model.AnnouncementTypeWelcome, model.Welcome{ID: id})
	if err != nil {
		svc.sw.Disconnect(id)
		return "", errors.Join(ErrEncode, err)
	}
	ann.DST = id
	svc.sw.Forward(ctx, ann)

	svc.logger.Debug().
		Str("peerID", string(id)).
		Msg("signaling session connected")

	go svc.dispatch(ctx, id, wire.RX)
	return id, nil
}

// DeleteSignalingSession removes peer from roster and notifies remaining peers.
// Calling it more than once for the same id is a no-op.
func (svc *Service) DeleteSignalingSession(ctx context.Context, id model.PeerID) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if !svc.sw.Disconnect(id) {
		return nil
	}
	svc.store.Remove(id)

	ann, err := model.NewAnnouncement(model.AnnouncementTypePeerDisconnected, model.PeerDisconnected{ID: id})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	ann.SRC = id
	svc.sw.Broadcast(ctx, ann)

	svc.logger.Debug().
		Str("peerID", string(id)).
		Msg("signaling session deleted")
	return nil
}

// Roster returns a copy of the current roster.
func (svc *Service) Roster() model.Roster {
	return svc.store.Snapshot()
}

// Peer returns roster record of a single ready peer.
func (svc *Service) Peer(id model.PeerID) (model.PeerRecord, error) {
	return svc.store.Get(id)
}

func (svc *Service) Stats() Stats {
	return Stats{
		Peers:       len(svc.store.Snapshot()),
		Connections: svc.sw.Connected(),
	}
}

func (svc *Service) dispatch(ctx context.Context, id model.PeerID, rx <-chan model.Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case ann := <-rx:
			if err := svc.handle(ctx, id, ann); err != nil {
				svc.logger.Warn().Err(err).
					Str("peerID", string(id)).
					Str("type", ann.Type).
					Msg("announcement was not processed")
			}
		}
	}
}

func (svc *Service) handle(ctx context.Context, id model.PeerID, ann model.Announcement) error {
	switch ann.Type {
	case model.AnnouncementTypeReady:
		var identity model.Identity
		if err := ann.Decode(&identity); err != nil {
			return errors.Join(ErrDecode, err)
		}
		return svc.Ready(ctx, id, identity)

	case model.AnnouncementTypeMovementChange:
		var movement model.Movement
		if err := ann.Decode(&movement); err != nil {
			return errors.Join(ErrDecode, err)
		}
		return svc.MovementChange(ctx, id, movement)

	case model.AnnouncementTypeSignal:
		var sig model.OutboundSignal
		if err := ann.Decode(&sig); err != nil {
			return errors.Join(ErrDecode, err)
		}
		return svc.Signal(ctx, id, sig)

	default:
		svc.logger.Warn().
			Str("peerID", string(id)).
			Str("type", ann.Type).
			Msg("unknown announcement type, ignoring")
	}
	return nil
}

// Ready inserts peer into roster and sends the snapshot of other peers to it only.
// Peer that was disconnected while its ready frame was in flight is not inserted.
func (svc *Service) Ready(ctx context.Context, id model.PeerID, identity model.Identity) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if ctx.Err() != nil || !svc.sw.Has(id) {
		return errors.Join(ErrReady, ErrGone)
	}
	others, err := svc.store.Insert(id, identity)
	if err != nil {
		return errors.Join(ErrReady, err)
	}
	ann, err := model.NewAnnouncement(model.AnnouncementTypeRosterSnapshot, others)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	ann.DST = id
	svc.sw.Forward(ctx, ann)

	svc.logger.Debug().
		Str("peerID", string(id)).
		Str("username", identity.Username).
		Int("peers", len(others)).
		Msg("peer is ready")
	return nil
}

// MovementChange updates peer movement and broadcasts it to everyone else.
// Movement of a peer that is not in roster yet is ignored.
func (svc *Service) MovementChange(ctx context.Context, id model.PeerID, movement model.Movement) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if err := svc.store.UpdateMovement(id, movement); err != nil {
		svc.logger.Debug().
			Str("peerID", string(id)).
			Msg("movement change before ready, ignoring")
		return nil
	}
	ann, err := model.NewAnnouncement(model.AnnouncementTypeMovementChange, model.PeerMovement{
		ID:       id,
		Movement: movement,
	})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	ann.SRC = id
	svc.sw.Broadcast(ctx, ann)
	return nil
}

// Signal relays payload to target unchanged with sender record attached.
// Signals for targets that are not connected are dropped.
func (svc *Service) Signal(ctx context.Context, id model.PeerID, sig model.OutboundSignal) error {
	logger := svc.logger.With().
		Str("peerID", string(id)).
		Str("target", string(sig.Target)).
		Logger()

	if sig.Target == "" || sig.Target == id {
		logger.Debug().Msg("signal without valid target, dropping")
		return nil
	}
	sender, err := svc.store.Get(id)
	if err != nil {
		sender = model.PeerRecord{ID: id}
	}
	ann, err := model.NewAnnouncement(model.AnnouncementTypeSignal, model.InboundSignal{
		Sender:  sender,
		Payload: sig.Payload,
	})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	ann.SRC = id
	ann.DST = sig.Target
	if !svc.sw.Forward(ctx, ann) {
		logger.Debug().Msg("signal was dropped, target is not connected")
	}
	return nil
}
