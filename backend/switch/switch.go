package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrEndpointExists = errors.New("endpoint is already connected")
)

type endpoint struct {
	id   model.PeerID
	wire model.Wire
}

// Switch delivers announcements to connected endpoints. It never interprets payloads.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[model.PeerID]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[model.PeerID]model.Wire),
	}
}

// Disconnect removes endpoint and reports whether it was connected.
func (sw *Switch) Disconnect(id model.PeerID) bool {
	sw.mx.Lock()
	_, ok := sw.fwd[id]
	delete(sw.fwd, id)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().
			Str("endpoint", string(id)).
			Msg("endpoint disconnected")
	}
	return ok
}

func (sw *Switch) Connect(id model.PeerID, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[id]; ok {
		return ErrEndpointExists
	}
	sw.fwd[id] = wire
	sw.logger.Debug().
		Str("endpoint", string(id)).
		Msg("endpoint connected")
	return nil
}

// Connected returns number of connected endpoints.
func (sw *Switch) Connected() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// Has reports whether endpoint is connected.
func (sw *Switch) Has(id model.PeerID) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[id]
	return ok
}

// Broadcast sends announcement to every endpoint except ann.SRC.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement) bool {
	ann.DST = "" // clear dst just in case
	sent := sw.forward(ctx, ann)
	if !sent {
		sw.logger.Debug().
			Str("type", ann.Type).
			Str("src", string(ann.SRC)).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// Forward sends announcement to ann.DST. Announcements for unknown
// destinations are dropped.
func (sw *Switch) Forward(ctx context.Context, ann model.Announcement) bool {
	if ann.DST == "" {
		return false
	}
	return sw.forward(ctx, ann)
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("type", ann.Type).
			Str("src", string(ann.SRC)).Logger()
	)

	if ann.DST == "" {
		// broadcast announce

		sw.mx.RLock()
		targets := make([]endpoint, 0, len(sw.fwd))
		for dst, wire := range sw.fwd {
			if dst != ann.SRC {
				targets = append(targets, endpoint{id: dst, wire: wire})
			}
		}
		sw.mx.RUnlock()

		for _, ep := range targets {
			ann.DST = ep.id
			annSent, canceled := send(ctx, ann, ep.wire.TX, &logger)
			if canceled {
				break
			}
			if annSent {
				sent = true
			}
		}

	} else {
		// send to a particular endpoint

		sw.mx.RLock()
		wire, ok := sw.fwd[ann.DST]
		sw.mx.RUnlock()
		if !ok {
			logger.Debug().Str("dst", string(ann.DST)).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, ann, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", string(ann.DST)).Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Str("dst", string(ann.DST)).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
