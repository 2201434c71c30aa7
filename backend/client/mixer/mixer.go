// Package mixer scales remote participants' audio by simulated distance.
package mixer

import (
	"math"
	"sync"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

// DefaultProximityFactor is distance units per percentage point of volume.
const DefaultProximityFactor = 5.0

// Sink is rendered audio output of one remote peer.
type Sink interface {
	SetGain(gain float64)
}

// Attenuation returns volume scale in [0, 1] for the given distance.
func Attenuation(distance, proximityFactor float64) float64 {
	if proximityFactor <= 0 {
		proximityFactor = DefaultProximityFactor
	}
	percentage := 100 - distance/proximityFactor
	return math.Max(0, math.Min(100, percentage)) / 100
}

func Distance(a, b model.Vec2) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Level is the mix result for one peer. LineOpacity is meant for renderers
// drawing a line between local and remote peer.
type Level struct {
	Gain        float64
	LineOpacity float64
}

type Mixer struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	factor float64
	sinks  map[model.PeerID]Sink
	levels map[model.PeerID]Level
	dirty  bool
}

type Config struct {
	Logger          *zerolog.Logger
	ProximityFactor float64
}

func New(cfg Config) *Mixer {
	factor := cfg.ProximityFactor
	if factor <= 0 {
		factor = DefaultProximityFactor
	}
	return &Mixer{
		logger: cfg.Logger.With().Str("component", "mixer").Logger(),
		mx:     &sync.Mutex{},
		factor: factor,
		sinks:  make(map[model.PeerID]Sink),
		levels: make(map[model.PeerID]Level),
		dirty:  true,
	}
}

// Attach materializes audio sink for a peer. Only peers with sinks take part in the mix.
func (m *Mixer) Attach(id model.PeerID, sink Sink) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.sinks[id] = sink
	m.dirty = true
}

// Detach removes peer sink, unknown ids are ignored.
func (m *Mixer) Detach(id model.PeerID) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.sinks[id]; !ok {
		return
	}
	delete(m.sinks, id)
	delete(m.levels, id)
	m.dirty = true
}

// Attached reports whether peer has a sink in the mix.
func (m *Mixer) Attached(id model.PeerID) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	_, ok := m.sinks[id]
	return ok
}

// MarkDirty requests recompute on the next Mix call.
func (m *Mixer) MarkDirty() {
	m.mx.Lock()
	m.dirty = true
	m.mx.Unlock()
}

// Mix applies gains to all attached sinks if anything changed since the last mix.
// It reports whether recompute happened.
func (m *Mixer) Mix(local model.Vec2, positions map[model.PeerID]model.Vec2) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	if !m.dirty {
		return false
	}
	m.dirty = false

	for id, sink := range m.sinks {
		pos, ok := positions[id]
		if !ok {
			m.logger.Debug().Str("peerID", string(id)).Msg("peer position is missing")
			continue
		}
		gain := Attenuation(Distance(local, pos), m.factor)
		sink.SetGain(gain)
		m.levels[id] = Level{Gain: gain, LineOpacity: gain}
	}
	return true
}

// Levels returns the last computed levels.
func (m *Mixer) Levels() map[model.PeerID]Level {
	m.mx.Lock()
	defer m.mx.Unlock()

	levels := make(map[model.PeerID]Level, len(m.levels))
	for id, lvl := range m.levels {
		levels[id] = lvl
	}
	return levels
}
