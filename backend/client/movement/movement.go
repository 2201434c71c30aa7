// Package movement turns directional input into replicated peer movement.
package movement

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultSpeed = 150.0
)

var (
	ErrUnknownDirection = errors.New("unknown direction")
)

type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return 0, ErrUnknownDirection
}

// Bounds of the play field, positions are clamped to [0, Width] x [0, Height].
type Bounds struct {
	Width  float64
	Height float64
}

func (b Bounds) clamp(p model.Vec2) model.Vec2 {
	p.X = min(max(p.X, 0), b.Width)
	p.Y = min(max(p.Y, 0), b.Height)
	return p
}

// Publisher receives full local movement every time local velocity changes.
type Publisher func(model.Movement)

// Synchronizer owns local movement and the last known movement of every tracked remote peer.
type Synchronizer struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	speed   float64
	bounds  Bounds
	publish Publisher
	local   model.Movement
	remotes map[model.PeerID]model.Movement
}

type Config struct {
	Logger    *zerolog.Logger
	Speed     float64
	Bounds    Bounds
	Publisher Publisher
}

func NewSynchronizer(cfg Config) *Synchronizer {
	speed := cfg.Speed
	if speed <= 0 {
		speed = DefaultSpeed
	}
	publish := cfg.Publisher
	if publish == nil {
		publish = func(model.Movement) {}
	}
	return &Synchronizer{
		logger:  cfg.Logger.With().Str("component", "movement").Logger(),
		mx:      &sync.Mutex{},
		speed:   speed,
		bounds:  cfg.Bounds,
		publish: publish,
		remotes: make(map[model.PeerID]model.Movement),
	}
}

// Press sets velocity on the axis of the direction. Both axes may be active,
// diagonal movement is not normalized.
func (s *Synchronizer) Press(d Direction) {
	s.setVelocity(d, true)
}

// Release zeroes velocity on the axis of the direction.
func (s *Synchronizer) Release(d Direction) {
	s.setVelocity(d, false)
}

func (s *Synchronizer) setVelocity(d Direction, pressed bool) {
	s.mx.Lock()
	v := s.local.Velocity
	switch d {
	case Left, Right:
		v.X = 0
		if pressed && d == Left {
			v.X = -1
		} else if pressed {
			v.X = 1
		}
	case Up, Down:
		v.Y = 0
		if pressed && d == Up {
			v.Y = -1
		} else if pressed {
			v.Y = 1
		}
	default:
		s.mx.Unlock()
		return
	}
	changed := v != s.local.Velocity
	s.local.Velocity = v
	movement := s.local
	s.mx.Unlock()

	if changed {
		s.publish(movement)
	}
}

func (s *Synchronizer) Local() model.Movement {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.local
}

// Track starts following a remote peer movement.
func (s *Synchronizer) Track(id model.PeerID, movement model.Movement) {
	s.mx.Lock()
	s.remotes[id] = movement
	s.mx.Unlock()
}

// ApplyRemote replaces stored movement of a tracked peer (last write wins).
// Updates for untracked peers are ignored.
func (s *Synchronizer) ApplyRemote(id model.PeerID, movement model.Movement) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.remotes[id]; !ok {
		s.logger.Debug().Str("peerID", string(id)).Msg("movement of unknown peer, ignoring")
		return false
	}
	s.remotes[id] = movement
	return true
}

func (s *Synchronizer) Forget(id model.PeerID) {
	s.mx.Lock()
	delete(s.remotes, id)
	s.mx.Unlock()
}

// Step integrates positions of local and tracked peers over dt and reports whether
// any position changed. Clamping is local only and is never published.
func (s *Synchronizer) Step(dt time.Duration) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	var changed bool
	if s.integrate(&s.local, dt) {
		changed = true
	}
	for id, m := range s.remotes {
		if s.integrate(&m, dt) {
			s.remotes[id] = m
			changed = true
		}
	}
	return changed
}

func (s *Synchronizer) integrate(m *model.Movement, dt time.Duration) bool {
	step := s.speed * dt.Seconds()
	pos := s.bounds.clamp(model.Vec2{
		X: m.Position.X + m.Velocity.X*step,
		Y: m.Position.Y + m.Velocity.Y*step,
	})
	if pos == m.Position {
		return false
	}
	m.Position = pos
	return true
}

// Positions returns local position and positions of all tracked peers.
func (s *Synchronizer) Positions() (model.Vec2, map[model.PeerID]model.Vec2) {
	s.mx.Lock()
	defer s.mx.Unlock()

	remotes := make(map[model.PeerID]model.Vec2, len(s.remotes))
	for id, m := range s.remotes {
		remotes[id] = m.Position
	}
	return s.local.Position, remotes
}

// FrameDuration returns tick interval for the given framerate.
func FrameDuration(framerate int) time.Duration {
	if framerate <= 0 {
		framerate = 60
	}
	return time.Second / time.Duration(framerate)
}
