package rtc

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/proximity-chat/backend/model"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	opusFrameDuration = 20 * time.Millisecond
)

var (
	ErrCaptureUnavailable = errors.New("audio capture is unavailable")

	// single Opus frame encoding silence
	opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}
)

// Renderer plays remote audio packets scaled by gain.
type Renderer func(peerID model.PeerID, pkt *rtp.Packet, gain float64)

// Reading is what Meter observed for one remote peer.
type Reading struct {
	Packets uint64
	Bytes   uint64
	Gain    float64
}

// Meter is a Renderer for headless participants: instead of playback it accounts
// received audio and the gain it would be played at.
type Meter struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	readings map[model.PeerID]Reading
}

func NewMeter(logger *zerolog.Logger) *Meter {
	return &Meter{
		logger:   logger.With().Str("component", "meter").Logger(),
		mx:       &sync.Mutex{},
		readings: make(map[model.PeerID]Reading),
	}
}

// Render satisfies Renderer.
func (m *Meter) Render(peerID model.PeerID, pkt *rtp.Packet, gain float64) {
	m.mx.Lock()
	r, seen := m.readings[peerID]
	r.Packets++
	r.Bytes += uint64(len(pkt.Payload))
	changed := r.Gain != gain
	r.Gain = gain
	m.readings[peerID] = r
	m.mx.Unlock()

	if !seen {
		m.logger.Info().Str("peerID", string(peerID)).Msg("receiving audio")
	} else if changed {
		m.logger.Debug().
			Str("peerID", string(peerID)).
			Float64("gain", gain).
			Msg("playback gain changed")
	}
}

// Readings returns a copy of per-peer readings.
func (m *Meter) Readings() map[model.PeerID]Reading {
	m.mx.Lock()
	defer m.mx.Unlock()
	out := make(map[model.PeerID]Reading, len(m.readings))
	for id, r := range m.readings {
		out[id] = r
	}
	return out
}

// SilenceCapture is a local audio source producing Opus silence. It stands in for
// a microphone on headless participants.
type SilenceCapture struct {
	track *webrtc.TrackLocalStaticSample
}

func NewSilenceCapture(streamID string) (*SilenceCapture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, errors.Join(ErrCaptureUnavailable, err)
	}
	return &SilenceCapture{track: track}, nil
}

func (c *SilenceCapture) Track() webrtc.TrackLocal {
	return c.track
}

// Run writes frames until ctx is done.
func (c *SilenceCapture) Run(ctx context.Context) error {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.track.WriteSample(media.Sample{
				Data:     opusSilenceFrame,
				Duration: opusFrameDuration,
			}); err != nil {
				return errors.Join(ErrCaptureUnavailable, err)
			}
		}
	}
}

// TrackSink consumes remote audio track of one peer.
type TrackSink struct {
	peerID   model.PeerID
	renderer Renderer
	gain     atomic.Uint64
	packets  atomic.Uint64
	closed   atomic.Bool
	once     sync.Once
}

func NewTrackSink(peerID model.PeerID, track *webrtc.TrackRemote, renderer Renderer) *TrackSink {
	s := newSink(peerID, renderer)
	go s.consume(track)
	return s
}

func newSink(peerID model.PeerID, renderer Renderer) *TrackSink {
	s := &TrackSink{
		peerID:   peerID,
		renderer: renderer,
	}
	s.SetGain(1)
	return s
}

func (s *TrackSink) consume(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.deliver(pkt)
	}
}

func (s *TrackSink) deliver(pkt *rtp.Packet) {
	if s.closed.Load() {
		return
	}
	s.packets.Add(1)
	if s.renderer != nil {
		s.renderer(s.peerID, pkt, s.Gain())
	}
}

func (s *TrackSink) SetGain(gain float64) {
	s.gain.Store(math.Float64bits(gain))
}

func (s *TrackSink) Gain() float64 {
	return math.Float64frombits(s.gain.Load())
}

// Packets returns number of packets delivered to renderer.
func (s *TrackSink) Packets() uint64 {
	return s.packets.Load()
}

// Close stops rendering. The track itself ends with its peer connection.
func (s *TrackSink) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
	})
	return nil
}
