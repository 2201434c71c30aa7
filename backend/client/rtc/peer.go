// Package rtc adapts pion/webrtc to the negotiator contracts.
package rtc

import (
	"errors"

	"github.com/adwski/proximity-chat/backend/client/negotiator"
	"github.com/adwski/proximity-chat/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCreatePeerConnection = errors.New("unable to create peer connection")
	ErrConnectionFailed     = errors.New("peer connection state is failed")
)

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []string
	// LocalTrack is captured audio sent to every peer.
	LocalTrack webrtc.TrackLocal
	// Renderer receives remote audio packets, optional.
	Renderer Renderer
}

// Factory creates pion peer connections sharing one API and local track.
type Factory struct {
	logger   zerolog.Logger
	api      *webrtc.API
	config   webrtc.Configuration
	track    webrtc.TrackLocal
	renderer Renderer
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Join(ErrCreatePeerConnection, err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	f := &Factory{
		logger:   cfg.Logger.With().Str("component", "rtc").Logger(),
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		track:    cfg.LocalTrack,
		renderer: cfg.Renderer,
	}
	if len(cfg.ICEServers) > 0 {
		f.config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return f, nil
}

// New implements negotiator.Factory.
func (f *Factory) New(peerID model.PeerID, events negotiator.Events) (negotiator.PeerConnection, error) {
	logger := f.logger.With().Str("peerID", string(peerID)).Logger()

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, errors.Join(ErrCreatePeerConnection, err)
	}

	if f.track != nil {
		sender, err := pc.AddTrack(f.track)
		if err != nil {
			_ = pc.Close()
			return nil, errors.Join(ErrCreatePeerConnection, err)
		}
		// RTCP has to be drained for interceptors to work
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
					return
				}
			}
		}()
	} else {
		if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, errors.Join(ErrCreatePeerConnection, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(candidateFromPion(c.ToJSON()))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || events.OnTrack == nil {
			return
		}
		logger.Debug().Str("codec", track.Codec().MimeType).Msg("remote audio track")
		events.OnTrack(NewTrackSink(peerID, track, f.renderer))
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateFailed && events.OnFailed != nil {
			events.OnFailed(ErrConnectionFailed)
		}
	})

	return &peerConnection{pc: pc}, nil
}

type peerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *peerConnection) CreateOffer() (model.SessionDescription, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return descriptionFromPion(desc), nil
}

func (p *peerConnection) CreateAnswer() (model.SessionDescription, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return descriptionFromPion(desc), nil
}

func (p *peerConnection) SetLocalDescription(desc model.SessionDescription) error {
	return p.pc.SetLocalDescription(descriptionToPion(desc))
}

func (p *peerConnection) SetRemoteDescription(desc model.SessionDescription) error {
	return p.pc.SetRemoteDescription(descriptionToPion(desc))
}

func (p *peerConnection) AddICECandidate(c model.ICECandidate) error {
	return p.pc.AddICECandidate(candidateToPion(c))
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func descriptionFromPion(desc webrtc.SessionDescription) model.SessionDescription {
	return model.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func descriptionToPion(desc model.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

func candidateFromPion(c webrtc.ICECandidateInit) model.ICECandidate {
	return model.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateToPion(c model.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
