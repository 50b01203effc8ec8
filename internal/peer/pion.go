package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds the shared webrtc.API all providers are created from. pion's
// internal logging is routed onto the given slog logger.
func NewAPI(log *slog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: NewSlogLoggerFactory(log),
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewPionFactory returns a Factory producing pion-backed providers with the
// given ICE servers.
func NewPionFactory(api *webrtc.API, iceServers []webrtc.ICEServer) Factory {
	return func() (Provider, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionProvider{pc: pc}, nil
	}
}

type pionProvider struct {
	pc *webrtc.PeerConnection
}

func (p *pionProvider) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionProvider) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionProvider) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionProvider) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionProvider) RemoteDescriptionSet() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionProvider) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionProvider) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionProvider) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionProvider) SenderTrackIDs() []string {
	senders := p.pc.GetSenders()
	ids := make([]string, 0, len(senders))
	for _, sender := range senders {
		if track := sender.Track(); track != nil {
			ids = append(ids, track.ID())
		}
	}
	return ids
}

func (p *pionProvider) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionProvider) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionProvider) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *pionProvider) Close() error {
	return p.pc.Close()
}
