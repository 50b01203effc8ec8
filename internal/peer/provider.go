package peer

import "github.com/pion/webrtc/v4"

// Provider is the connection capability a Session drives: description
// exchange, candidate application, and outgoing media. The session constrains
// the call sequence; the provider's internals (ICE/DTLS/SRTP) are opaque.
//
// Callbacks may fire on provider-internal goroutines. Wiring them back into
// single-threaded dispatch is the caller's job.
type Provider interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescriptionSet() bool
	SignalingState() webrtc.SignalingState

	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(webrtc.TrackLocal) error
	SenderTrackIDs() []string

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote))

	Close() error
}

// Factory creates one Provider per peer session.
type Factory func() (Provider, error)
