// Package peer owns one negotiation state machine per remote participant.
package peer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// State is the negotiation phase of a session. Transitions are guarded:
// operations invalid for the current state return an error instead of
// executing on faith.
type State int

const (
	// StateNew is the state after construction, before any offer or answer
	// has been sent or applied.
	StateNew State = iota
	// StateNegotiating means an offer is in flight (ours or the peer's).
	StateNegotiating
	// StateConnected means offer/answer completed.
	StateConnected
	// StateRenegotiating means we re-offered on an established session.
	StateRenegotiating
	// StateClosed is terminal. No further message is processed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("peer: session closed")
	// ErrUnexpectedOffer is returned when an offer arrives in a state that
	// cannot accept one.
	ErrUnexpectedOffer = errors.New("peer: offer not valid in current state")
	// ErrUnexpectedAnswer is returned when an answer arrives while none is
	// awaited.
	ErrUnexpectedAnswer = errors.New("peer: answer not valid in current state")
	// ErrNotStable is returned when renegotiation is requested while the
	// underlying negotiation state is not stable.
	ErrNotStable = errors.New("peer: underlying negotiation state not stable")
)

// Session is the per-remote-participant negotiation state machine. It owns
// the Provider handle and the candidate buffer, and is driven by exactly one
// goroutine (the orchestrator's dispatch loop); it does no locking of its
// own.
//
// Methods return the descriptions to be sent rather than sending them, so
// the session stays transport-free.
type Session struct {
	peerID string
	prov   Provider
	log    *slog.Logger

	state State
	buf   candidateBuffer
}

func NewSession(peerID string, prov Provider, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		peerID: peerID,
		prov:   prov,
		log:    log.With("peer", peerID),
		state:  StateNew,
	}
}

func (s *Session) PeerID() string {
	return s.peerID
}

func (s *Session) State() State {
	return s.state
}

// InitiateOffer starts negotiation from the initiator side and returns the
// offer to send. Only legal from StateNew. On failure the session stays in
// StateNew; retrying or tearing down is the caller's decision.
func (s *Session) InitiateOffer() (webrtc.SessionDescription, error) {
	if s.state == StateClosed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	if s.state != StateNew {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: state %s", ErrUnexpectedOffer, s.state)
	}

	offer, err := s.prov.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.prov.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("apply local offer: %w", err)
	}

	s.state = StateNegotiating
	return offer, nil
}

// HandleOffer applies a remote offer and returns the answer to send. Legal
// from StateNew (initial negotiation) and StateConnected (peer-initiated
// renegotiation). Buffered candidates are flushed once the remote
// description is in place.
func (s *Session) HandleOffer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if s.state == StateClosed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	if s.state != StateNew && s.state != StateConnected {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: state %s", ErrUnexpectedOffer, s.state)
	}

	prev := s.state
	s.state = StateNegotiating

	if err := s.prov.SetRemoteDescription(remote); err != nil {
		s.state = prev
		return webrtc.SessionDescription{}, fmt.Errorf("apply remote offer: %w", err)
	}

	answer, err := s.prov.CreateAnswer()
	if err != nil {
		s.state = prev
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.prov.SetLocalDescription(answer); err != nil {
		s.state = prev
		return webrtc.SessionDescription{}, fmt.Errorf("apply local answer: %w", err)
	}

	s.flushCandidates()
	s.state = StateConnected
	return answer, nil
}

// HandleAnswer completes a negotiation we initiated. Legal only while an
// answer is awaited (after InitiateOffer or InitiateRenegotiation).
func (s *Session) HandleAnswer(remote webrtc.SessionDescription) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != StateNegotiating && s.state != StateRenegotiating {
		return fmt.Errorf("%w: state %s", ErrUnexpectedAnswer, s.state)
	}

	if err := s.prov.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}

	s.flushCandidates()
	s.state = StateConnected
	return nil
}

// HandleRemoteCandidate applies a candidate immediately when a remote
// description exists, and buffers it otherwise.
func (s *Session) HandleRemoteCandidate(c webrtc.ICECandidateInit) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if !s.prov.RemoteDescriptionSet() {
		s.buf.push(c)
		s.log.Debug("buffered remote candidate", "pending", s.buf.len())
		return nil
	}
	if err := s.prov.AddICECandidate(c); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// AddLocalTracks attaches any tracks not already present, matched by track
// id. If new tracks were added while the session is connected and stable, a
// renegotiation offer is returned for the caller to send; otherwise the
// returned description is nil.
func (s *Session) AddLocalTracks(tracks []webrtc.TrackLocal) (*webrtc.SessionDescription, error) {
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	existing := make(map[string]struct{})
	for _, id := range s.prov.SenderTrackIDs() {
		existing[id] = struct{}{}
	}

	added := false
	for _, track := range tracks {
		if _, ok := existing[track.ID()]; ok {
			continue
		}
		if err := s.prov.AddTrack(track); err != nil {
			return nil, fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		existing[track.ID()] = struct{}{}
		added = true
	}

	if !added || s.state != StateConnected || s.prov.SignalingState() != webrtc.SignalingStateStable {
		return nil, nil
	}

	offer, err := s.InitiateRenegotiation()
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// InitiateRenegotiation re-runs offer/answer on an established session.
// Legal only from StateConnected with a stable underlying state. On failure
// the session stays connected with its previous descriptions.
func (s *Session) InitiateRenegotiation() (webrtc.SessionDescription, error) {
	if s.state == StateClosed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	if s.state != StateConnected {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: state %s", ErrUnexpectedOffer, s.state)
	}
	if s.prov.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrNotStable
	}

	offer, err := s.prov.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.prov.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("apply local offer: %w", err)
	}

	s.state = StateRenegotiating
	return offer, nil
}

// HandleConnectionState reacts to a provider state change and reports
// whether the session terminated as a result. Disconnection, failure and
// provider close all force StateClosed; the caller tears down observers the
// same way it would for a graceful end.
func (s *Session) HandleConnectionState(state webrtc.PeerConnectionState) (terminated bool) {
	if s.state == StateClosed {
		return false
	}
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		s.log.Info("peer connection lost", "connection_state", state.String())
		_ = s.Close()
		return true
	default:
		return false
	}
}

// BufferedCandidates reports how many remote candidates are parked awaiting
// a remote description.
func (s *Session) BufferedCandidates() int {
	return s.buf.len()
}

// Close releases the provider handle and discards buffered candidates.
// Idempotent; every later operation returns ErrSessionClosed.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.buf.discard()
	return s.prov.Close()
}

func (s *Session) flushCandidates() {
	n := s.buf.len()
	if n == 0 {
		return
	}
	if err := s.buf.flush(s.prov.AddICECandidate); err != nil {
		s.log.Warn("applying buffered candidates failed", "count", n, "err", err)
		return
	}
	s.log.Debug("flushed buffered candidates", "count", n)
}
