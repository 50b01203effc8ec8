package peer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeProvider struct {
	remoteSet bool
	signaling webrtc.SignalingState

	createOfferErr  error
	createAnswerErr error
	setLocalErr     error
	setRemoteErr    error
	addCandidateErr error

	offersCreated int
	applied       []webrtc.ICECandidateInit
	senderTracks  []string
	closed        bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{signaling: webrtc.SignalingStateStable}
}

func (p *fakeProvider) CreateOffer() (webrtc.SessionDescription, error) {
	if p.createOfferErr != nil {
		return webrtc.SessionDescription{}, p.createOfferErr
	}
	p.offersCreated++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offersCreated)}, nil
}

func (p *fakeProvider) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.createAnswerErr != nil {
		return webrtc.SessionDescription{}, p.createAnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakeProvider) SetLocalDescription(webrtc.SessionDescription) error {
	return p.setLocalErr
}

func (p *fakeProvider) SetRemoteDescription(webrtc.SessionDescription) error {
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.remoteSet = true
	return nil
}

func (p *fakeProvider) RemoteDescriptionSet() bool { return p.remoteSet }

func (p *fakeProvider) SignalingState() webrtc.SignalingState { return p.signaling }

func (p *fakeProvider) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.addCandidateErr != nil {
		return p.addCandidateErr
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakeProvider) AddTrack(track webrtc.TrackLocal) error {
	p.senderTracks = append(p.senderTracks, track.ID())
	return nil
}

func (p *fakeProvider) SenderTrackIDs() []string { return p.senderTracks }

func (p *fakeProvider) OnICECandidate(func(webrtc.ICECandidateInit))               {}
func (p *fakeProvider) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (p *fakeProvider) OnTrack(func(*webrtc.TrackRemote))                         {}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func candInit(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 127.0.0.1 9 typ host", n)}
}

func offerDesc() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}

func answerDesc() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
}

func TestSession_OffererFlow(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if s.State() != StateNew {
		t.Fatalf("state=%s, want new", s.State())
	}

	offer, err := s.InitiateOffer()
	if err != nil {
		t.Fatalf("initiate offer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer type=%s", offer.Type)
	}
	if s.State() != StateNegotiating {
		t.Fatalf("state=%s, want negotiating", s.State())
	}

	if err := s.HandleAnswer(answerDesc()); err != nil {
		t.Fatalf("handle answer: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}
}

func TestSession_AnswererFlow(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("alice", prov, nil)

	answer, err := s.HandleOffer(offerDesc())
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type=%s", answer.Type)
	}
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}
}

func TestSession_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if _, err := s.InitiateOffer(); err != nil {
		t.Fatalf("initiate offer: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := s.HandleRemoteCandidate(candInit(i)); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
	}
	if len(prov.applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", prov.applied)
	}
	if s.BufferedCandidates() != 3 {
		t.Fatalf("buffered=%d, want 3", s.BufferedCandidates())
	}

	if err := s.HandleAnswer(answerDesc()); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	if len(prov.applied) != 3 {
		t.Fatalf("applied=%d, want 3", len(prov.applied))
	}
	for i, c := range prov.applied {
		if c != candInit(i+1) {
			t.Fatalf("candidate %d applied out of order: %v", i, c)
		}
	}
	if s.BufferedCandidates() != 0 {
		t.Fatalf("buffer not cleared after flush")
	}

	// With a remote description present, candidates apply immediately.
	if err := s.HandleRemoteCandidate(candInit(4)); err != nil {
		t.Fatalf("late candidate: %v", err)
	}
	if len(prov.applied) != 4 {
		t.Fatalf("applied=%d, want 4", len(prov.applied))
	}
}

func TestSession_StateGuards(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if err := s.HandleAnswer(answerDesc()); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("answer in new state: err=%v, want ErrUnexpectedAnswer", err)
	}

	if _, err := s.InitiateOffer(); err != nil {
		t.Fatalf("initiate offer: %v", err)
	}
	if _, err := s.InitiateOffer(); !errors.Is(err, ErrUnexpectedOffer) {
		t.Fatalf("second initiate: err=%v, want ErrUnexpectedOffer", err)
	}
	if _, err := s.HandleOffer(offerDesc()); !errors.Is(err, ErrUnexpectedOffer) {
		t.Fatalf("offer while negotiating: err=%v, want ErrUnexpectedOffer", err)
	}
	if _, err := s.InitiateRenegotiation(); !errors.Is(err, ErrUnexpectedOffer) {
		t.Fatalf("renegotiate while negotiating: err=%v, want ErrUnexpectedOffer", err)
	}
}

func TestSession_InitiateOfferFailureStaysNew(t *testing.T) {
	prov := newFakeProvider()
	prov.createOfferErr = errors.New("boom")
	s := NewSession("bob", prov, nil)

	if _, err := s.InitiateOffer(); err == nil {
		t.Fatalf("expected error")
	}
	if s.State() != StateNew {
		t.Fatalf("state=%s, want new after failed offer", s.State())
	}

	// A retry after the fault clears succeeds from the same state.
	prov.createOfferErr = nil
	if _, err := s.InitiateOffer(); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSession_HandleOfferFailureRestoresState(t *testing.T) {
	prov := newFakeProvider()
	prov.setRemoteErr = errors.New("boom")
	s := NewSession("alice", prov, nil)

	if _, err := s.HandleOffer(offerDesc()); err == nil {
		t.Fatalf("expected error")
	}
	if s.State() != StateNew {
		t.Fatalf("state=%s, want new", s.State())
	}
}

func TestSession_AddLocalTracksIdempotent(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio0", "local")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video0", "local")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	tracks := []webrtc.TrackLocal{audio, video}

	if _, err := s.AddLocalTracks(tracks); err != nil {
		t.Fatalf("add tracks: %v", err)
	}
	if len(prov.senderTracks) != 2 {
		t.Fatalf("senders=%v, want 2 tracks", prov.senderTracks)
	}

	if _, err := s.AddLocalTracks(tracks); err != nil {
		t.Fatalf("re-add tracks: %v", err)
	}
	if len(prov.senderTracks) != 2 {
		t.Fatalf("senders=%v, duplicate tracks were added", prov.senderTracks)
	}
}

func TestSession_RenegotiationGating(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio0", "local")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}

	// Adding tracks before negotiation must not re-offer.
	offer, err := s.AddLocalTracks([]webrtc.TrackLocal{audio})
	if err != nil {
		t.Fatalf("add tracks: %v", err)
	}
	if offer != nil {
		t.Fatalf("renegotiation offered in new state")
	}

	if _, err := s.InitiateOffer(); err != nil {
		t.Fatalf("initiate offer: %v", err)
	}
	if err := s.HandleAnswer(answerDesc()); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	// Re-adding the same track while connected must not re-offer.
	offer, err = s.AddLocalTracks([]webrtc.TrackLocal{audio})
	if err != nil {
		t.Fatalf("re-add tracks: %v", err)
	}
	if offer != nil {
		t.Fatalf("renegotiation offered with no new tracks")
	}

	// A genuinely new track while connected and stable re-offers exactly once.
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video0", "local")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	offer, err = s.AddLocalTracks([]webrtc.TrackLocal{audio, video})
	if err != nil {
		t.Fatalf("add new track: %v", err)
	}
	if offer == nil {
		t.Fatalf("expected renegotiation offer")
	}
	if s.State() != StateRenegotiating {
		t.Fatalf("state=%s, want renegotiating", s.State())
	}

	if err := s.HandleAnswer(answerDesc()); err != nil {
		t.Fatalf("renegotiation answer: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected after renegotiation", s.State())
	}
}

func TestSession_RenegotiationRequiresStableSignaling(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if _, err := s.InitiateOffer(); err != nil {
		t.Fatalf("initiate offer: %v", err)
	}
	if err := s.HandleAnswer(answerDesc()); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	prov.signaling = webrtc.SignalingStateHaveLocalOffer
	if _, err := s.InitiateRenegotiation(); !errors.Is(err, ErrNotStable) {
		t.Fatalf("err=%v, want ErrNotStable", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}
}

func TestSession_RemoteRenegotiationViaOffer(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("alice", prov, nil)

	if _, err := s.HandleOffer(offerDesc()); err != nil {
		t.Fatalf("initial offer: %v", err)
	}
	if _, err := s.HandleOffer(offerDesc()); err != nil {
		t.Fatalf("renegotiation offer: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}
}

func TestSession_ConnectionLossForcesClose(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if terminated := s.HandleConnectionState(webrtc.PeerConnectionStateConnecting); terminated {
		t.Fatalf("connecting must not terminate the session")
	}
	if terminated := s.HandleConnectionState(webrtc.PeerConnectionStateFailed); !terminated {
		t.Fatalf("failed must terminate the session")
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if !prov.closed {
		t.Fatalf("provider not released")
	}

	// A late state change after close is inert.
	if terminated := s.HandleConnectionState(webrtc.PeerConnectionStateDisconnected); terminated {
		t.Fatalf("closed session reported a second termination")
	}
}

func TestSession_CloseIsIdempotentAndTerminal(t *testing.T) {
	prov := newFakeProvider()
	s := NewSession("bob", prov, nil)

	if err := s.HandleRemoteCandidate(candInit(1)); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.BufferedCandidates() != 0 {
		t.Fatalf("buffered candidates survive close")
	}

	if _, err := s.InitiateOffer(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("offer after close: err=%v", err)
	}
	if _, err := s.HandleOffer(offerDesc()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("handle offer after close: err=%v", err)
	}
	if err := s.HandleAnswer(answerDesc()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("handle answer after close: err=%v", err)
	}
	if err := s.HandleRemoteCandidate(candInit(2)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("candidate after close: err=%v", err)
	}
	if _, err := s.AddLocalTracks(nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("add tracks after close: err=%v", err)
	}
}
