// Package call coordinates one mesh call: it tracks room membership, owns
// the per-peer negotiation sessions, and drives the offer/answer/candidate
// exchange over the signaling transport.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"meshcall/internal/membership"
	"meshcall/internal/peer"
	"meshcall/internal/signaling"
	"meshcall/internal/status"
)

// Initiates reports whether localID is the designated offer initiator toward
// peerID. Both ends evaluate the same pure rule, so exactly one side offers
// when a pairing is discovered symmetrically: the lexicographically smaller
// id initiates, the other waits for the offer.
func Initiates(localID, peerID string) bool {
	return localID < peerID
}

// ErrTransportLost is returned by Run when the signaling channel drops.
// The whole call is over at that point; every session has been closed.
var ErrTransportLost = errors.New("call: signaling transport lost")

// Transport is the duplex signaling channel to the relay.
type Transport interface {
	Send(signaling.Envelope) error
	Close() error
}

// Observer receives presentation-layer callbacks keyed by participant id.
// It is notified, never queried. All methods are invoked from the
// orchestrator's dispatch goroutine and must not block.
type Observer interface {
	PeerAdded(peerID string)
	PeerRemoved(peerID string)
	// CallEnded marks a peer as gone for cause: an end message or a
	// connection failure. The two are not distinguished here.
	CallEnded(peerID string)
	StatusChanged(peerID string, st status.Status)
	TrackReceived(peerID string, track *webrtc.TrackRemote)
	// Disconnected reports loss of the signaling transport. The call cannot
	// continue; the user has to rejoin.
	Disconnected()
}

// NopObserver is an Observer that ignores everything.
type NopObserver struct{}

func (NopObserver) PeerAdded(string)                        {}
func (NopObserver) PeerRemoved(string)                      {}
func (NopObserver) CallEnded(string)                        {}
func (NopObserver) StatusChanged(string, status.Status)     {}
func (NopObserver) TrackReceived(string, *webrtc.TrackRemote) {}
func (NopObserver) Disconnected()                           {}

type Config struct {
	RoomID  string
	LocalID string

	Transport   Transport
	NewProvider peer.Factory

	// LocalTracks are attached to every session before negotiation. More can
	// arrive later via AddLocalTracks.
	LocalTracks []webrtc.TrackLocal

	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator is the top-level coordinator for one room. All state (the
// peers map, the membership set, statuses) is mutated only by the dispatch
// goroutine inside Run; external entry points post onto that goroutine, so
// no two handlers ever interleave their effects on a session.
type Orchestrator struct {
	roomID  string
	localID string

	transport   Transport
	newProvider peer.Factory
	obs         Observer
	log         *slog.Logger

	tracker  *membership.Tracker
	statuses *status.Broadcaster
	peers    map[string]*peer.Session
	tracks   []webrtc.TrackLocal

	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.RoomID == "" || cfg.LocalID == "" {
		return nil, fmt.Errorf("call: room id and local id are required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("call: transport is required")
	}
	if cfg.NewProvider == nil {
		return nil, fmt.Errorf("call: provider factory is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		roomID:      cfg.RoomID,
		localID:     cfg.LocalID,
		transport:   cfg.Transport,
		newProvider: cfg.NewProvider,
		obs:         cfg.Observer,
		log:         cfg.Logger.With("room", cfg.RoomID, "local_id", cfg.LocalID),
		tracker:     membership.NewTracker(cfg.LocalID),
		statuses:    status.NewBroadcaster(),
		peers:       make(map[string]*peer.Session),
		tracks:      cfg.LocalTracks,
		events:      make(chan func(), 16),
		done:        make(chan struct{}),
	}, nil
}

// Run announces presence and dispatches until the call ends: Hangup, context
// cancellation, or transport loss. It processes one inbound envelope or one
// posted event at a time.
func (o *Orchestrator) Run(ctx context.Context, incoming <-chan signaling.Envelope) error {
	o.log.Info("joining room")
	if err := o.transport.Send(signaling.NewJoin(o.localID)); err != nil {
		o.shutdown(false)
		return fmt.Errorf("announce join: %w", err)
	}

	for {
		select {
		case <-o.done:
			return nil
		case <-ctx.Done():
			o.shutdown(true)
			return ctx.Err()
		case env, ok := <-incoming:
			if !ok {
				o.log.Warn("signaling transport lost")
				o.shutdown(false)
				o.obs.Disconnected()
				return ErrTransportLost
			}
			o.handleEnvelope(env)
		case fn := <-o.events:
			fn()
		}
	}
}

// Hangup ends the call: every active session is closed, an end envelope is
// emitted per session, and the transport is shut. Safe to call more than
// once and from any goroutine.
func (o *Orchestrator) Hangup() {
	o.post(func() {
		o.log.Info("hanging up")
		o.shutdown(true)
	})
}

// SetLocalStatus updates local mute/camera flags and broadcasts the complete
// resulting status.
func (o *Orchestrator) SetLocalStatus(u status.Update) {
	o.post(func() {
		full := o.statuses.SetLocal(u)
		o.send(signaling.NewStatus(o.localID, full.Muted, full.CameraOff))
	})
}

// AddLocalTracks attaches tracks to every session, skipping ones already
// present, and renegotiates the sessions where something new was added.
func (o *Orchestrator) AddLocalTracks(tracks []webrtc.TrackLocal) {
	o.post(func() {
		existing := make(map[string]struct{}, len(o.tracks))
		for _, t := range o.tracks {
			existing[t.ID()] = struct{}{}
		}
		for _, t := range tracks {
			if _, ok := existing[t.ID()]; ok {
				continue
			}
			o.tracks = append(o.tracks, t)
			existing[t.ID()] = struct{}{}
		}

		for id, sess := range o.peers {
			offer, err := sess.AddLocalTracks(o.tracks)
			if err != nil {
				o.log.Warn("adding tracks failed", "peer", id, "err", err)
				continue
			}
			if offer != nil {
				o.send(signaling.NewOffer(o.localID, id, *offer))
			}
		}
	})
}

// post hands fn to the dispatch goroutine. After shutdown it is discarded.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.done:
	}
}

func (o *Orchestrator) shutdown(sendEnd bool) {
	o.stopOnce.Do(func() {
		for id, sess := range o.peers {
			_ = sess.Close()
			if sendEnd {
				o.send(signaling.NewEnd(o.localID, id))
			}
		}
		o.peers = make(map[string]*peer.Session)
		_ = o.transport.Close()
		close(o.done)
	})
}

func (o *Orchestrator) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeUsersInRoom:
		o.handleMembership(env.Users)

	case signaling.TypeOffer:
		o.handleOffer(env)

	case signaling.TypeAnswer:
		o.handleAnswer(env)

	case signaling.TypeICE:
		o.handleCandidate(env)

	case signaling.TypeEnd:
		if env.EndedBy == o.localID {
			// Echo of our own broadcast.
			return
		}
		o.dropPeer(env.EndedBy, true)

	case signaling.TypeStatus:
		if env.From == o.localID {
			return
		}
		merged := o.statuses.ApplyRemote(env.From, status.Update{Muted: env.Muted, CameraOff: env.CameraOff})
		o.obs.StatusChanged(env.From, merged)

	case signaling.TypeJoin:
		// Relay-bound; nothing to do on the client.

	default:
		o.log.Warn("dropping envelope with unknown tag", "type", env.Type)
	}
}

func (o *Orchestrator) handleMembership(users []string) {
	joined, left := o.tracker.Apply(users)

	for _, id := range left {
		o.log.Info("peer left room", "peer", id)
		o.dropPeer(id, false)
	}

	for _, id := range joined {
		o.log.Info("peer joined room", "peer", id)
		o.obs.PeerAdded(id)

		sess, err := o.ensureSession(id)
		if err != nil {
			o.log.Warn("creating session failed", "peer", id, "err", err)
			continue
		}

		if !Initiates(o.localID, id) {
			continue
		}
		offer, err := sess.InitiateOffer()
		if err != nil {
			// Non-fatal; the session stays new for a later retry or teardown.
			o.log.Warn("initiating offer failed", "peer", id, "err", err)
			continue
		}
		o.send(signaling.NewOffer(o.localID, id, offer))
	}
}

func (o *Orchestrator) handleOffer(env signaling.Envelope) {
	desc, err := env.Offer.ToDescription()
	if err != nil {
		o.log.Warn("dropping offer with bad sdp", "peer", env.From, "err", err)
		return
	}

	sess, ok := o.peers[env.From]
	if !ok {
		o.obs.PeerAdded(env.From)
		sess, err = o.ensureSession(env.From)
		if err != nil {
			o.log.Warn("creating session failed", "peer", env.From, "err", err)
			return
		}
	}

	answer, err := sess.HandleOffer(desc)
	if err != nil {
		o.log.Warn("handling offer failed", "peer", env.From, "err", err)
		return
	}
	o.send(signaling.NewAnswer(o.localID, env.From, answer))
}

func (o *Orchestrator) handleAnswer(env signaling.Envelope) {
	sess, ok := o.peers[env.From]
	if !ok {
		o.log.Debug("dropping answer with no session", "peer", env.From)
		return
	}
	desc, err := env.Answer.ToDescription()
	if err != nil {
		o.log.Warn("dropping answer with bad sdp", "peer", env.From, "err", err)
		return
	}
	if err := sess.HandleAnswer(desc); err != nil {
		o.log.Warn("handling answer failed", "peer", env.From, "err", err)
	}
}

func (o *Orchestrator) handleCandidate(env signaling.Envelope) {
	sess, ok := o.peers[env.From]
	if !ok {
		o.log.Debug("dropping candidate with no session", "peer", env.From)
		return
	}
	if err := sess.HandleRemoteCandidate(env.Candidate.ToInit()); err != nil {
		o.log.Warn("handling candidate failed", "peer", env.From, "err", err)
	}
}

// ensureSession lazily creates the session for id and wires the provider's
// callbacks back onto the dispatch goroutine. Callbacks captured for a
// session that has since been torn down find the peers map changed and do
// nothing.
func (o *Orchestrator) ensureSession(id string) (*peer.Session, error) {
	if sess, ok := o.peers[id]; ok {
		return sess, nil
	}

	prov, err := o.newProvider()
	if err != nil {
		return nil, fmt.Errorf("new provider: %w", err)
	}

	sess := peer.NewSession(id, prov, o.log)
	o.peers[id] = sess

	peerID := id
	prov.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.post(func() {
			if o.peers[peerID] != sess {
				return
			}
			o.send(signaling.NewICE(o.localID, peerID, c))
		})
	})
	prov.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		o.post(func() {
			if o.peers[peerID] != sess {
				return
			}
			if sess.HandleConnectionState(st) {
				delete(o.peers, peerID)
				o.statuses.Forget(peerID)
				o.obs.CallEnded(peerID)
				o.obs.PeerRemoved(peerID)
			}
		})
	})
	prov.OnTrack(func(track *webrtc.TrackRemote) {
		o.post(func() {
			if o.peers[peerID] != sess {
				return
			}
			o.obs.TrackReceived(peerID, track)
		})
	})

	if len(o.tracks) > 0 {
		if _, err := sess.AddLocalTracks(o.tracks); err != nil {
			o.log.Warn("attaching local tracks failed", "peer", id, "err", err)
		}
	}

	return sess, nil
}

// dropPeer closes and discards id's session. ended selects whether the
// observer sees a for-cause ending marker before the removal.
func (o *Orchestrator) dropPeer(id string, ended bool) {
	sess, had := o.peers[id]
	if had {
		_ = sess.Close()
		delete(o.peers, id)
	}
	if !had && !o.tracker.Contains(id) {
		// Stale end for a peer we never knew.
		return
	}
	o.statuses.Forget(id)
	if ended {
		o.obs.CallEnded(id)
	}
	o.obs.PeerRemoved(id)
}

func (o *Orchestrator) send(env signaling.Envelope) {
	if err := o.transport.Send(env); err != nil {
		o.log.Warn("sending envelope failed", "type", env.Type, "err", err)
	}
}
