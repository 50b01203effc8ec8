// Package status records local and per-peer mute/camera state, decoupled
// from connection state: a status update is accepted regardless of where
// negotiation stands.
package status

// Status is the complete indicator state for one participant. The zero value
// (not muted, camera on) is what a peer is assumed to be before its first
// status message.
type Status struct {
	Muted     bool
	CameraOff bool
}

// Update is a partial status change. Nil fields are left untouched when
// applied, so a message from a sender that only reports one flag cannot
// clobber the other with a stale value.
type Update struct {
	Muted     *bool
	CameraOff *bool
}

// Broadcaster owns the local flags and the per-peer status map. It is
// mutated only from the orchestrator's dispatch goroutine.
type Broadcaster struct {
	local  Status
	remote map[string]Status
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{remote: make(map[string]Status)}
}

// SetLocal applies u to the local flags and returns the resulting complete
// status, which is what gets broadcast (never a partial diff).
func (b *Broadcaster) SetLocal(u Update) Status {
	if u.Muted != nil {
		b.local.Muted = *u.Muted
	}
	if u.CameraOff != nil {
		b.local.CameraOff = *u.CameraOff
	}
	return b.local
}

func (b *Broadcaster) Local() Status {
	return b.local
}

// ApplyRemote merges u into peerID's recorded status and returns the result.
// Unset fields keep their previous value, defaulting to the zero Status on
// first observation of the peer.
func (b *Broadcaster) ApplyRemote(peerID string, u Update) Status {
	st := b.remote[peerID]
	if u.Muted != nil {
		st.Muted = *u.Muted
	}
	if u.CameraOff != nil {
		st.CameraOff = *u.CameraOff
	}
	b.remote[peerID] = st
	return st
}

// Remote returns peerID's recorded status and whether one has been observed.
func (b *Broadcaster) Remote(peerID string) (Status, bool) {
	st, ok := b.remote[peerID]
	return st, ok
}

// Forget drops peerID's recorded status, for use when the peer leaves.
func (b *Broadcaster) Forget(peerID string) {
	delete(b.remote, peerID)
}
