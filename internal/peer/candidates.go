package peer

import "github.com/pion/webrtc/v4"

// candidateBuffer holds remote ICE candidates that arrived before a remote
// description was applied. The underlying connection rejects candidates added
// with no remote description, so the session parks them here and flushes in
// arrival order once one exists.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

func (b *candidateBuffer) push(c webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

func (b *candidateBuffer) len() int {
	return len(b.pending)
}

// flush applies every buffered candidate in FIFO order, then clears the
// buffer. A failed apply does not stop the remaining candidates; the first
// error is returned. Flushing an empty buffer is a no-op.
func (b *candidateBuffer) flush(apply func(webrtc.ICECandidateInit) error) error {
	var first error
	for _, c := range b.pending {
		if err := apply(c); err != nil && first == nil {
			first = err
		}
	}
	b.discard()
	return first
}

func (b *candidateBuffer) discard() {
	for i := range b.pending {
		b.pending[i] = webrtc.ICECandidateInit{}
	}
	b.pending = b.pending[:0]
}
