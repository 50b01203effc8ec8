package peer

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestCandidateBuffer_FlushInArrivalOrder(t *testing.T) {
	var buf candidateBuffer
	for i := 1; i <= 5; i++ {
		buf.push(candInit(i))
	}

	var applied []webrtc.ICECandidateInit
	if err := buf.flush(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(applied) != 5 {
		t.Fatalf("applied=%d, want 5", len(applied))
	}
	for i, c := range applied {
		if c != candInit(i+1) {
			t.Fatalf("candidate %d out of order: %v", i, c)
		}
	}
	if buf.len() != 0 {
		t.Fatalf("buffer not cleared")
	}
}

func TestCandidateBuffer_FlushEmptyIsNoOp(t *testing.T) {
	var buf candidateBuffer
	called := false
	if err := buf.flush(func(webrtc.ICECandidateInit) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if called {
		t.Fatalf("apply called on empty buffer")
	}
}

func TestCandidateBuffer_FlushContinuesPastFailure(t *testing.T) {
	var buf candidateBuffer
	buf.push(candInit(1))
	buf.push(candInit(2))
	buf.push(candInit(3))

	boom := errors.New("boom")
	var applied int
	err := buf.flush(func(c webrtc.ICECandidateInit) error {
		applied++
		if c == candInit(2) {
			return boom
		}
		return nil
	})

	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if applied != 3 {
		t.Fatalf("applied=%d, want all 3 attempted", applied)
	}
	if buf.len() != 0 {
		t.Fatalf("buffer not cleared after flush")
	}
}
