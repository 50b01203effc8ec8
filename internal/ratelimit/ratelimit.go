// Package ratelimit bounds per-connection signaling message rates at the
// relay so one client cannot flood a room.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one message token is 1e9
// nano-tokens, so a rate of N msgs/sec refills N nano-tokens per nanosecond
// without float rounding.
const nanoPerToken = int64(time.Second)

// MessageLimiter is a deterministic token bucket sized for signaling
// traffic: capacity equals one second's worth of tokens, so a client can
// burst what it could legitimately send in a second and no more.
//
// A perSecond of 0 disables limiting.
type MessageLimiter struct {
	mu sync.Mutex

	clock     Clock
	perSecond int64

	availableNano int64
	last          time.Time
}

func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 0 {
		perSecond = 0
	}
	return &MessageLimiter{
		clock:         clock,
		perSecond:     int64(perSecond),
		availableNano: int64(perSecond) * nanoPerToken,
		last:          clock.Now(),
	}
}

// Allow consumes one message token if available.
func (l *MessageLimiter) Allow() bool {
	if l.perSecond == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.availableNano < nanoPerToken {
		return false
	}
	l.availableNano -= nanoPerToken
	return true
}

func (l *MessageLimiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Time went backwards; move the reference point without refilling.
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	capacity := l.perSecond * nanoPerToken
	if l.availableNano >= capacity {
		return
	}

	// perSecond tokens/sec equals perSecond nano-tokens per nanosecond.
	need := capacity - l.availableNano
	if elapsed >= need/l.perSecond {
		l.availableNano = capacity
		return
	}
	l.availableNano += elapsed * l.perSecond
}
