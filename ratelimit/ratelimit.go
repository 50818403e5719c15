// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package ratelimit drives the tunnel's under-load decision (spec
// §4.8) with a real token-bucket limiter instead of the teacher's
// bare activeHandshakes/DefaultLoadThreshold counter. Every handshake
// initiation or response that passes the dispatcher's MAC1 check takes
// a token; once the bucket is empty the tunnel is "under load" and
// must demand a cookie.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// DefaultRate is the steady-state rate of handshake initiations (per
// second) the limiter admits without requiring a cookie.
const DefaultRate = 20

// DefaultBurst is the number of handshake initiations allowed in a
// single burst above DefaultRate.
const DefaultBurst = 40

// HandshakeLimiter gates incoming handshake initiations. It reports
// under-load once its token bucket is exhausted, the same shape as
// the teacher's isUnderLoad/incrementActiveHandshakes pair but backed
// by golang.org/x/time/rate instead of a hand-rolled counter.
type HandshakeLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// New builds a HandshakeLimiter admitting r handshake initiations per
// second with burst capacity b.
func New(r float64, b int) *HandshakeLimiter {
	return &HandshakeLimiter{limiter: rate.NewLimiter(rate.Limit(r), b)}
}

// NewDefault builds a HandshakeLimiter using DefaultRate/DefaultBurst.
func NewDefault() *HandshakeLimiter {
	return New(DefaultRate, DefaultBurst)
}

// Allow consumes one token and reports whether the tunnel should
// process the handshake initiation without demanding a cookie. A
// false result means the tunnel is under load for this message: the
// dispatcher must require a valid MAC2 or answer with a cookie reply.
func (l *HandshakeLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Allow()
}

// UnderLoad reports the limiter's current state without consuming a
// token, for diagnostics. The dispatcher itself uses only Allow.
func (l *HandshakeLimiter) UnderLoad() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Tokens() < 1
}

// SetLimit reconfigures the steady-state rate without losing
// accumulated burst capacity.
func (l *HandshakeLimiter) SetLimit(r float64) {
	l.mu.Lock()
	l.limiter.SetLimit(rate.Limit(r))
	l.mu.Unlock()
}
