// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package timers implements the per-peer timer state machine: the
// stamps WireGuard tracks for handshake initiation, keepalive, rekey,
// and session expiry, and the decision function a Peer's UpdateTimers
// calls. The dispatcher runs UpdateTimers from its periodic Tick only,
// not while handling packets. It is independent of the
// handshake/session code so it can be driven by a clock.Mock in tests
// without any cryptography involved.
package timers

import (
	"sync"
	"time"

	"github.com/jack-turk-5/boringtun/clock"
)

// Timer constants, in seconds per the protocol, expressed as
// time.Duration.
const (
	RekeyAfterMessages = uint64(1) << 60
	RekeyAfterTime     = 120 * time.Second
	RekeyTimeout       = 5 * time.Second
	RekeyAttemptTime   = 90 * time.Second
	KeepaliveTimeout   = 10 * time.Second
	RejectAfterTime    = 180 * time.Second
	CookieExpiration   = 120 * time.Second
)

// SessionState is the subset of a peer's current session the timer
// machine needs to make a decision. The caller (Peer) fills this in
// from whatever session currently occupies its "current" slot.
type SessionState struct {
	Exists      bool
	Age         time.Duration
	SendCounter uint64
	IsInitiator bool
}

// Decision reports which timer-driven actions are due. A Peer turns a
// true field into the corresponding Action.
type Decision struct {
	InitiateHandshake bool
	SendKeepalive     bool
	ExpireSession     bool
	AbandonHandshake  bool
}

// Timers tracks the event stamps of spec §4.5 for a single peer. The
// zero value is usable: every stamp defaults to the zero time, which
// Decide treats as "never happened".
type Timers struct {
	mu sync.Mutex

	clock clock.Clock

	persistentKeepalive time.Duration

	lastHandshakeInitiated    time.Time
	lastHandshakeCompleted    time.Time
	lastDataSent              time.Time
	lastDataReceived          time.Time
	lastAuthenticatedReceived time.Time
	lastKeepaliveSent         time.Time

	handshakeAttemptStarted time.Time
	handshakeInFlight       bool
}

// New builds a Timers driven by c. A nil clock.Clock is invalid.
func New(c clock.Clock) *Timers {
	return &Timers{clock: c}
}

// SetPersistentKeepalive configures the persistent-keepalive interval.
// Zero disables it.
func (t *Timers) SetPersistentKeepalive(d time.Duration) {
	t.mu.Lock()
	t.persistentKeepalive = d
	t.mu.Unlock()
}

// RecordHandshakeInitiated marks that a handshake initiation was just
// sent, starting (or continuing) an attempt sequence.
func (t *Timers) RecordHandshakeInitiated(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHandshakeInitiated = now
	if !t.handshakeInFlight {
		t.handshakeAttemptStarted = now
		t.handshakeInFlight = true
	}
}

// RecordHandshakeCompleted marks that a handshake finished
// successfully, ending the attempt sequence.
func (t *Timers) RecordHandshakeCompleted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHandshakeCompleted = now
	t.handshakeInFlight = false
}

// RecordDataSent marks that a transport-data (non-keepalive) packet
// was just sent.
func (t *Timers) RecordDataSent(now time.Time) {
	t.mu.Lock()
	t.lastDataSent = now
	t.mu.Unlock()
}

// RecordDataReceived marks that a transport-data packet with a
// non-empty payload was just accepted. Keepalives are recorded only
// through RecordAuthenticatedReceived.
func (t *Timers) RecordDataReceived(now time.Time) {
	t.mu.Lock()
	t.lastDataReceived = now
	t.mu.Unlock()
}

// RecordAuthenticatedReceived marks that any authenticated packet
// (handshake initiation, handshake response, or transport data) was
// just accepted from the
// peer, satisfying the "alive" check the handshake-retry timer uses.
func (t *Timers) RecordAuthenticatedReceived(now time.Time) {
	t.mu.Lock()
	t.lastAuthenticatedReceived = now
	t.mu.Unlock()
}

// RecordKeepaliveSent marks that a keepalive was just sent.
func (t *Timers) RecordKeepaliveSent(now time.Time) {
	t.mu.Lock()
	t.lastKeepaliveSent = now
	t.mu.Unlock()
}

// Decide computes which timer-driven actions are due for a peer whose
// current session is described by sess.
func (t *Timers) Decide(now time.Time, sess SessionState) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	var d Decision

	if sess.Exists && sess.Age >= RejectAfterTime {
		d.ExpireSession = true
	}

	if t.handshakeInFlight && !t.handshakeAttemptStarted.IsZero() &&
		now.Sub(t.handshakeAttemptStarted) > RekeyAttemptTime {
		d.AbandonHandshake = true
		t.handshakeInFlight = false
	}

	needsHandshake := !sess.Exists ||
		sess.Age > RekeyAfterTime ||
		sess.SendCounter > RekeyAfterMessages

	if sess.Exists && sess.IsInitiator && !t.lastDataSent.IsZero() {
		noReplySince := now.Sub(t.lastDataSent)
		if noReplySince > KeepaliveTimeout+RekeyTimeout &&
			t.lastAuthenticatedReceived.Before(t.lastDataSent) {
			needsHandshake = true
		}
	}

	if needsHandshake && !d.AbandonHandshake {
		if t.lastHandshakeInitiated.IsZero() || now.Sub(t.lastHandshakeInitiated) > RekeyTimeout {
			d.InitiateHandshake = true
		}
	}

	if !d.InitiateHandshake && sess.Exists {
		authRecent := !t.lastAuthenticatedReceived.IsZero()
		sentRecently := !t.lastKeepaliveSent.IsZero() && now.Sub(t.lastKeepaliveSent) < KeepaliveTimeout
		dataSentRecently := !t.lastDataSent.IsZero() && now.Sub(t.lastDataSent) < KeepaliveTimeout
		if authRecent && now.Sub(t.lastAuthenticatedReceived) < KeepaliveTimeout && !sentRecently && !dataSentRecently {
			d.SendKeepalive = true
		}

		if t.persistentKeepalive > 0 {
			idleSince := t.lastDataSent
			if t.lastKeepaliveSent.After(idleSince) {
				idleSince = t.lastKeepaliveSent
			}
			if idleSince.IsZero() || now.Sub(idleSince) >= t.persistentKeepalive {
				d.SendKeepalive = true
			}
		}
	}

	return d
}
