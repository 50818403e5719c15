// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jack-turk-5/boringtun/clock"
	"github.com/jack-turk-5/boringtun/timers"
)

// PeerStats is the snapshot returned for a peer by a tunnel's
// ListPeers control operation (spec §6).
type PeerStats struct {
	PublicKey     NoisePublicKey
	Endpoint      *net.UDPAddr
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// Peer holds everything needed to handshake and exchange transport
// data with one remote static identity: the attributes of spec §3/
// §4.6 (endpoint, preshared key, persistent-keepalive interval, the
// three session slots, handshake-in-progress state, and the timer
// block of §4.5). A Peer does no I/O and owns no other peer's state;
// the dispatcher in wgnet/tunnel looks one up and calls its exported
// methods.
type Peer struct {
	localPrivate NoisePrivateKey
	localPublic  NoisePublicKey
	remoteStatic NoisePublicKey

	clk clock.Clock
	tm  *timers.Timers

	cookieGen *CookieGenerator

	mu                sync.Mutex
	psk               NoisePresharedKey
	endpoint          *net.UDPAddr
	previous          *Session
	next              *Session
	pendingHandshake  *handshakeState
	lastTimestamp     [tai64nTimestampSize]byte
	hasLastTimestamp  bool
	lastHandshakeDone time.Time

	current atomic.Pointer[Session]

	rxBytes atomic.Uint64
	txBytes atomic.Uint64
}

// NewPeer builds a Peer for remoteStatic, identified locally by
// localPrivate/localPublic. c drives every timer decision the peer
// makes; tests pass a clock.Mock.
func NewPeer(localPrivate NoisePrivateKey, localPublic, remoteStatic NoisePublicKey, c clock.Clock) *Peer {
	return &Peer{
		localPrivate: localPrivate,
		localPublic:  localPublic,
		remoteStatic: remoteStatic,
		clk:          c,
		tm:           timers.New(c),
		cookieGen:    NewCookieGenerator(remoteStatic, c),
	}
}

// PublicKey returns the peer's remote static public key.
func (p *Peer) PublicKey() NoisePublicKey { return p.remoteStatic }

// SetPresharedKey configures (or clears, with the zero value) the
// peer's preshared key.
func (p *Peer) SetPresharedKey(psk NoisePresharedKey) {
	p.mu.Lock()
	p.psk = psk
	p.mu.Unlock()
}

// PresharedKey returns the peer's currently configured preshared key.
func (p *Peer) PresharedKey() NoisePresharedKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.psk
}

// SetPersistentKeepalive configures the persistent-keepalive interval.
// Zero disables it.
func (p *Peer) SetPersistentKeepalive(d time.Duration) {
	p.tm.SetPersistentKeepalive(d)
}

// SetEndpoint overrides the peer's last-known UDP endpoint, for
// example to seed an initial address before any handshake. It is the
// control surface's setter; authenticated receives (AcceptInitiation,
// AcceptResponse, DecryptTransport) update the endpoint themselves.
func (p *Peer) SetEndpoint(addr *net.UDPAddr) {
	p.mu.Lock()
	p.endpoint = addr
	p.mu.Unlock()
}

// Endpoint returns the peer's last-known UDP endpoint, or nil.
func (p *Peer) Endpoint() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// Stats returns a snapshot for the control surface's ListPeers.
func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	endpoint := p.endpoint
	lastHandshake := p.lastHandshakeDone
	p.mu.Unlock()
	return PeerStats{
		PublicKey:     p.remoteStatic,
		Endpoint:      endpoint,
		LastHandshake: lastHandshake,
		RxBytes:       p.rxBytes.Load(),
		TxBytes:       p.txBytes.Load(),
	}
}

// LiveIndices returns the local session indices currently occupying
// this peer's current/previous/next slots, plus the local index of a
// pending handshake, for the dispatcher's index table garbage
// collection.
func (p *Peer) LiveIndices() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, 4)
	if s := p.current.Load(); s != nil {
		out = append(out, s.localIndex)
	}
	if p.previous != nil {
		out = append(out, p.previous.localIndex)
	}
	if p.next != nil {
		out = append(out, p.next.localIndex)
	}
	if p.pendingHandshake != nil {
		out = append(out, p.pendingHandshake.localIndex)
	}
	return out
}

// Encapsulate seals plaintext for transmission on the peer's current
// session, per spec §4.6. It does not initiate a handshake on its
// own: that is driven exclusively by UpdateTimers, per testable
// property 9.
func (p *Peer) Encapsulate(plaintext []byte) Action {
	sess := p.current.Load()
	if sess == nil || !sess.usableForSending() {
		return actionErr(ErrNoSession)
	}

	now := p.clk.Now()
	out, err := sess.encrypt(now, plaintext)
	if err != nil {
		return actionErr(err)
	}

	if len(plaintext) > 0 {
		p.tm.RecordDataSent(now)
	} else {
		p.tm.RecordKeepaliveSent(now)
	}
	p.txBytes.Add(uint64(len(plaintext)))

	dst := p.Endpoint()
	if dst == nil {
		return actionErr(ErrNoEndpoint)
	}
	return actionNetwork(out, dst)
}

// BeginHandshake starts a fresh handshake attempt as initiator,
// discarding any handshake already in progress. It returns the
// 148-byte initiation message and the local index the dispatcher must
// route back to this peer; the caller is responsible for sending the
// message to the peer's current endpoint (or a newly supplied one).
func (p *Peer) BeginHandshake() ([]byte, uint32, error) {
	now := p.clk.Now()
	hs, out, err := initiateHandshake(p.localPrivate, p.localPublic, p.remoteStatic, p.cookieGen, now)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	p.pendingHandshake = hs
	p.mu.Unlock()

	p.tm.RecordHandshakeInitiated(now)
	return out, hs.localIndex, nil
}

// AcceptInitiationResult carries what the dispatcher needs to route a
// handshake response and register the new session's index.
type AcceptInitiationResult struct {
	Response   []byte
	LocalIndex uint32
}

// AcceptInitiation completes the responder side of a handshake begun
// elsewhere (the dispatcher already called ConsumeInitiation and
// matched hs.RemoteStatic to this peer). It enforces timestamp
// monotonicity, builds and returns the response message, and installs
// the new session as immediately usable for sending.
func (p *Peer) AcceptInitiation(hs *handshakeState, src *net.UDPAddr) (AcceptInitiationResult, error) {
	p.mu.Lock()
	if p.hasLastTimestamp && !tai64nAfter(hs.lastTimestamp, p.lastTimestamp) {
		p.mu.Unlock()
		return AcceptInitiationResult{}, ErrStaleHandshakeTimestamp
	}
	psk := p.psk
	p.mu.Unlock()

	now := p.clk.Now()
	respBytes, err := createResponse(hs, psk, p.cookieGen)
	if err != nil {
		return AcceptInitiationResult{}, err
	}
	session := deriveSession(hs, now)

	p.mu.Lock()
	p.lastTimestamp = hs.lastTimestamp
	p.hasLastTimestamp = true
	p.endpoint = src
	p.lastHandshakeDone = now
	p.installLocked(session)
	p.mu.Unlock()

	p.tm.RecordHandshakeCompleted(now)
	p.tm.RecordAuthenticatedReceived(now)

	return AcceptInitiationResult{Response: respBytes, LocalIndex: session.localIndex}, nil
}

// AcceptResponse completes the initiator side of a handshake started
// by BeginHandshake and installs the resulting session. Per the
// promotion rule (spec §4.3), the initiator may not yet use this
// session to send: installLocked parks it in the next slot, leaving
// any still-usable current session alone, until DecryptTransport sees
// the first inbound packet on it and promotes it into current. Until
// then the caller must wait for the responder's own keepalive timer to
// deliver that first inbound data, which UpdateTimers on the
// responder's side supplies once it sees authenticated traffic with
// nothing sent back.
func (p *Peer) AcceptResponse(data []byte, src *net.UDPAddr) Action {
	p.mu.Lock()
	hs := p.pendingHandshake
	psk := p.psk
	p.mu.Unlock()
	if hs == nil {
		return actionErr(ErrHandshakeAuthFailed)
	}

	if err := consumeResponse(hs, p.localPrivate, psk, data); err != nil {
		return actionErr(err)
	}

	now := p.clk.Now()
	session := deriveSession(hs, now)

	p.mu.Lock()
	p.pendingHandshake = nil
	p.endpoint = src
	p.lastHandshakeDone = now
	p.installLocked(session)
	p.mu.Unlock()

	p.tm.RecordHandshakeCompleted(now)
	p.tm.RecordAuthenticatedReceived(now)

	return actionNothing()
}

// AcceptCookieReply decrypts and caches a cookie reply answering this
// peer's most recent handshake initiation.
func (p *Peer) AcceptCookieReply(data []byte) error {
	return p.cookieGen.ConsumeReply(data)
}

// DecryptTransport opens a transport-data packet addressed to
// localIndex, which must match one of the peer's live session slots.
// On success it updates the endpoint, timers, and rx byte counter and
// returns an ActionWriteToTunnel carrying the plaintext, or
// ActionNothing for a keepalive (empty payload).
func (p *Peer) DecryptTransport(localIndex uint32, counter uint64, ciphertext []byte, src *net.UDPAddr) Action {
	sess := p.sessionByIndex(localIndex)
	if sess == nil {
		return actionErr(ErrNoSessionForIndex)
	}

	plaintext, err := sess.decrypt(counter, ciphertext)
	if err != nil {
		return actionErr(err)
	}
	p.promoteIfNext(sess)

	now := p.clk.Now()
	p.mu.Lock()
	p.endpoint = src
	p.mu.Unlock()
	p.tm.RecordAuthenticatedReceived(now)
	if len(plaintext) > 0 {
		p.tm.RecordDataReceived(now)
	}
	p.rxBytes.Add(uint64(len(plaintext)))

	if len(plaintext) == 0 {
		return actionNothing()
	}
	return actionTunnel(plaintext)
}

// UpdateTimers runs the timer decision of spec §4.5 against the
// peer's current session and returns whatever actions are due. It is
// the only path that triggers a new handshake initiation.
func (p *Peer) UpdateTimers() []Action {
	now := p.clk.Now()

	sess := p.current.Load()
	var state timers.SessionState
	if sess != nil {
		state = timers.SessionState{
			Exists:      true,
			Age:         now.Sub(sess.birth),
			SendCounter: sess.sendCounter.Load(),
			IsInitiator: sess.isInitiator,
		}
	}

	decision := p.tm.Decide(now, state)
	var actions []Action

	if decision.AbandonHandshake {
		p.mu.Lock()
		p.pendingHandshake = nil
		p.mu.Unlock()
	}

	if decision.ExpireSession && sess != nil {
		p.retireCurrent()
	}

	if decision.InitiateHandshake {
		out, localIndex, err := p.BeginHandshake()
		if err != nil {
			actions = append(actions, actionErr(err))
		} else if dst := p.Endpoint(); dst != nil {
			actions = append(actions, actionNetworkIndexed(out, dst, localIndex))
		} else {
			actions = append(actions, actionErr(ErrNoEndpoint))
		}
	}

	if decision.SendKeepalive {
		actions = append(actions, p.Encapsulate(nil))
	}

	if len(actions) == 0 {
		return []Action{actionNothing()}
	}
	return actions
}

// installLocked installs a freshly completed session per the
// previous/current/next rotation of spec §4.3. A session that is
// already usable for sending the moment it completes (the responder
// case) is promoted straight into current, rotating the old current
// into previous; the next slot, now superseded, is cleared. A session
// that is not yet usable (the initiator case, which must wait for its
// first inbound packet before it may send) is instead parked in next,
// leaving current and previous untouched, until promoteIfNext moves it
// over. Callers must hold p.mu.
func (p *Peer) installLocked(session *Session) {
	if session.usableForSending() {
		p.previous = p.current.Load()
		p.current.Store(session)
		p.next = nil
		return
	}
	p.next = session
}

// promoteIfNext moves sess from the next slot into current the moment
// it becomes usable for sending: the initiator's first successful
// decrypt on a session it has not yet used to send anything. Rotates
// the old current into previous, the same as installLocked's
// immediately-usable path.
func (p *Peer) promoteIfNext(sess *Session) {
	if !sess.usableForSending() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == sess {
		p.previous = p.current.Load()
		p.current.Store(sess)
		p.next = nil
	}
}

// retireCurrent clears the current session once it has outlived its
// reject-after-time, demoting nothing: an expired session simply
// stops being usable until the next handshake completes.
func (p *Peer) retireCurrent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess := p.current.Load(); sess != nil {
		p.current.Store(nil)
	}
}

// sessionByIndex returns whichever of the peer's live sessions has
// localIndex, or nil. Linear over at most three sessions.
func (p *Peer) sessionByIndex(localIndex uint32) *Session {
	if sess := p.current.Load(); sess != nil && sess.localIndex == localIndex {
		return sess
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.previous != nil && p.previous.localIndex == localIndex {
		return p.previous
	}
	if p.next != nil && p.next.localIndex == localIndex {
		return p.next
	}
	return nil
}
