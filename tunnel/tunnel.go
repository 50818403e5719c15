// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package tunnel implements the per-tunnel dispatcher: peer registry,
// receiver-index table, allowed-IPs longest-prefix router, and the
// cookie/rate-limiter defense, built entirely on wgnet's exported Peer
// API. It performs no I/O itself; HandleIncoming, Encapsulate, and
// Tick return Actions for the caller to execute.
package tunnel

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	wgnet "github.com/jack-turk-5/boringtun"
	"github.com/jack-turk-5/boringtun/clock"
	"github.com/jack-turk-5/boringtun/iprange"
	"github.com/jack-turk-5/boringtun/ratelimit"
)

// Config configures a Tunnel.
type Config struct {
	PrivateKey wgnet.NoisePrivateKey
	Clock      clock.Clock // defaults to clock.Real{}
	Logger     *slog.Logger // defaults to slog.Default()
	Limiter    *ratelimit.HandshakeLimiter // defaults to ratelimit.NewDefault()
}

// PeerInfo mirrors spec.md §6's ListPeers entry: a peer's identity,
// connectivity, and the allowed-IPs routed to it.
type PeerInfo struct {
	wgnet.PeerStats
	AllowedIPs []netip.Prefix
}

// Tunnel dispatches wire packets to the right Peer and routes outbound
// plaintext by destination IP, per spec §4.7.
type Tunnel struct {
	localPrivate wgnet.NoisePrivateKey
	localPublic  wgnet.NoisePublicKey

	clk    clock.Clock
	log    *slog.Logger
	limiter *ratelimit.HandshakeLimiter

	checker *wgnet.CookieChecker

	mu        sync.RWMutex
	byKey     map[wgnet.NoisePublicKey]*wgnet.Peer
	byIndex   map[uint32]*wgnet.Peer
	routes    *iprange.Table[*wgnet.Peer]
}

// New builds a Tunnel from cfg.
func New(cfg Config) (*Tunnel, error) {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewDefault()
	}

	localPublic := cfg.PrivateKey.PublicKey()
	checker, err := wgnet.NewCookieChecker(localPublic, c)
	if err != nil {
		return nil, err
	}

	return &Tunnel{
		localPrivate: cfg.PrivateKey,
		localPublic:  localPublic,
		clk:          c,
		log:          log,
		limiter:      limiter,
		checker:      checker,
		byKey:        make(map[wgnet.NoisePublicKey]*wgnet.Peer),
		byIndex:      make(map[uint32]*wgnet.Peer),
		routes:       iprange.New[*wgnet.Peer](),
	}, nil
}

// AddPeer registers a peer identified by remoteStatic with the given
// allowed-IPs. An existing peer with the same key is replaced.
func (t *Tunnel) AddPeer(remoteStatic wgnet.NoisePublicKey, allowedIPs []netip.Prefix) *wgnet.Peer {
	p := wgnet.NewPeer(t.localPrivate, t.localPublic, remoteStatic, t.clk)

	t.mu.Lock()
	if old := t.byKey[remoteStatic]; old != nil {
		t.forgetIndicesLocked(old)
		t.routes.RemoveValue(func(v *wgnet.Peer) bool { return v == old })
	}
	t.byKey[remoteStatic] = p
	t.mu.Unlock()

	t.SetAllowedIPs(remoteStatic, allowedIPs)
	return p
}

// RemovePeer deletes a peer and every route and index pointing to it.
// Calls already holding the removed *wgnet.Peer are not interrupted and
// do not return ErrPeerRemoved; the tunnel's Set* methods return
// ErrPeerRemoved for a key that is no longer registered.
func (t *Tunnel) RemovePeer(remoteStatic wgnet.NoisePublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.byKey[remoteStatic]
	if p == nil {
		return
	}
	delete(t.byKey, remoteStatic)
	t.forgetIndicesLocked(p)
	t.routes.RemoveValue(func(v *wgnet.Peer) bool { return v == p })
}

// Peer returns the registered peer for remoteStatic, or nil.
func (t *Tunnel) Peer(remoteStatic wgnet.NoisePublicKey) *wgnet.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey[remoteStatic]
}

// SetPresharedKey configures a peer's preshared key.
func (t *Tunnel) SetPresharedKey(remoteStatic wgnet.NoisePublicKey, psk wgnet.NoisePresharedKey) error {
	p := t.Peer(remoteStatic)
	if p == nil {
		return wgnet.ErrPeerRemoved
	}
	p.SetPresharedKey(psk)
	return nil
}

// SetPersistentKeepalive configures a peer's persistent-keepalive
// interval. Zero disables it.
func (t *Tunnel) SetPersistentKeepalive(remoteStatic wgnet.NoisePublicKey, d time.Duration) error {
	p := t.Peer(remoteStatic)
	if p == nil {
		return wgnet.ErrPeerRemoved
	}
	p.SetPersistentKeepalive(d)
	return nil
}

// SetEndpoint overrides a peer's last-known UDP endpoint.
func (t *Tunnel) SetEndpoint(remoteStatic wgnet.NoisePublicKey, addr *net.UDPAddr) error {
	p := t.Peer(remoteStatic)
	if p == nil {
		return wgnet.ErrPeerRemoved
	}
	p.SetEndpoint(addr)
	return nil
}

// SetAllowedIPs replaces the set of prefixes routed to a peer.
func (t *Tunnel) SetAllowedIPs(remoteStatic wgnet.NoisePublicKey, prefixes []netip.Prefix) error {
	p := t.Peer(remoteStatic)
	if p == nil {
		return wgnet.ErrPeerRemoved
	}
	t.routes.RemoveValue(func(v *wgnet.Peer) bool { return v == p })
	for _, prefix := range prefixes {
		t.routes.Insert(prefix, p)
	}
	return nil
}

// SetPrivateKey rotates this tunnel's own static identity. Existing
// peers are not re-handshaked automatically: the caller must drive a
// fresh handshake per peer if that is desired.
func (t *Tunnel) SetPrivateKey(sk wgnet.NoisePrivateKey) error {
	checker, err := wgnet.NewCookieChecker(sk.PublicKey(), t.clk)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.localPrivate = sk
	t.localPublic = sk.PublicKey()
	t.checker = checker
	t.mu.Unlock()
	return nil
}

// ListPeers returns a snapshot of every registered peer's stats and
// allowed-IPs, per spec §6.
func (t *Tunnel) ListPeers() []PeerInfo {
	t.mu.RLock()
	peers := make([]*wgnet.Peer, 0, len(t.byKey))
	for _, p := range t.byKey {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	out := make([]PeerInfo, len(peers))
	for i, p := range peers {
		out[i] = PeerInfo{
			PeerStats:  p.Stats(),
			AllowedIPs: t.routes.Prefixes(func(v *wgnet.Peer) bool { return v == p }),
		}
	}
	return out
}

// HandleIncoming demultiplexes one packet read from the network and
// drives the matching peer (or the tunnel's own cookie logic), per
// spec §4.7. Packets too short to carry a type, of an unknown type,
// failing MAC1, or a response or cookie reply naming an unknown index
// are dropped silently (a nil slice). An initiation from an
// unregistered key, a transport packet naming an unknown index, and
// handshake or decrypt failures are reported as an ActionErr.
func (t *Tunnel) HandleIncoming(data []byte, src *net.UDPAddr) []wgnet.Action {
	msgType, err := wgnet.PeekMessageType(data)
	if err != nil {
		return nil
	}

	switch msgType {
	case wgnet.MessageInitiationType:
		return t.handleInitiation(data, src)
	case wgnet.MessageResponseType:
		return t.handleResponse(data, src)
	case wgnet.MessageCookieReplyType:
		return t.handleCookieReply(data)
	case wgnet.MessageTransportType:
		return t.handleTransport(data, src)
	default:
		t.log.Debug("wgnet/tunnel: unknown message type", "type", msgType)
		return nil
	}
}

func (t *Tunnel) handleInitiation(data []byte, src *net.UDPAddr) []wgnet.Action {
	if !t.checker.CheckMAC1(data) {
		return nil
	}

	underLoad := !t.limiter.Allow()
	if underLoad {
		if !t.checker.CheckMAC2(data, src.IP) {
			// The field at this offset is the initiator's sender index;
			// it becomes the cookie reply's receiver index so the
			// initiator can match the reply to this pending handshake.
			senderIdx, err := wgnet.PeekReceiverIndex(data)
			if err != nil {
				return nil
			}
			reply, err := t.checker.GenerateReply(src.IP, senderIdx, data)
			if err != nil {
				return []wgnet.Action{{Kind: wgnet.ActionErr, Err: err}}
			}
			return []wgnet.Action{{Kind: wgnet.ActionWriteToNetwork, Bytes: reply, Dst: src}}
		}
	}

	hs, err := wgnet.ConsumeInitiation(t.localPrivate, t.localPublic, data)
	if err != nil {
		return []wgnet.Action{{Kind: wgnet.ActionErr, Err: err}}
	}

	p := t.Peer(hs.RemoteStatic)
	if p == nil {
		return []wgnet.Action{{Kind: wgnet.ActionErr, Err: wgnet.ErrUnknownPeer}}
	}

	result, err := p.AcceptInitiation(hs, src)
	if err != nil {
		return []wgnet.Action{{Kind: wgnet.ActionErr, Err: err}}
	}
	t.registerIndex(result.LocalIndex, p)

	return []wgnet.Action{{Kind: wgnet.ActionWriteToNetwork, Bytes: result.Response, Dst: src}}
}

func (t *Tunnel) handleResponse(data []byte, src *net.UDPAddr) []wgnet.Action {
	if !t.checker.CheckMAC1(data) {
		return nil
	}

	underLoad := !t.limiter.Allow()
	if underLoad {
		if !t.checker.CheckMAC2(data, src.IP) {
			// The field at this offset is the responder's sender index;
			// it becomes the cookie reply's receiver index so the
			// responder can match the reply to this pending response.
			senderIdx, err := wgnet.PeekReceiverIndex(data)
			if err != nil {
				return nil
			}
			reply, err := t.checker.GenerateReply(src.IP, senderIdx, data)
			if err != nil {
				return []wgnet.Action{{Kind: wgnet.ActionErr, Err: err}}
			}
			return []wgnet.Action{{Kind: wgnet.ActionWriteToNetwork, Bytes: reply, Dst: src}}
		}
	}

	recv, err := wgnet.PeekResponseReceiverIndex(data)
	if err != nil {
		return nil
	}
	p := t.peerByIndex(recv)
	if p == nil {
		return nil
	}
	return []wgnet.Action{p.AcceptResponse(data, src)}
}

func (t *Tunnel) handleCookieReply(data []byte) []wgnet.Action {
	recv, err := wgnet.PeekReceiverIndex(data)
	if err != nil {
		return nil
	}
	p := t.peerByIndex(recv)
	if p == nil {
		return nil
	}
	if err := p.AcceptCookieReply(data); err != nil {
		return []wgnet.Action{{Kind: wgnet.ActionErr, Err: err}}
	}
	return nil
}

func (t *Tunnel) handleTransport(data []byte, src *net.UDPAddr) []wgnet.Action {
	recv, counter, ciphertext, err := wgnet.DecodeTransportHeader(data)
	if err != nil {
		return nil
	}
	p := t.peerByIndex(recv)
	if p == nil {
		return []wgnet.Action{{Kind: wgnet.ActionErr, Err: wgnet.ErrNoSessionForIndex}}
	}
	return []wgnet.Action{p.DecryptTransport(recv, counter, ciphertext, src)}
}

// Encapsulate routes outbound plaintext by destination IP to the peer
// whose allowed-IPs longest-prefix-matches it, and seals it for
// transmission.
func (t *Tunnel) Encapsulate(plaintext []byte) wgnet.Action {
	addr, ok := destinationOf(plaintext)
	if !ok {
		return wgnet.Action{Kind: wgnet.ActionErr, Err: wgnet.ErrNoPeer}
	}

	p, found := t.routes.Lookup(addr)
	if !found {
		return wgnet.Action{Kind: wgnet.ActionErr, Err: wgnet.ErrNoPeer}
	}
	return p.Encapsulate(plaintext)
}

// Tick drives the periodic background work of spec §4.5/§4.8: cookie
// secret rotation and every peer's timer decision. Callers run this
// on their own interval, the way the teacher's Handler.Maintenance is
// driven by a ticker.
func (t *Tunnel) Tick(now time.Time) []wgnet.Action {
	if err := t.checker.RotateSecret(now); err != nil {
		t.log.Error("wgnet/tunnel: cookie secret rotation failed", "error", err)
	}

	t.mu.RLock()
	peers := make([]*wgnet.Peer, 0, len(t.byKey))
	for _, p := range t.byKey {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	var actions []wgnet.Action
	for _, p := range peers {
		batch := p.UpdateTimers()
		for _, a := range batch {
			if a.Kind == wgnet.ActionWriteToNetwork && a.LocalIndex != 0 {
				t.registerIndex(a.LocalIndex, p)
			}
			actions = append(actions, a)
		}
		t.gcIndices(p)
	}
	return actions
}

func (t *Tunnel) registerIndex(localIndex uint32, p *wgnet.Peer) {
	t.mu.Lock()
	t.byIndex[localIndex] = p
	t.mu.Unlock()
}

func (t *Tunnel) peerByIndex(localIndex uint32) *wgnet.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIndex[localIndex]
}

// gcIndices drops index-table entries for p that no longer name one of
// its live session slots, so a retired session's index cannot be
// replayed into a stale lookup.
func (t *Tunnel) gcIndices(p *wgnet.Peer) {
	live := make(map[uint32]struct{}, 4)
	for _, idx := range p.LiveIndices() {
		live[idx] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, owner := range t.byIndex {
		if owner != p {
			continue
		}
		if _, ok := live[idx]; !ok {
			delete(t.byIndex, idx)
		}
	}
}

// forgetIndicesLocked removes every index-table entry pointing at p.
// Callers must hold t.mu.
func (t *Tunnel) forgetIndicesLocked(p *wgnet.Peer) {
	for idx, owner := range t.byIndex {
		if owner == p {
			delete(t.byIndex, idx)
		}
	}
}

// destinationOf extracts the destination address from a raw IPv4/IPv6
// datagram, by inspecting the version nibble the way the tunnel device
// driver hands the dispatcher a packet straight off the wire.
func destinationOf(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(packet[16:20])
		return addr, ok
	case 6:
		if len(packet) < 40 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(packet[24:40])
		return addr, ok
	default:
		return netip.Addr{}, false
	}
}
