package tunnel

import (
	"net"
	"net/netip"
	"testing"
	"time"

	wgnet "github.com/jack-turk-5/boringtun"
	"github.com/jack-turk-5/boringtun/clock"
	"github.com/jack-turk-5/boringtun/ratelimit"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

// wireTunnelPair builds two Tunnels, each with the other registered as
// its sole peer and routed 0.0.0.0/0, sharing a mock clock the way a
// test harness drives both ends of a link deterministically.
func wireTunnelPair(t *testing.T) (a, b *Tunnel, aKey, bKey wgnet.NoisePublicKey, clk *clock.Mock) {
	t.Helper()
	aSK, err := wgnet.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	bSK, err := wgnet.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	aKey = aSK.PublicKey()
	bKey = bSK.PublicKey()

	clk = clock.NewMock(time.Unix(1700000000, 0))

	a, err = New(Config{PrivateKey: aSK, Clock: clk})
	if err != nil {
		t.Fatalf("New tunnel a: %v", err)
	}
	b, err = New(Config{PrivateKey: bSK, Clock: clk})
	if err != nil {
		t.Fatalf("New tunnel b: %v", err)
	}

	a.AddPeer(bKey, []netip.Prefix{mustPrefix(t, "0.0.0.0/0")})
	b.AddPeer(aKey, []netip.Prefix{mustPrefix(t, "0.0.0.0/0")})

	return a, b, aKey, bKey, clk
}

func findAction(actions []wgnet.Action, kind wgnet.ActionKind) (wgnet.Action, bool) {
	for _, act := range actions {
		if act.Kind == kind {
			return act, true
		}
	}
	return wgnet.Action{}, false
}

// TestTunnelHandshakeRoundTrip drives a full initiation/response
// exchange through both tunnels' HandleIncoming, the way two UDP read
// loops would, and confirms each side ends up with a usable session.
func TestTunnelHandshakeRoundTrip(t *testing.T) {
	a, b, _, bKey, clk := wireTunnelPair(t)

	srcA := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}
	srcB := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}

	if err := a.SetEndpoint(bKey, srcB); err != nil {
		t.Fatalf("SetEndpoint: %v", err)
	}

	// Drive the initiation through a.Tick, the same path a real
	// maintenance loop uses, so the freshly allocated local index is
	// registered in a's receiver-index table and the eventual response
	// can be routed back to the right peer.
	tickActions := a.Tick(clk.Now())
	initAction, ok := findAction(tickActions, wgnet.ActionWriteToNetwork)
	if !ok {
		t.Fatalf("expected a.Tick to initiate a handshake with no existing session, got %+v", tickActions)
	}
	initMsg := initAction.Bytes

	respActions := b.HandleIncoming(initMsg, srcA)
	respAction, ok := findAction(respActions, wgnet.ActionWriteToNetwork)
	if !ok {
		t.Fatalf("expected b to answer the initiation, got %+v", respActions)
	}

	finalActions := a.HandleIncoming(respAction.Bytes, srcB)
	if act, ok := findAction(finalActions, wgnet.ActionErr); ok {
		t.Fatalf("a should accept the response without error, got %+v", act)
	}

	// b has authenticated data but has sent nothing back: its own
	// timers should produce a keepalive that completes a's promotion.
	bTickActions := b.Tick(b.clk.Now())
	keepalive, ok := findAction(bTickActions, wgnet.ActionWriteToNetwork)
	if !ok {
		t.Fatalf("expected b.Tick to emit a's unblocking keepalive, got %+v", bTickActions)
	}

	gotActions := a.HandleIncoming(keepalive.Bytes, srcB)
	if act, ok := findAction(gotActions, wgnet.ActionErr); ok {
		t.Fatalf("a should accept b's keepalive without error, got %+v", act)
	}

	payload := make([]byte, 20)
	payload[0] = 0x45 // IPv4, no options
	payload[3] = 20   // total length: header only
	copy(payload[16:20], net.IPv4(10, 0, 0, 2).To4())

	sendAction := a.Encapsulate(payload)
	if sendAction.Kind != wgnet.ActionWriteToNetwork {
		t.Fatalf("a.Encapsulate: kind=%v err=%v", sendAction.Kind, sendAction.Err)
	}

	deliverActions := b.HandleIncoming(sendAction.Bytes, srcA)
	deliver, ok := findAction(deliverActions, wgnet.ActionWriteToTunnel)
	if !ok {
		t.Fatalf("expected b to deliver the payload to its tunnel device, got %+v", deliverActions)
	}
	if string(deliver.Bytes) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", deliver.Bytes, payload)
	}
}

// TestTunnelHandleIncomingUnknownPeerIsRejected covers the case where a
// syntactically valid initiation arrives from a static key the tunnel
// has never registered as a peer.
func TestTunnelHandleIncomingUnknownPeerIsRejected(t *testing.T) {
	a, _, aKey, _, _ := wireTunnelPair(t)

	strangerSK, err := wgnet.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	stranger := wgnet.NewPeer(strangerSK, strangerSK.PublicKey(), aKey, clock.Real{})

	initMsg, _, err := stranger.BeginHandshake()
	if err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}

	actions := a.HandleIncoming(initMsg, &net.UDPAddr{Port: 1})
	act, ok := findAction(actions, wgnet.ActionErr)
	if !ok || act.Err != wgnet.ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer for an unregistered initiator, got %+v", actions)
	}
}

func TestTunnelHandleIncomingMalformedPacketIsDropped(t *testing.T) {
	a, _, _, _, _ := wireTunnelPair(t)

	actions := a.HandleIncoming([]byte{1, 2, 3}, &net.UDPAddr{Port: 1})
	if actions != nil {
		t.Fatalf("expected a nil action slice for a too-short packet, got %+v", actions)
	}
}

func TestTunnelEncapsulateWithNoRouteFails(t *testing.T) {
	a, _, _, bKey, _ := wireTunnelPair(t)

	// wireTunnelPair routes 0.0.0.0/0 to the peer; narrow it so the
	// destination below has no route.
	if err := a.SetAllowedIPs(bKey, []netip.Prefix{mustPrefix(t, "10.0.0.0/8")}); err != nil {
		t.Fatalf("SetAllowedIPs: %v", err)
	}

	payload := make([]byte, 20)
	payload[0] = 0x45
	copy(payload[16:20], net.IPv4(203, 0, 113, 9).To4())

	action := a.Encapsulate(payload)
	if action.Kind != wgnet.ActionErr || action.Err != wgnet.ErrNoPeer {
		t.Fatalf("expected ErrNoPeer for an unrouted destination, got kind=%v err=%v", action.Kind, action.Err)
	}
}

func TestTunnelSetAllowedIPsNarrowsRoute(t *testing.T) {
	a, _, _, bKey, _ := wireTunnelPair(t)

	if err := a.SetAllowedIPs(bKey, []netip.Prefix{mustPrefix(t, "10.0.0.0/24")}); err != nil {
		t.Fatalf("SetAllowedIPs: %v", err)
	}

	outside := make([]byte, 20)
	outside[0] = 0x45
	copy(outside[16:20], net.IPv4(10, 0, 1, 5).To4())
	if action := a.Encapsulate(outside); action.Err != wgnet.ErrNoPeer {
		t.Fatalf("expected routing to be narrowed to 10.0.0.0/24, got kind=%v err=%v", action.Kind, action.Err)
	}
}

func TestTunnelRemovePeerDropsRoutesAndIndices(t *testing.T) {
	a, _, _, bKey, _ := wireTunnelPair(t)

	a.RemovePeer(bKey)
	if p := a.Peer(bKey); p != nil {
		t.Fatalf("expected the peer to be gone after RemovePeer")
	}

	payload := make([]byte, 20)
	payload[0] = 0x45
	copy(payload[16:20], net.IPv4(10, 0, 0, 9).To4())
	if action := a.Encapsulate(payload); action.Err != wgnet.ErrNoPeer {
		t.Fatalf("expected ErrNoPeer once the peer and its routes are removed, got %v", action.Err)
	}
}

func TestTunnelListPeersReportsAllowedIPs(t *testing.T) {
	a, _, _, bKey, _ := wireTunnelPair(t)

	infos := a.ListPeers()
	if len(infos) != 1 {
		t.Fatalf("expected exactly one peer, got %d", len(infos))
	}
	if infos[0].PublicKey != bKey {
		t.Fatalf("ListPeers returned the wrong peer's stats")
	}
	if len(infos[0].AllowedIPs) != 1 || infos[0].AllowedIPs[0].String() != "0.0.0.0/0" {
		t.Fatalf("expected AllowedIPs = [0.0.0.0/0], got %v", infos[0].AllowedIPs)
	}
}

func TestTunnelHandshakeUnderLoadRequiresCookie(t *testing.T) {
	a, b, _, bKey, _ := wireTunnelPair(t)
	b.limiter = ratelimit.New(0, 0)

	peerA := a.Peer(bKey)
	srcA := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}

	initMsg, _, err := peerA.BeginHandshake()
	if err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}

	actions := b.HandleIncoming(initMsg, srcA)
	if len(actions) != 1 || actions[0].Kind != wgnet.ActionWriteToNetwork {
		t.Fatalf("expected a cookie reply under load, got %+v", actions)
	}
	if len(actions[0].Bytes) != wgnet.MessageCookieReplySize {
		t.Fatalf("cookie reply size = %d, want %d", len(actions[0].Bytes), wgnet.MessageCookieReplySize)
	}
}
