// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the MIT License.
// See LICENSE file in the project root for full license information.

package wgnet

import (
	"crypto/hmac"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jack-turk-5/boringtun/clock"
)

// CookieRefreshTime is how long a cookie secret or a received cookie
// remains valid.
const CookieRefreshTime = 120 * time.Second

// CookieChecker verifies MAC1/MAC2 on incoming handshake messages. It
// is keyed on this tunnel's own static public key and shared across
// all peers: one instance per Tunnel, not one per Peer.
type CookieChecker struct {
	mu sync.RWMutex

	clk clock.Clock

	mac1Key [blake2s.Size]byte

	secret        [blake2s.Size]byte
	secretSet     time.Time
	encryptionKey [chacha20poly1305.KeySize]byte
}

// NewCookieChecker builds a CookieChecker for the given local public
// key, generating an initial cookie secret. c drives every cookie
// expiry check the checker makes; tests pass a clock.Mock.
func NewCookieChecker(localPublic NoisePublicKey, c clock.Clock) (*CookieChecker, error) {
	cc := &CookieChecker{clk: c}
	calculateMAC1Key(&cc.mac1Key, localPublic)

	if _, err := randRead(cc.secret[:]); err != nil {
		return nil, err
	}
	cc.secretSet = c.Now()
	var key [blake2s.Size]byte
	blake2sHash(&key, []byte(wgLabelCookie), localPublic[:])
	cc.encryptionKey = key

	return cc, nil
}

// CheckMAC1 verifies the MAC1 field of a handshake message.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if len(msg) < 32 {
		return false
	}
	smac2 := len(msg) - 16
	smac1 := smac2 - 16

	var computed [16]byte
	blake2sMAC(&computed, cc.mac1Key[:], msg[:smac1])
	return hmac.Equal(computed[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the MAC2 field against the current cookie secret
// and the source address, returning false if the secret has expired
// or the MAC does not match.
func (cc *CookieChecker) CheckMAC2(msg []byte, srcIP net.IP) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if cc.clk.Now().Sub(cc.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [16]byte
	blake2sMAC(&cookie, cc.secret[:], addrBytes(srcIP))

	smac2 := len(msg) - 16
	var mac2 [16]byte
	blake2sMAC(&mac2, cookie[:], msg[:smac2])
	return hmac.Equal(mac2[:], msg[smac2:])
}

// RotateSecret regenerates the cookie secret if it is older than
// CookieRefreshTime. Called from the tunnel's periodic Tick.
func (cc *CookieChecker) RotateSecret(now time.Time) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if now.Sub(cc.secretSet) <= CookieRefreshTime {
		return nil
	}
	if _, err := randRead(cc.secret[:]); err != nil {
		return err
	}
	cc.secretSet = now
	return nil
}

// GenerateReply builds a 64-byte cookie reply for the handshake message
// in msg, whose MAC1 field is at msg[len(msg)-32:len(msg)-16] and whose
// sender index is receiverIdx (so the initiator can match the reply to
// its pending handshake).
func (cc *CookieChecker) GenerateReply(srcIP net.IP, receiverIdx uint32, msg []byte) ([]byte, error) {
	if len(msg) < 32 {
		return nil, ErrMessageTooShort
	}
	smac2 := len(msg) - 16
	smac1 := smac2 - 16
	mac1 := msg[smac1:smac2]

	out := make([]byte, MessageCookieReplySize)
	lePutUint32(out[0:4], MessageCookieReplyType)
	lePutUint32(out[4:8], receiverIdx)

	if _, err := randRead(out[8:32]); err != nil {
		return nil, err
	}

	cc.mu.RLock()
	var cookie [16]byte
	blake2sMAC(&cookie, cc.secret[:], addrBytes(srcIP))
	encKey := cc.encryptionKey
	cc.mu.RUnlock()

	xaead, err := chacha20poly1305.NewX(encKey[:])
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], out[8:32])

	encrypted := xaead.Seal(nil, nonce[:], cookie[:], mac1)
	copy(out[32:], encrypted)
	return out, nil
}

// CookieGenerator adds MAC1/MAC2 to outgoing handshake messages for one
// remote peer, and caches the cookie that peer most recently handed
// back in a cookie reply.
type CookieGenerator struct {
	mu sync.Mutex

	clk clock.Clock

	mac1Key [blake2s.Size]byte

	encryptionKey [chacha20poly1305.KeySize]byte

	cookie      [16]byte
	cookieSet   time.Time
	hasCookie   bool
	lastMAC1    [16]byte
	hasLastMAC1 bool
}

// NewCookieGenerator builds a CookieGenerator bound to a remote peer's
// static public key. c drives the cached cookie's expiry check; tests
// pass a clock.Mock.
func NewCookieGenerator(remotePublic NoisePublicKey, c clock.Clock) *CookieGenerator {
	cg := &CookieGenerator{clk: c}
	calculateMAC1Key(&cg.mac1Key, remotePublic)
	var key [blake2s.Size]byte
	blake2sHash(&key, []byte(wgLabelCookie), remotePublic[:])
	cg.encryptionKey = key
	return cg
}

// AddMacs computes MAC1 (always) and MAC2 (only if a valid cached
// cookie exists) over msg, writing them into msg's trailing 32 bytes.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - 16
	smac1 := smac2 - 16

	cg.mu.Lock()
	defer cg.mu.Unlock()

	var mac1 [16]byte
	blake2sMAC(&mac1, cg.mac1Key[:], msg[:smac1])
	copy(msg[smac1:smac2], mac1[:])
	cg.lastMAC1 = mac1
	cg.hasLastMAC1 = true

	if !cg.hasCookie || cg.clk.Now().Sub(cg.cookieSet) > CookieRefreshTime {
		return
	}

	var mac2 [16]byte
	blake2sMAC(&mac2, cg.cookie[:], msg[:smac2])
	copy(msg[smac2:], mac2[:])
}

// ConsumeReply decrypts a cookie reply and caches the cookie for
// future AddMacs calls. The reply is authenticated against the MAC1
// that the most recent AddMacs call wrote, which must be the MAC1 of
// the message this reply answers (the responder bound the cookie to
// it as AEAD associated data).
func (cg *CookieGenerator) ConsumeReply(data []byte) error {
	if len(data) < MessageCookieReplySize {
		return ErrMessageTooShort
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	if !cg.hasLastMAC1 {
		return ErrHandshakeAuthFailed
	}

	xaead, err := chacha20poly1305.NewX(cg.encryptionKey[:])
	if err != nil {
		return err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], data[8:32])

	cookie, err := xaead.Open(nil, nonce[:], data[32:MessageCookieReplySize], cg.lastMAC1[:])
	if err != nil {
		return ErrHandshakeAuthFailed
	}

	copy(cg.cookie[:], cookie)
	cg.cookieSet = cg.clk.Now()
	cg.hasCookie = true
	return nil
}

// randRead reads cryptographically secure random bytes into b using
// the package-level Rand source.
func randRead(b []byte) (int, error) {
	return io.ReadFull(Rand, b)
}

func addrBytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}
