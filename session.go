// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import (
	"sync/atomic"
	"time"
)

// RejectAfterMessages is the maximum number of messages a session may
// send or receive before it must be retired, per the WireGuard
// specification: 2^64 - 2^13 - 1.
const RejectAfterMessages = uint64(1<<64-1) - (1 << 13)

// RejectAfterTime is the maximum lifetime of a session.
const RejectAfterTime = 180 * time.Second

// Session is a single directional pair of AEAD keys with a send
// counter and a receive replay window, installed atomically when a
// handshake completes.
type Session struct {
	localIndex  uint32
	remoteIndex uint32

	send    aead
	receive aead

	sendCounter atomic.Uint64
	replay      ReplayWindow

	birth       time.Time
	isInitiator bool

	// hasReceivedData becomes true the first time the initiator
	// successfully decrypts a transport packet on this session. Until
	// then, the initiator must not use it to send data (spec §4.3):
	// an attacker who can spoof a handshake response but never
	// actually replies with data should not be able to displace a
	// live session on the responder side.
	hasReceivedData atomic.Bool
}

// newSession builds a Session from a completed handshake's derived
// keys. sendKey/recvKey are zeroized by the caller after this returns.
func newSession(localIndex, remoteIndex uint32, sendKey, recvKey [32]byte, isInitiator bool, birth time.Time) *Session {
	s := &Session{
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		send:        newAEAD(sendKey),
		receive:     newAEAD(recvKey),
		birth:       birth,
		isInitiator: isInitiator,
	}
	if !isInitiator {
		// The responder may send immediately.
		s.hasReceivedData.Store(true)
	}
	return s
}

// usableForSending reports whether this session may be used to send
// transport data right now: the responder always may; the initiator
// must wait for its first received data packet.
func (s *Session) usableForSending() bool {
	return s.hasReceivedData.Load()
}

// expired reports whether the session has outlived its reject-after-
// time or reject-after-messages budget.
func (s *Session) expired(now time.Time) bool {
	if now.Sub(s.birth) >= RejectAfterTime {
		return true
	}
	return s.sendCounter.Load() >= RejectAfterMessages
}

// encrypt seals plaintext under the next send counter, zero-padding the
// plaintext to a 16-byte boundary as WireGuard transport packets
// require, and returns the wire-format transport message (header +
// ciphertext). An empty plaintext produces a keepalive packet. now is
// supplied by the caller's clock so reject-after-time retirement is
// testable with a mock clock.
func (s *Session) encrypt(now time.Time, plaintext []byte) ([]byte, error) {
	if s.expired(now) {
		return nil, ErrSessionExpired
	}

	counter := s.sendCounter.Add(1) - 1
	if counter >= RejectAfterMessages {
		return nil, ErrSessionExpired
	}

	padded := padTo16(plaintext)
	nonce := aeadNonce(counter)
	ciphertext := s.send.Seal(nil, nonce[:], padded, nil)

	out := make([]byte, MessageTransportHeaderSize+len(ciphertext))
	lePutUint32(out[MessageTransportOffsetType:], MessageTransportType)
	lePutUint32(out[MessageTransportOffsetReceiver:], s.remoteIndex)
	lePutUint64(out[MessageTransportOffsetCounter:], counter)
	copy(out[MessageTransportOffsetContent:], ciphertext)
	return out, nil
}

// decrypt opens a transport message's ciphertext and, only once that
// succeeds, checks and commits the counter against the replay window,
// then strips the zero padding. Committing only after a successful
// open keeps a spoofed receiver_index from burning counters in the
// window with garbage ciphertext. It does not inspect receiver_index;
// the caller has already used that to locate this session.
func (s *Session) decrypt(counter uint64, ciphertext []byte) ([]byte, error) {
	if counter >= RejectAfterMessages {
		return nil, ErrSessionExpired
	}

	nonce := aeadNonce(counter)
	plaintext, err := s.receive.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	if err := s.replay.CheckAndCommit(counter); err != nil {
		return nil, err
	}

	if !s.hasReceivedData.Load() {
		s.hasReceivedData.Store(true)
	}

	return stripPadding(plaintext), nil
}

// padTo16 returns plaintext padded with zero bytes to the next
// multiple of 16, matching WireGuard's transport framing.
func padTo16(plaintext []byte) []byte {
	pad := (16 - len(plaintext)%16) % 16
	if pad == 0 {
		return plaintext
	}
	out := make([]byte, len(plaintext)+pad)
	copy(out, plaintext)
	return out
}

// stripPadding trims the zero padding added by padTo16, using the
// inner IP header's declared length when the payload looks like an IP
// packet, and otherwise returning it unpadded-as-is (e.g. an empty
// keepalive payload).
func stripPadding(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	version := b[0] >> 4
	switch version {
	case 4:
		if len(b) >= 4 {
			total := int(b[2])<<8 | int(b[3])
			if total >= 20 && total <= len(b) {
				return b[:total]
			}
		}
	case 6:
		if len(b) >= 40 {
			payloadLen := int(b[4])<<8 | int(b[5])
			total := 40 + payloadLen
			if total <= len(b) {
				return b[:total]
			}
		}
	}
	return b
}
