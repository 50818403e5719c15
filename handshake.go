// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import (
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// initialChainKey and initialHash seed every handshake's Noise
	// state, derived once from the protocol's construction and
	// identifier strings.
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte

	zeroNonce [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(noiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(wgIdentifier))
}

// handshakeState is the mutable Noise-IK transcript for one in-progress
// handshake. A Peer holds at most one of these at a time: starting a
// new initiation discards whatever state an earlier attempt left
// behind.
type handshakeState struct {
	chainKey [blake2s.Size]byte
	hash     [blake2s.Size]byte

	localEphemeral  NoisePrivateKey
	remoteEphemeral NoisePublicKey
	RemoteStatic    NoisePublicKey

	precomputedStaticStatic [32]byte

	localIndex  uint32
	remoteIndex uint32
	isInitiator bool

	// lastTimestamp is the TAI64N timestamp decrypted from the most
	// recently accepted initiation from this handshake's remote
	// static key, used by the caller to reject replayed initiations
	// (spec property 6).
	lastTimestamp [tai64nTimestampSize]byte
}

// clear zeroizes every secret-bearing field of hs. deriveSession calls
// it once the session keys are derived; a handshake state discarded
// before completion (a failed consume, a replaced or abandoned pending
// handshake) is not cleared.
func (hs *handshakeState) clear() {
	zeroize(hs.chainKey[:])
	zeroize(hs.hash[:])
	zeroize(hs.localEphemeral[:])
	zeroize(hs.precomputedStaticStatic[:])
}

// initiateHandshake builds a handshake initiation addressed to
// remotePublic and returns the 148-byte wire message alongside the
// handshake state the caller must keep until a response (or cookie
// reply) arrives. cookieGen must already be bound to remotePublic.
func initiateHandshake(localPrivate NoisePrivateKey, localPublic, remotePublic NoisePublicKey, cookieGen *CookieGenerator, now time.Time) (*handshakeState, []byte, error) {
	hs := &handshakeState{
		RemoteStatic: remotePublic,
		isInitiator:  true,
	}
	hs.chainKey = initialChainKey
	hs.hash = initialHash

	ss, err := x25519(localPrivate, remotePublic)
	if err != nil {
		return nil, nil, err
	}
	copy(hs.precomputedStaticStatic[:], ss[:])

	mixHash(&hs.hash, &hs.hash, remotePublic[:])

	hs.localEphemeral, err = GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	ephPub := hs.localEphemeral.PublicKey()

	mixHash(&hs.hash, &hs.hash, ephPub[:])
	mixKey(&hs.chainKey, &hs.chainKey, ephPub[:])

	es, err := x25519(hs.localEphemeral, remotePublic)
	if err != nil {
		return nil, nil, err
	}

	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.chainKey, &key, hs.chainKey[:], es[:])

	var msg MessageInitiation
	msg.Type = MessageInitiationType

	senderIdx, err := randUint32()
	if err != nil {
		return nil, nil, err
	}
	msg.Sender = senderIdx
	hs.localIndex = senderIdx

	copy(msg.Ephemeral[:], ephPub[:])

	encCipher := newAEAD(key)
	encStatic := encCipher.Seal(nil, zeroNonce[:], localPublic[:], hs.hash[:])
	copy(msg.Static[:], encStatic)
	mixHash(&hs.hash, &hs.hash, msg.Static[:])

	kdf2(&hs.chainKey, &key, hs.chainKey[:], hs.precomputedStaticStatic[:])

	ts := tai64n(now)
	encCipher = newAEAD(key)
	encTimestamp := encCipher.Seal(nil, zeroNonce[:], ts[:], hs.hash[:])
	copy(msg.Timestamp[:], encTimestamp)
	mixHash(&hs.hash, &hs.hash, msg.Timestamp[:])

	zeroize(key[:])

	out := encodeMessageInitiation(&msg)
	cookieGen.AddMacs(out)
	return hs, out, nil
}

// ConsumeInitiation validates and decrypts an incoming handshake
// initiation addressed to localPublic, without yet knowing which peer
// sent it. The dispatcher calls this first, reads hs.RemoteStatic to
// find the matching Peer, and then hands hs to that peer's
// AcceptInitiation. The caller must already have verified MAC1 (and
// MAC2, under load) via a CookieChecker before calling this.
func ConsumeInitiation(localPrivate NoisePrivateKey, localPublic NoisePublicKey, data []byte) (*handshakeState, error) {
	return consumeInitiation(localPrivate, localPublic, data)
}

// consumeInitiation validates and decrypts an incoming handshake
// initiation, returning a handshake state positioned to build a
// response. The caller (the tunnel's peer lookup) is responsible for
// checking that hs.RemoteStatic names an authorized peer and that
// hs.lastTimestamp is strictly newer than the last one accepted from
// that peer before acting on the result; this function performs no
// peer-table lookups itself.
//
// The caller must already have verified MAC1 (and MAC2, if under
// load) via a CookieChecker before calling this.
func consumeInitiation(localPrivate NoisePrivateKey, localPublic NoisePublicKey, data []byte) (*handshakeState, error) {
	msg, err := decodeMessageInitiation(data)
	if err != nil {
		return nil, err
	}

	hs := &handshakeState{
		remoteIndex: msg.Sender,
	}
	hs.chainKey = initialChainKey
	hs.hash = initialHash

	mixHash(&hs.hash, &hs.hash, localPublic[:])

	copy(hs.remoteEphemeral[:], msg.Ephemeral[:])
	mixHash(&hs.hash, &hs.hash, hs.remoteEphemeral[:])
	mixKey(&hs.chainKey, &hs.chainKey, hs.remoteEphemeral[:])

	ee, err := x25519(localPrivate, hs.remoteEphemeral)
	if err != nil {
		return nil, ErrHandshakeAuthFailed
	}

	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.chainKey, &key, hs.chainKey[:], ee[:])

	decCipher := newAEAD(key)
	remoteStatic, err := decCipher.Open(nil, zeroNonce[:], msg.Static[:], hs.hash[:])
	if err != nil || len(remoteStatic) != NoisePublicKeySize {
		return nil, ErrHandshakeAuthFailed
	}
	copy(hs.RemoteStatic[:], remoteStatic)
	mixHash(&hs.hash, &hs.hash, msg.Static[:])

	ss, err := x25519(localPrivate, hs.RemoteStatic)
	if err != nil {
		return nil, ErrHandshakeAuthFailed
	}
	copy(hs.precomputedStaticStatic[:], ss[:])
	kdf2(&hs.chainKey, &key, hs.chainKey[:], ss[:])

	decCipher = newAEAD(key)
	timestamp, err := decCipher.Open(nil, zeroNonce[:], msg.Timestamp[:], hs.hash[:])
	if err != nil || len(timestamp) != tai64nTimestampSize {
		return nil, ErrHandshakeAuthFailed
	}
	copy(hs.lastTimestamp[:], timestamp)
	mixHash(&hs.hash, &hs.hash, msg.Timestamp[:])

	zeroize(key[:])
	return hs, nil
}

// createResponse completes the responder side of a handshake begun by
// consumeInitiation, returning the 92-byte wire message and leaving hs
// ready for deriveSession. psk and cookieGen must be the values
// configured for hs.RemoteStatic.
func createResponse(hs *handshakeState, psk NoisePresharedKey, cookieGen *CookieGenerator) ([]byte, error) {
	var err error
	hs.localEphemeral, err = GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	ephPub := hs.localEphemeral.PublicKey()

	mixHash(&hs.hash, &hs.hash, ephPub[:])
	mixKey(&hs.chainKey, &hs.chainKey, ephPub[:])

	ee, err := x25519(hs.localEphemeral, hs.remoteEphemeral)
	if err != nil {
		return nil, ErrHandshakeAuthFailed
	}
	mixKey(&hs.chainKey, &hs.chainKey, ee[:])

	se, err := x25519(hs.localEphemeral, hs.RemoteStatic)
	if err != nil {
		return nil, ErrHandshakeAuthFailed
	}
	mixKey(&hs.chainKey, &hs.chainKey, se[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&hs.chainKey, &hs.hash, &key, psk)

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Receiver = hs.remoteIndex

	senderIdx, err := randUint32()
	if err != nil {
		return nil, err
	}
	msg.Sender = senderIdx
	hs.localIndex = senderIdx

	copy(msg.Ephemeral[:], ephPub[:])

	encCipher := newAEAD(key)
	empty := encCipher.Seal(nil, zeroNonce[:], nil, hs.hash[:])
	copy(msg.Empty[:], empty)
	mixHash(&hs.hash, &hs.hash, msg.Empty[:])

	zeroize(key[:])

	out := encodeMessageResponse(&msg)
	cookieGen.AddMacs(out)
	return out, nil
}

// consumeResponse completes the initiator side of a handshake: it
// validates and decrypts an incoming handshake response against hs
// (the state initiateHandshake produced) and leaves hs ready for
// deriveSession.
func consumeResponse(hs *handshakeState, localPrivate NoisePrivateKey, psk NoisePresharedKey, data []byte) error {
	msg, err := decodeMessageResponse(data)
	if err != nil {
		return err
	}
	if msg.Receiver != hs.localIndex {
		return ErrHandshakeAuthFailed
	}

	copy(hs.remoteEphemeral[:], msg.Ephemeral[:])
	mixHash(&hs.hash, &hs.hash, hs.remoteEphemeral[:])
	mixKey(&hs.chainKey, &hs.chainKey, hs.remoteEphemeral[:])

	ee, err := x25519(hs.localEphemeral, hs.remoteEphemeral)
	if err != nil {
		return ErrHandshakeAuthFailed
	}
	mixKey(&hs.chainKey, &hs.chainKey, ee[:])

	se, err := x25519(localPrivate, hs.remoteEphemeral)
	if err != nil {
		return ErrHandshakeAuthFailed
	}
	mixKey(&hs.chainKey, &hs.chainKey, se[:])

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&hs.chainKey, &hs.hash, &key, psk)

	decCipher := newAEAD(key)
	if _, err := decCipher.Open(nil, zeroNonce[:], msg.Empty[:], hs.hash[:]); err != nil {
		zeroize(key[:])
		return ErrHandshakeAuthFailed
	}
	mixHash(&hs.hash, &hs.hash, msg.Empty[:])
	zeroize(key[:])

	hs.remoteIndex = msg.Sender
	return nil
}

// deriveSession derives the pair of transport AEAD keys from a
// completed handshake and wraps them in a new Session. The key
// ordering (which side sends with which derived key) follows the
// Noise-IK rule: the initiator sends with the first KDF output and
// receives with the second; the responder is the mirror image.
func deriveSession(hs *handshakeState, birth time.Time) *Session {
	var k0, k1 [blake2s.Size]byte
	kdf2(&k0, &k1, hs.chainKey[:], nil)

	var sendKey, recvKey [32]byte
	if hs.isInitiator {
		sendKey, recvKey = k0, k1
	} else {
		sendKey, recvKey = k1, k0
	}

	s := newSession(hs.localIndex, hs.remoteIndex, sendKey, recvKey, hs.isInitiator, birth)

	zeroize(k0[:])
	zeroize(k1[:])
	zeroize(sendKey[:])
	zeroize(recvKey[:])
	hs.clear()
	return s
}
