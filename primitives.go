// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Package wgnet implements the cryptographic core of a userspace
// WireGuard tunnel: the Noise-IK handshake, session key lifecycle,
// replay-protected AEAD transport, and the cookie-based under-load
// defense. It does not own any I/O — callers drive it with bytes read
// from a UDP socket or a tunnel device and act on the Actions it
// returns.
package wgnet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// WireGuard protocol constants shared by the handshake and cookie code.
const (
	wgLabelMAC1   = "mac1----"
	wgLabelCookie = "cookie--"

	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	tai64nTimestampSize = 12
)

// Key sizes.
const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

// NoisePublicKey is a Curve25519 public key.
type NoisePublicKey [NoisePublicKeySize]byte

// NoisePrivateKey is a Curve25519 private key.
type NoisePrivateKey [NoisePrivateKeySize]byte

// NoisePresharedKey is a WireGuard preshared key. The zero value means
// "no preshared key configured" and is mixed in as all-zero bytes,
// which is the WireGuard-defined default.
type NoisePresharedKey [NoisePresharedKeySize]byte

// Rand is the source of cryptographic randomness used by the package.
// Tests may substitute a deterministic reader; production code should
// leave it as crypto/rand.Reader.
var Rand io.Reader = rand.Reader

// ErrInvalidEphemeral is returned when an X25519 operation produces an
// all-zero shared secret, which indicates a contributory (small-order)
// public key was supplied by the peer.
var ErrInvalidEphemeral = errors.New("wgnet: invalid ephemeral (contributory behavior)")

// x25519 performs a Curve25519 scalar multiplication and rejects an
// all-zero result, mitigating contributory behavior from a malicious
// peer's public key.
func x25519(sk NoisePrivateKey, pk NoisePublicKey) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	if isZero(out[:]) {
		return out, ErrInvalidEphemeral
	}
	return out, nil
}

// clamp applies the Curve25519 clamping operation to a private key.
func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key corresponding to this private key.
func (sk NoisePrivateKey) PublicKey() NoisePublicKey {
	var pk NoisePublicKey
	result, _ := curve25519.X25519(sk[:], curve25519.Basepoint)
	copy(pk[:], result)
	return pk
}

// GeneratePrivateKey generates a new random, correctly clamped
// Curve25519 private key using Rand.
func GeneratePrivateKey() (NoisePrivateKey, error) {
	var key NoisePrivateKey
	if _, err := io.ReadFull(Rand, key[:]); err != nil {
		return key, err
	}
	key.clamp()
	return key, nil
}

// randUint32 draws a uniformly random, nonzero uint32 from Rand. It is
// used for session indices and sender indices, which must be
// unpredictable (spec: index allocation).
func randUint32() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(Rand, buf[:]); err != nil {
			return 0, err
		}
		v := leUint32(buf[:])
		if v != 0 {
			return v, nil
		}
	}
}

// aead is the narrow AEAD interface the session and handshake code
// depend on, satisfied by chacha20poly1305.
type aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// newAEAD constructs a ChaCha20-Poly1305 AEAD from a 32-byte key.
func newAEAD(key [chacha20poly1305.KeySize]byte) aead {
	a, _ := chacha20poly1305.New(key[:])
	return a
}

// aeadNonce builds the 12-byte nonce WireGuard uses for transport and
// handshake AEAD operations: 4 zero bytes followed by the little-endian
// counter.
func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	lePutUint64(nonce[4:], counter)
	return nonce
}

// Blake2s-based hash, MAC, and HKDF (the WireGuard "KDF" chain).

// blake2sHash hashes the concatenation of its inputs with unkeyed
// Blake2s-256.
func blake2sHash(dst *[blake2s.Size]byte, inputs ...[]byte) {
	h, _ := blake2s.New256(nil)
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(dst[:0])
}

// blake2sMAC computes a keyed Blake2s-128 MAC over the concatenation of
// its inputs.
func blake2sMAC(dst *[blake2s.Size128]byte, key []byte, inputs ...[]byte) {
	h, _ := blake2s.New128(key)
	for _, in := range inputs {
		h.Write(in)
	}
	h.Sum(dst[:0])
}

func hmacBlake2s(sum *[blake2s.Size]byte, key []byte, inputs ...[]byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	for _, in := range inputs {
		mac.Write(in)
	}
	mac.Sum(sum[:0])
}

// mixHash folds data into a running transcript hash: h' = Hash(h || data).
func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	blake2sHash(dst, h[:], data)
}

// mixKey folds input into the chaining key via kdf1.
func mixKey(dst, chainKey *[blake2s.Size]byte, input []byte) {
	kdf1(dst, chainKey[:], input)
}

// kdf1 derives a single 32-byte output from key and input.
func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	hmacBlake2s(t0, key, input)
	hmacBlake2s(t0, t0[:], []byte{0x1})
}

// kdf2 derives two 32-byte outputs from key and input.
func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], t0[:], []byte{0x2})
	zeroize(prk[:])
}

// kdf3 derives three 32-byte outputs from key and input; t2 may be nil
// if only two outputs are needed.
func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], t0[:], []byte{0x2})
	if t2 != nil {
		hmacBlake2s(t2, prk[:], t1[:], []byte{0x3})
	}
	zeroize(prk[:])
}

// mixPSK mixes a preshared key into the handshake chaining key and
// transcript hash, producing the AEAD key used for the next encrypted
// field. This step runs even when no PSK was configured: an all-zero
// NoisePresharedKey is the WireGuard-defined default.
func mixPSK(chainKey, transcriptHash *[blake2s.Size]byte, key *[chacha20poly1305.KeySize]byte, psk NoisePresharedKey) {
	var tau [blake2s.Size]byte
	kdf3(chainKey, &tau, key, chainKey[:], psk[:])
	mixHash(transcriptHash, transcriptHash, tau[:])
	zeroize(tau[:])
}

func calculateMAC1Key(dst *[blake2s.Size]byte, publicKey NoisePublicKey) {
	blake2sHash(dst, []byte(wgLabelMAC1), publicKey[:])
}

// zeroize overwrites a secret-bearing buffer with zero bytes. The KDF
// and handshake code call it on intermediate keys and on a completed
// handshake state; session keys held by a Session's AEADs are not
// zeroized.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// isZero reports, in constant time, whether b is entirely zero bytes.
func isZero(b []byte) bool {
	acc := byte(1)
	for _, v := range b {
		acc &= byte(subtle.ConstantTimeByteEq(v, 0))
	}
	return acc == 1
}

// constantTimeEqual reports, in constant time, whether a and b are
// equal. Used for MAC and tag comparisons; never compare secrets with
// natural equality (==) outside of this helper.
func constantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Little-endian integer helpers, used throughout the wire codec instead
// of importing encoding/binary at every call site.

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func lePutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func lePutUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
