// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import "errors"

// Error kinds surfaced by the core. All of these are drop-not-fatal:
// callers should log and continue, never propagate them as a reason to
// tear down the tunnel.
var (
	// ErrDecryptFailed is returned when an AEAD tag check fails on a
	// transport data packet. The packet is dropped and the peer's
	// endpoint is not updated.
	ErrDecryptFailed = errors.New("wgnet: decrypt failed")

	// ErrReplayOrTooOld is returned when a transport counter has
	// already been accepted, or falls below the replay window.
	ErrReplayOrTooOld = errors.New("wgnet: replay or too old")

	// ErrNoSessionForIndex is returned when a transport packet's
	// receiver index does not match any live session.
	ErrNoSessionForIndex = errors.New("wgnet: no session for receiver index")

	// ErrStaleHandshakeTimestamp is returned when an initiation's
	// TAI64N timestamp is not strictly greater than the last one
	// accepted from that peer.
	ErrStaleHandshakeTimestamp = errors.New("wgnet: stale handshake timestamp")

	// ErrHandshakeAuthFailed covers any AEAD or DH failure during
	// handshake processing not covered by a more specific error.
	ErrHandshakeAuthFailed = errors.New("wgnet: handshake authentication failed")

	// ErrUnknownPeer is returned when a handshake initiation's static
	// key does not match any authorized peer.
	ErrUnknownPeer = errors.New("wgnet: unknown peer")

	// ErrNoPeer is returned for outbound plaintext with no matching
	// allowed-IPs route.
	ErrNoPeer = errors.New("wgnet: no peer for destination")

	// ErrMessageTooShort is returned for a message too short for its
	// type, and by the handshake decoders for an initiation or response
	// whose length is not exactly its fixed wire size.
	ErrMessageTooShort = errors.New("wgnet: message too short")

	// ErrUnknownMessageType is returned by the initiation decoder when
	// the type field is not MessageInitiationType. The dispatcher drops
	// messages of an unknown type without returning this error.
	ErrUnknownMessageType = errors.New("wgnet: unknown message type")

	// ErrPeerRemoved is returned by the tunnel's per-peer control
	// operations when no peer is registered for the given key. Calls
	// already holding a removed Peer do not return it. Not fatal to the
	// tunnel.
	ErrPeerRemoved = errors.New("wgnet: peer removed")

	// ErrSessionExpired is returned when an operation targets a session
	// past its reject-after-time or reject-after-messages cap.
	ErrSessionExpired = errors.New("wgnet: session expired")

	// ErrNoSession is returned by Encapsulate when a peer has no
	// current session at all (never handshaked, or its session was
	// retired and no replacement has completed yet).
	ErrNoSession = errors.New("wgnet: no current session")

	// ErrNoEndpoint is returned when an outbound action has no known
	// destination address for the peer.
	ErrNoEndpoint = errors.New("wgnet: no known endpoint for peer")
)
