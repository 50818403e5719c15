// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import "golang.org/x/crypto/chacha20poly1305"

// WireGuard wire message types. The first four bytes of every packet
// (little-endian) identify which of these four messages it is.
const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

// Wire message sizes.
const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + chacha20poly1305.Overhead
	MessageKeepaliveSize       = MessageTransportSize
)

// Transport message field offsets.
const (
	MessageTransportOffsetType     = 0
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// MessageInitiation is the 148-byte handshake initiation message:
// type(4) || sender(4) || ephemeral(32) || static(32+16) || timestamp(12+16) || mac1(16) || mac2(16).
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral [NoisePublicKeySize]byte
	Static    [NoisePublicKeySize + chacha20poly1305.Overhead]byte
	Timestamp [tai64nTimestampSize + chacha20poly1305.Overhead]byte
	MAC1      [16]byte
	MAC2      [16]byte
}

// MessageResponse is the 92-byte handshake response message:
// type(4) || sender(4) || receiver(4) || ephemeral(32) || empty(0+16) || mac1(16) || mac2(16).
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral [NoisePublicKeySize]byte
	Empty     [chacha20poly1305.Overhead]byte
	MAC1      [16]byte
	MAC2      [16]byte
}

// MessageCookieReply is the 64-byte cookie reply message:
// type(4) || receiver(4) || nonce(24) || encrypted_cookie(16+16).
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [16 + chacha20poly1305.Overhead]byte
}

// PeekMessageType reports the wire message type of data without fully
// decoding it, for a dispatcher demuxing packets before it knows which
// decoder to call.
func PeekMessageType(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, ErrMessageTooShort
	}
	return leUint32(data[0:4]), nil
}

// PeekReceiverIndex reports the receiver-index field shared by
// cookie-reply and transport-data messages (both at byte offset 4),
// without decoding the rest of the message. On an initiation or a
// response the same offset holds the sender index.
func PeekReceiverIndex(data []byte) (uint32, error) {
	if len(data) < 8 {
		return 0, ErrMessageTooShort
	}
	return leUint32(data[4:8]), nil
}

// PeekResponseReceiverIndex reports a handshake response message's
// receiver-index field, which identifies the initiator's pending
// handshake this response answers. Unlike cookie-reply and
// transport-data messages, a response also carries its own sender
// index at offset 4, pushing its receiver index out to offset 8.
func PeekResponseReceiverIndex(data []byte) (uint32, error) {
	if len(data) < 12 {
		return 0, ErrMessageTooShort
	}
	return leUint32(data[8:12]), nil
}

// DecodeTransportHeader splits a type-4 transport-data message into its
// receiver index, counter, and AEAD ciphertext (including the trailing
// tag), for a dispatcher to hand to the matching Peer's
// DecryptTransport.
func DecodeTransportHeader(data []byte) (receiver uint32, counter uint64, ciphertext []byte, err error) {
	if len(data) < MessageTransportOffsetContent {
		return 0, 0, nil, ErrMessageTooShort
	}
	receiver = leUint32(data[MessageTransportOffsetReceiver:MessageTransportOffsetCounter])
	counter = leUint64(data[MessageTransportOffsetCounter:MessageTransportOffsetContent])
	ciphertext = data[MessageTransportOffsetContent:]
	return receiver, counter, ciphertext, nil
}

func decodeMessageInitiation(data []byte) (MessageInitiation, error) {
	var msg MessageInitiation
	if len(data) != MessageInitiationSize {
		return msg, ErrMessageTooShort
	}
	if leUint32(data[0:4]) != MessageInitiationType {
		return msg, ErrUnknownMessageType
	}
	msg.Type = leUint32(data[0:4])
	msg.Sender = leUint32(data[4:8])
	copy(msg.Ephemeral[:], data[8:40])
	copy(msg.Static[:], data[40:88])
	copy(msg.Timestamp[:], data[88:116])
	copy(msg.MAC1[:], data[116:132])
	copy(msg.MAC2[:], data[132:148])
	return msg, nil
}

func encodeMessageInitiation(msg *MessageInitiation) []byte {
	buf := make([]byte, MessageInitiationSize)
	lePutUint32(buf[0:4], msg.Type)
	lePutUint32(buf[4:8], msg.Sender)
	copy(buf[8:40], msg.Ephemeral[:])
	copy(buf[40:88], msg.Static[:])
	copy(buf[88:116], msg.Timestamp[:])
	copy(buf[116:132], msg.MAC1[:])
	copy(buf[132:148], msg.MAC2[:])
	return buf
}

func decodeMessageResponse(data []byte) (MessageResponse, error) {
	var msg MessageResponse
	if len(data) != MessageResponseSize {
		return msg, ErrMessageTooShort
	}
	msg.Type = leUint32(data[0:4])
	msg.Sender = leUint32(data[4:8])
	msg.Receiver = leUint32(data[8:12])
	copy(msg.Ephemeral[:], data[12:44])
	copy(msg.Empty[:], data[44:60])
	copy(msg.MAC1[:], data[60:76])
	copy(msg.MAC2[:], data[76:92])
	return msg, nil
}

func encodeMessageResponse(msg *MessageResponse) []byte {
	buf := make([]byte, MessageResponseSize)
	lePutUint32(buf[0:4], msg.Type)
	lePutUint32(buf[4:8], msg.Sender)
	lePutUint32(buf[8:12], msg.Receiver)
	copy(buf[12:44], msg.Ephemeral[:])
	copy(buf[44:60], msg.Empty[:])
	copy(buf[60:76], msg.MAC1[:])
	copy(buf[76:92], msg.MAC2[:])
	return buf
}
