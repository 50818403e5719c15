package wgnet

import (
	"testing"
	"time"

	"github.com/jack-turk-5/boringtun/clock"
)

func genKeypair(t *testing.T) (NoisePrivateKey, NoisePublicKey) {
	t.Helper()
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return sk, sk.PublicKey()
}

func TestHandshakeRoundTrip(t *testing.T) {
	initSK, initPK := genKeypair(t)
	respSK, respPK := genKeypair(t)

	now := time.Unix(1700000000, 0)

	initHS, initMsg, err := initiateHandshake(initSK, initPK, respPK, NewCookieGenerator(respPK, clock.Real{}), now)
	if err != nil {
		t.Fatalf("initiateHandshake: %v", err)
	}

	respHS, err := consumeInitiation(respSK, respPK, initMsg)
	if err != nil {
		t.Fatalf("consumeInitiation: %v", err)
	}
	if respHS.RemoteStatic != initPK {
		t.Fatalf("consumeInitiation decoded wrong remote static key")
	}

	respMsg, err := createResponse(respHS, NoisePresharedKey{}, NewCookieGenerator(initPK, clock.Real{}))
	if err != nil {
		t.Fatalf("createResponse: %v", err)
	}

	if err := consumeResponse(initHS, initSK, NoisePresharedKey{}, respMsg); err != nil {
		t.Fatalf("consumeResponse: %v", err)
	}

	initSession := deriveSession(initHS, now)
	respSession := deriveSession(respHS, now)

	if initSession.localIndex != respSession.remoteIndex {
		t.Fatalf("initiator local index %d != responder remote index %d", initSession.localIndex, respSession.remoteIndex)
	}
	if respSession.localIndex != initSession.remoteIndex {
		t.Fatalf("responder local index %d != initiator remote index %d", respSession.localIndex, initSession.remoteIndex)
	}

	plaintext := []byte("hello from the responder")
	wire, err := respSession.encrypt(now, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, counter, ciphertext, err := DecodeTransportHeader(wire)
	if err != nil {
		t.Fatalf("DecodeTransportHeader: %v", err)
	}
	got, err := initSession.decrypt(counter, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestHandshakeWithPresharedKey(t *testing.T) {
	initSK, initPK := genKeypair(t)
	respSK, respPK := genKeypair(t)

	var psk NoisePresharedKey
	for i := range psk {
		psk[i] = byte(i + 1)
	}

	now := time.Unix(1700000000, 0)

	initHS, initMsg, err := initiateHandshake(initSK, initPK, respPK, NewCookieGenerator(respPK, clock.Real{}), now)
	if err != nil {
		t.Fatalf("initiateHandshake: %v", err)
	}
	respHS, err := consumeInitiation(respSK, respPK, initMsg)
	if err != nil {
		t.Fatalf("consumeInitiation: %v", err)
	}
	respMsg, err := createResponse(respHS, psk, NewCookieGenerator(initPK, clock.Real{}))
	if err != nil {
		t.Fatalf("createResponse: %v", err)
	}
	if err := consumeResponse(initHS, initSK, psk, respMsg); err != nil {
		t.Fatalf("consumeResponse with matching psk: %v", err)
	}
}

func TestHandshakeMismatchedPresharedKeyFails(t *testing.T) {
	initSK, initPK := genKeypair(t)
	respSK, respPK := genKeypair(t)

	var pskA, pskB NoisePresharedKey
	pskB[0] = 1

	now := time.Unix(1700000000, 0)

	initHS, initMsg, err := initiateHandshake(initSK, initPK, respPK, NewCookieGenerator(respPK, clock.Real{}), now)
	if err != nil {
		t.Fatalf("initiateHandshake: %v", err)
	}
	respHS, err := consumeInitiation(respSK, respPK, initMsg)
	if err != nil {
		t.Fatalf("consumeInitiation: %v", err)
	}
	respMsg, err := createResponse(respHS, pskB, NewCookieGenerator(initPK, clock.Real{}))
	if err != nil {
		t.Fatalf("createResponse: %v", err)
	}
	if err := consumeResponse(initHS, initSK, pskA, respMsg); err == nil {
		t.Fatalf("consumeResponse should fail when the preshared key differs")
	}
}

func TestConsumeInitiationRejectsTamperedMessage(t *testing.T) {
	initSK, initPK := genKeypair(t)
	respSK, respPK := genKeypair(t)

	now := time.Unix(1700000000, 0)
	_, initMsg, err := initiateHandshake(initSK, initPK, respPK, NewCookieGenerator(respPK, clock.Real{}), now)
	if err != nil {
		t.Fatalf("initiateHandshake: %v", err)
	}

	tampered := append([]byte(nil), initMsg...)
	tampered[50] ^= 0xFF

	if _, err := consumeInitiation(respSK, respPK, tampered); err == nil {
		t.Fatalf("consumeInitiation should reject a tampered message")
	}
}

func TestConsumeInitiationRejectsWrongSizedMessage(t *testing.T) {
	_, respPK := genKeypair(t)
	respSK, _ := genKeypair(t)

	if _, err := consumeInitiation(respSK, respPK, make([]byte, MessageInitiationSize-1)); err != ErrMessageTooShort {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

// TestConsumeResponseRejectsWrongReceiver checks that a response
// addressed to a different local index than the one the initiator is
// waiting on must be rejected.
func TestConsumeResponseRejectsWrongReceiver(t *testing.T) {
	initSK, initPK := genKeypair(t)
	respSK, respPK := genKeypair(t)

	now := time.Unix(1700000000, 0)
	initHS, initMsg, err := initiateHandshake(initSK, initPK, respPK, NewCookieGenerator(respPK, clock.Real{}), now)
	if err != nil {
		t.Fatalf("initiateHandshake: %v", err)
	}
	respHS, err := consumeInitiation(respSK, respPK, initMsg)
	if err != nil {
		t.Fatalf("consumeInitiation: %v", err)
	}
	respMsg, err := createResponse(respHS, NoisePresharedKey{}, NewCookieGenerator(initPK, clock.Real{}))
	if err != nil {
		t.Fatalf("createResponse: %v", err)
	}

	initHS.localIndex++ // simulate a response meant for a different handshake
	if err := consumeResponse(initHS, initSK, NoisePresharedKey{}, respMsg); err != ErrHandshakeAuthFailed {
		t.Fatalf("expected ErrHandshakeAuthFailed for mismatched receiver, got %v", err)
	}
}
