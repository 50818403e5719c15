// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import "net"

// ActionKind identifies what a driver must do with an Action.
type ActionKind int

const (
	// ActionNothing means the driver has nothing to do.
	ActionNothing ActionKind = iota
	// ActionWriteToNetwork means Bytes must be sent to Dst over UDP.
	ActionWriteToNetwork
	// ActionWriteToTunnel means Bytes is decrypted plaintext to write
	// to the local tunnel device.
	ActionWriteToTunnel
	// ActionErr means the operation failed; Err explains how.
	ActionErr
)

// Action is the unit of work a Peer or Tunnel hands back to its
// driver instead of performing I/O itself, per spec §4.6.
type Action struct {
	Kind ActionKind
	Bytes []byte
	Dst   *net.UDPAddr
	Err   error

	// LocalIndex is set on an ActionWriteToNetwork carrying a freshly
	// built handshake initiation, so the dispatcher can register the
	// new local index in its receiver-index table without a separate
	// LiveIndices scan.
	LocalIndex uint32
}

func actionNothing() Action { return Action{Kind: ActionNothing} }

func actionErr(err error) Action { return Action{Kind: ActionErr, Err: err} }

func actionNetwork(b []byte, dst *net.UDPAddr) Action {
	return Action{Kind: ActionWriteToNetwork, Bytes: b, Dst: dst}
}

func actionNetworkIndexed(b []byte, dst *net.UDPAddr, localIndex uint32) Action {
	return Action{Kind: ActionWriteToNetwork, Bytes: b, Dst: dst, LocalIndex: localIndex}
}

func actionTunnel(b []byte) Action {
	return Action{Kind: ActionWriteToTunnel, Bytes: b}
}
