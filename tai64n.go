// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package wgnet

import "time"

// tai64nEpochOffset is the number of seconds between the Unix epoch and
// the TAI64 epoch (2^62 seconds before 1970-01-01, per the TAI64
// convention), as used by the reference WireGuard implementation.
const tai64nEpochOffset = uint64(1) << 62

// tai64n encodes t as a 12-byte TAI64N timestamp: 8 bytes big-endian
// seconds (offset by the TAI64 epoch) followed by 4 bytes big-endian
// nanoseconds.
func tai64n(t time.Time) [tai64nTimestampSize]byte {
	var out [tai64nTimestampSize]byte
	secs := tai64nEpochOffset + uint64(t.Unix())
	out[0] = byte(secs >> 56)
	out[1] = byte(secs >> 48)
	out[2] = byte(secs >> 40)
	out[3] = byte(secs >> 32)
	out[4] = byte(secs >> 24)
	out[5] = byte(secs >> 16)
	out[6] = byte(secs >> 8)
	out[7] = byte(secs)
	nsec := uint32(t.Nanosecond())
	out[8] = byte(nsec >> 24)
	out[9] = byte(nsec >> 16)
	out[10] = byte(nsec >> 8)
	out[11] = byte(nsec)
	return out
}

// tai64nAfter reports whether a represents a strictly later instant
// than b. TAI64N timestamps are big-endian and monotonic in their byte
// representation, so this is a plain byte-wise comparison.
func tai64nAfter(a, b [tai64nTimestampSize]byte) bool {
	for i := 0; i < tai64nTimestampSize; i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
