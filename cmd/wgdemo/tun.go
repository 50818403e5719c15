// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

package main

import "io"

// tunDevice is the narrow interface the demo driver needs from a local
// tunnel device: read/write raw IP packets. On Linux, openTun opens a
// real kernel TUN device; elsewhere it returns an in-memory loopback
// device so the demo still runs end to end without root privileges.
type tunDevice interface {
	io.ReadWriteCloser
	Name() string
}
