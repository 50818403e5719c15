// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

//go:build !linux

package main

import (
	"fmt"
	"io"
)

// loopbackTun is a fake tunnel device used wherever a real kernel TUN
// device isn't available: an in-memory pipe, so the demo still runs
// end to end on non-Linux hosts.
type loopbackTun struct {
	name     string
	r        *io.PipeReader
	w        *io.PipeWriter
}

func (t *loopbackTun) Name() string               { return t.name }
func (t *loopbackTun) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *loopbackTun) Write(p []byte) (int, error) { return t.w.Write(p) }
func (t *loopbackTun) Close() error {
	t.r.Close()
	return t.w.Close()
}

func openTun(name string) (tunDevice, error) {
	r, w := io.Pipe()
	return &loopbackTun{name: fmt.Sprintf("%s (loopback)", name), r: r, w: w}, nil
}
