// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

//go:build linux

package main

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunPath  = "/dev/net/tun"
	ifnamsiz = 16
	iffTun   = 0x0001
	iffNoPi  = 0x1000
	tunSetIff = 0x400454ca
)

type ifReq struct {
	Name  [ifnamsiz]byte
	Flags uint16
	pad   [24 - ifnamsiz - 2]byte
}

type linuxTun struct {
	name string
	fd   *os.File
}

func (t *linuxTun) Name() string               { return t.name }
func (t *linuxTun) Read(p []byte) (int, error)  { return t.fd.Read(p) }
func (t *linuxTun) Write(p []byte) (int, error) { return t.fd.Write(p) }
func (t *linuxTun) Close() error                { return t.fd.Close() }

// openTun opens or creates the named Linux TUN device via the
// TUNSETIFF ioctl.
func openTun(name string) (tunDevice, error) {
	fd, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("wgdemo: open %s: %w", tunPath, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTun | iffNoPi

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		fd.Close()
		return nil, fmt.Errorf("wgdemo: TUNSETIFF: %w", errno)
	}

	actual := strings.TrimRight(string(req.Name[:]), "\x00")
	return &linuxTun{name: actual, fd: fd}, nil
}
