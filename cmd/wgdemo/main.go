// Copyright (c) VP.NET LLC. All rights reserved.
// Licensed under the BSD 3-Clause License.
// See LICENSE file in the project root for full license information.

// Command wgdemo wires a UDP socket, a local TUN device, and a
// wgnet/tunnel.Tunnel together, just enough to exercise the library
// end to end. It is not a general-purpose WireGuard client: there is
// no config file format and no key management beyond the flags below.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	wgnet "github.com/jack-turk-5/boringtun"
	"github.com/jack-turk-5/boringtun/tunnel"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wgdemo: exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr   = flag.String("listen", "127.0.0.1:51820", "UDP address to listen on")
		privateKey   = flag.String("private-key", "", "hex-encoded local private key (generated if empty)")
		peerKey      = flag.String("peer-key", "", "hex-encoded remote peer public key")
		peerEndpoint = flag.String("peer-endpoint", "", "UDP address of the remote peer")
		allowedIPs   = flag.String("allowed-ips", "0.0.0.0/0", "comma-separated allowed-IPs for the peer")
		tunName      = flag.String("tun", "wgdemo0", "name of the TUN device to open")
		tickInterval = flag.Duration("tick", 250*time.Millisecond, "timer/maintenance tick interval")
	)
	flag.Parse()

	sk, err := parseOrGeneratePrivateKey(*privateKey)
	if err != nil {
		return err
	}
	skPub := pub(sk)
	slog.Info("wgdemo: local identity", "public_key", hex.EncodeToString(skPub[:]))

	udpAddr, err := net.ResolveUDPAddr("udp", *listenAddr)
	if err != nil {
		return fmt.Errorf("wgdemo: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("wgdemo: listen: %w", err)
	}
	defer conn.Close()

	dev, err := openTun(*tunName)
	if err != nil {
		return err
	}
	defer dev.Close()
	slog.Info("wgdemo: tunnel device open", "name", dev.Name())

	tun, err := tunnel.New(tunnel.Config{PrivateKey: sk})
	if err != nil {
		return fmt.Errorf("wgdemo: build tunnel: %w", err)
	}

	if *peerKey != "" {
		if err := addPeer(tun, *peerKey, *peerEndpoint, *allowedIPs); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return udpReadLoop(ctx, conn, tun, dev) })
	g.Go(func() error { return tunReadLoop(ctx, dev, tun, conn) })
	g.Go(func() error { return maintenanceLoop(ctx, tun, conn, *tickInterval) })

	return g.Wait()
}

func parseOrGeneratePrivateKey(hexKey string) (wgnet.NoisePrivateKey, error) {
	if hexKey == "" {
		return wgnet.GeneratePrivateKey()
	}
	var sk wgnet.NoisePrivateKey
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != wgnet.NoisePrivateKeySize {
		return sk, fmt.Errorf("wgdemo: invalid private key")
	}
	copy(sk[:], raw)
	return sk, nil
}

func pub(sk wgnet.NoisePrivateKey) wgnet.NoisePublicKey { return sk.PublicKey() }

func addPeer(tun *tunnel.Tunnel, keyHex, endpoint, allowedIPsCSV string) error {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != wgnet.NoisePublicKeySize {
		return fmt.Errorf("wgdemo: invalid peer key")
	}
	var peerKey wgnet.NoisePublicKey
	copy(peerKey[:], raw)

	prefixes, err := parsePrefixes(allowedIPsCSV)
	if err != nil {
		return err
	}

	p := tun.AddPeer(peerKey, prefixes)
	if endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return fmt.Errorf("wgdemo: resolve peer endpoint: %w", err)
		}
		p.SetEndpoint(addr)
	}
	p.SetPersistentKeepalive(25 * time.Second)
	return nil
}

func parsePrefixes(csv string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				p, err := netip.ParsePrefix(csv[start:i])
				if err != nil {
					return nil, fmt.Errorf("wgdemo: invalid allowed-ip %q: %w", csv[start:i], err)
				}
				out = append(out, p)
			}
			start = i + 1
		}
	}
	return out, nil
}

func udpReadLoop(ctx context.Context, conn *net.UDPConn, tun *tunnel.Tunnel, dev tunDevice) error {
	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("wgdemo: udp read: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		for _, action := range tun.HandleIncoming(data, src) {
			execute(action, conn, dev)
		}
	}
}

func tunReadLoop(ctx context.Context, dev tunDevice, tun *tunnel.Tunnel, conn *net.UDPConn) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wgdemo: tun read: %w", err)
		}

		plaintext := make([]byte, n)
		copy(plaintext, buf[:n])
		execute(tun.Encapsulate(plaintext), conn, dev)
	}
}

func maintenanceLoop(ctx context.Context, tun *tunnel.Tunnel, conn *net.UDPConn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, action := range tun.Tick(now) {
				execute(action, conn, nil)
			}
		}
	}
}

func execute(action wgnet.Action, conn *net.UDPConn, dev tunDevice) {
	switch action.Kind {
	case wgnet.ActionNothing:
	case wgnet.ActionErr:
		if action.Err != nil {
			slog.Debug("wgdemo: action error", "error", action.Err)
		}
	case wgnet.ActionWriteToNetwork:
		if _, err := conn.WriteToUDP(action.Bytes, action.Dst); err != nil {
			slog.Error("wgdemo: udp write failed", "error", err)
		}
	case wgnet.ActionWriteToTunnel:
		if dev == nil {
			return
		}
		if _, err := dev.Write(action.Bytes); err != nil {
			slog.Error("wgdemo: tun write failed", "error", err)
		}
	}
}
