// mcast-tester emulates a multicast sender or receiver on an emulated host.
//
// Usage:
//
//	mcast-tester [--send=RATE] SOCKET GROUP IFACE
//
// It connects to the harness rendezvous socket at SOCKET immediately on
// startup (the harness treats the accepted connection as the readiness
// signal), then joins GROUP on IFACE and counts received packets, or with
// --send emits one UDP packet to GROUP every RATE seconds. It exits when the
// rendezvous connection is closed by the harness.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	// trafficPort is the UDP port traffic is sent and received on. Both
	// sides of the harness use the same constant.
	trafficPort = 16600

	multicastTTL  = 32
	maxUDPPayload = 1500
)

func main() {
	sendRate := flag.Float64("send", 0, "emit one packet every RATE seconds instead of joining")
	flag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.DateTime}))

	if flag.NArg() != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s [--send=RATE] SOCKET GROUP IFACE\n", os.Args[0])
		os.Exit(2)
	}
	socketPath, groupArg, ifName := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	group := net.ParseIP(groupArg).To4()
	if group == nil || !group.IsMulticast() {
		log.Error("invalid multicast group", "group", groupArg)
		os.Exit(2)
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		log.Error("interface not found", "interface", ifName, "error", err)
		os.Exit(2)
	}

	// Connect back to the harness before any traffic activity. The harness
	// blocks in accept until this lands.
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		log.Error("failed to connect to rendezvous socket", "path", socketPath, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The harness closing the connection is the stop signal.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	if *sendRate > 0 {
		err = send(ctx, log, group, iface, *sendRate)
	} else {
		err = receive(ctx, log, group, iface)
	}
	if err != nil {
		log.Error("traffic loop failed", "error", err)
		os.Exit(1)
	}
}

// send emits one UDP packet to the group every rate seconds until ctx is done.
func send(ctx context.Context, log *slog.Logger, group net.IP, iface *net.Interface, rate float64) error {
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to open send socket: %w", err)
	}
	defer c.Close()

	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastInterface(iface); err != nil {
		return fmt.Errorf("failed to set multicast interface: %w", err)
	}
	if err := p.SetMulticastTTL(multicastTTL); err != nil {
		return fmt.Errorf("failed to set multicast TTL: %w", err)
	}

	dst := &net.UDPAddr{IP: group, Port: trafficPort}
	payload := []byte("rpcheck multicast probe")
	ticker := time.NewTicker(time.Duration(rate * float64(time.Second)))
	defer ticker.Stop()

	log.Info("sending multicast traffic", "group", group.String(), "interface", iface.Name, "rate", rate)
	sent := 0
	for {
		if _, err := p.WriteTo(payload, nil, dst); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		sent++
		select {
		case <-ctx.Done():
			log.Info("sender stopping", "packets", sent)
			return nil
		case <-ticker.C:
		}
	}
}

// receive joins the group on the interface and counts packets until ctx is
// done. The join itself is the observable event for the harness: it triggers
// the IGMP membership report the ingress router acts on.
func receive(ctx context.Context, log *slog.Logger, group net.IP, iface *net.Interface) error {
	// IP_MULTICAST_ALL must be off so this socket only sees groups it
	// joined, not every group any socket on the host subscribed to.
	var lc net.ListenConfig
	lc.Control = func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0)
		})
		if err != nil {
			return err
		}
		return opErr
	}

	addr := net.JoinHostPort(group.String(), fmt.Sprint(trafficPort))
	c, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer c.Close()

	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("failed to join group %s: %w", group, err)
	}
	log.Info("joined multicast group", "group", group.String(), "interface", iface.Name)

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	buf := make([]byte, maxUDPPayload)
	received := 0
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("receiver stopping", "packets", received)
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		received++
		log.Debug("received packet", "bytes", n, "src", fmt.Sprint(src), "total", received)
	}
}
