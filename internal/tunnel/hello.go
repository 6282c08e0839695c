package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/wire"
)

// sayHello implements the client-side handshake (spec §4.4): for up to
// helloMaxRetry rounds, try every resolved address of the tunnel peer,
// waiting helloTimeout for a matching HELLO_ACK before moving on.
func (t *Tunnel) sayHello(host, port string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	var addrs []netip.AddrPort
	for _, ip := range ipAddrs {
		a, ok := netip.AddrFromSlice(ip.IP.To4())
		if !ok {
			continue
		}
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		addrs = append(addrs, netip.AddrPortFrom(a, uint16(p)))
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no usable address for %s:%s", host, port)
	}

	profile := append([]byte(Profile), 0)

	for round := 0; round < helloMaxRetry; round++ {
		for _, addr := range addrs {
			sn := t.nextSN()
			buf := wire.Encode(wire.TunnelHello, 0, sn, profile)
			if _, err := t.sender.conn.WriteToUDPAddrPort(buf, addr); err != nil {
				t.log.Warn("send hello failed", zap.String("peer", addr.String()), zap.Error(err))
				continue
			}

			t.udpConn.SetReadDeadline(time.Now().Add(helloTimeout))
			resp := make([]byte, wire.MaxDatagram)
			n, from, err := t.udpConn.ReadFromUDPAddrPort(resp)
			t.udpConn.SetReadDeadline(time.Time{})
			if err != nil {
				t.log.Warn("hello ack timed out", zap.String("peer", addr.String()))
				continue
			}

			h, _, err := wire.Decode(resp[:n])
			if err != nil {
				continue
			}
			if h.Type != wire.TunnelHelloAck || h.SN != sn || from.Addr() != addr.Addr() || from.Port() != addr.Port() {
				t.log.Warn("unexpected hello reply, ignoring", zap.String("from", from.String()))
				continue
			}

			t.peerAddr = addr
			return nil
		}
	}

	return fmt.Errorf("no hello ack after %d rounds", helloMaxRetry)
}

// helloAck implements the server-side handshake (spec §4.4): validate the
// profile and reply. No per-client state is created.
func (t *Tunnel) helloAck(sn uint16, payload []byte, from netip.AddrPort) {
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		t.log.Warn("hello denied, missing NUL terminator", zap.String("from", from.String()))
		return
	}
	profile := string(payload[:idx])
	if len(profile) > maxProfileLen || profile != Profile {
		t.log.Warn("hello denied, unknown profile", zap.String("from", from.String()), zap.String("profile", profile))
		return
	}

	buf := wire.Encode(wire.TunnelHelloAck, 0, sn, nil)
	if _, err := t.sender.conn.WriteToUDPAddrPort(buf, from); err != nil {
		t.log.Error("send hello ack failed", zap.String("from", from.String()), zap.Error(err))
		return
	}
	t.log.Info("hello allowed", zap.String("from", from.String()))
}
