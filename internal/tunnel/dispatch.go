package tunnel

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/channel"
	"github.com/udptunnel/udptunnel/internal/wire"
)

// handleMessage routes one decoded UDP datagram (spec §4.4's
// tunnel_handle_message).
func (t *Tunnel) handleMessage(h wire.Header, payload []byte, from netip.AddrPort) {
	switch h.Type {
	case wire.TunnelHello:
		if t.mode == ModeServer {
			t.helloAck(h.SN, payload, from)
		}

	case wire.NewChannel:
		if t.mode == ModeServer {
			t.serverNewChannel(h.SN, payload, from)
		}

	case wire.NewChannelAck:
		t.handleNewChannelAck(h, from)

	case wire.ChannelKeepalive, wire.ChannelData, wire.ChannelDataAck, wire.ChannelClose:
		t.routeChannelMessage(h, payload, from)

	default:
		t.log.Warn("unknown message type, ignored", zap.Uint8("type", h.Type), zap.String("from", from.String()))
	}
}

// serverNewChannel implements spec §4.4's "New channel (server)".
func (t *Tunnel) serverNewChannel(sn uint16, payload []byte, from netip.AddrPort) {
	if t.floodGuarded(from) {
		t.log.Warn("new channel request throttled", zap.String("from", from.String()))
		return
	}

	idx := bytes.IndexByte(payload, 0)
	if idx < 0 {
		t.log.Warn("new channel request denied, missing NUL terminator", zap.String("from", from.String()))
		return
	}

	parts := strings.SplitN(string(payload[:idx]), ":", 3)
	if len(parts) != 3 {
		t.log.Warn("new channel request denied, malformed payload", zap.String("from", from.String()))
		return
	}
	profile, host, port := parts[0], parts[1], parts[2]
	if len(profile) > maxProfileLen || len(host) > maxHostLen || len(port) > maxPortLen {
		t.log.Warn("new channel request denied, field too long", zap.String("from", from.String()))
		return
	}

	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		t.log.Warn("new channel request denied, invalid port", zap.String("from", from.String()), zap.String("port", port))
		return
	}

	if !t.aclAllows(from.Addr(), host, uint16(portNum)) {
		t.log.Info("new channel request denied by acl", zap.String("from", from.String()),
			zap.String("dest", net.JoinHostPort(host, port)))
		return
	}

	cid := t.nextCID()
	ch := channel.NewServer(cid, host, port, from, t.sender, t.log)

	buf := wire.Encode(wire.NewChannelAck, cid, sn, nil)
	if _, err := t.sender.conn.WriteToUDPAddrPort(buf, from); err != nil {
		t.log.Error("new channel ack send failed", zap.Uint16("channel", cid), zap.Error(err))
		return
	}

	t.established[cid] = ch
	t.log.Debug("channel opening, awaiting handshake completion", zap.Uint16("channel", cid))
}

// aclAllows resolves host to an address and consults the configured rule.
// A host that fails to resolve is denied: a non-IP, non-resolvable
// destination can never be dialed anyway (supplements spec §4.2, which is
// silent on unresolvable destinations).
func (t *Tunnel) aclAllows(src netip.Addr, host string, port uint16) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		return t.rule.Allow(src, addr, port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return false
	}
	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return false
	}
	return t.rule.Allow(src, addr, port)
}

// handleNewChannelAck implements both halves of spec §4.4's ack
// reflection, split by mode.
func (t *Tunnel) handleNewChannelAck(h wire.Header, from netip.AddrPort) {
	switch t.mode {
	case ModeServer:
		ch, ok := t.established[h.ChannelID]
		if !ok {
			t.log.Warn("new channel ack for unknown channel, ignored", zap.Uint16("channel", h.ChannelID))
			return
		}
		if err := ch.Connect(); err != nil {
			t.log.Error("channel connect failed", zap.Uint16("channel", h.ChannelID), zap.Error(err))
			delete(t.established, h.ChannelID)
			return
		}
		t.startReader(h.ChannelID, ch)

	case ModeClient:
		ch, ok := t.opening[h.SN]
		if !ok {
			t.log.Warn("new channel ack for unknown opening channel, ignored", zap.Uint16("sn", h.SN))
			return
		}
		delete(t.opening, h.SN)
		delete(t.openingDeadline, h.SN)

		// This reflected NEW_CHANNEL_ACK doubles as the "proceed" signal
		// that tells the server it may now dial the destination — see
		// spec §9 open question (a). It is not a second handshake step,
		// just the ack opcode reused one more time.
		buf := wire.Encode(wire.NewChannelAck, h.ChannelID, h.SN, nil)
		if _, err := t.sender.conn.WriteToUDPAddrPort(buf, t.peerAddr); err != nil {
			t.log.Error("new channel ack reflection failed", zap.Uint16("channel", h.ChannelID), zap.Error(err))
			ch.Close()
			return
		}

		ch.Opened(h.ChannelID)
		t.established[h.ChannelID] = ch
		t.startReader(h.ChannelID, ch)
	}
}

// routeChannelMessage implements spec §4.4's steady-state routing.
func (t *Tunnel) routeChannelMessage(h wire.Header, payload []byte, from netip.AddrPort) {
	ch, ok := t.established[h.ChannelID]
	if !ok {
		t.log.Warn("unknown channel, ignored", zap.Uint16("channel", h.ChannelID), zap.String("from", from.String()))
		return
	}

	res := ch.HandleMessage(h, payload)
	if res.Destroy {
		t.destroyChannel(h.ChannelID)
		return
	}
	t.syncReader(h.ChannelID, ch)
}

// clientNewChannel implements spec §4.4's "New channel (client)": a fresh
// local TCP accept becomes an opening channel.
func (t *Tunnel) clientNewChannel(conn net.Conn) {
	sn := t.nextSN()
	ch := channel.NewClient(conn, sn, t.peerAddr, t.sender, t.log)

	data := Profile + ":" + t.remoteHost + ":" + t.remotePort + "\x00"
	buf := wire.Encode(wire.NewChannel, 0, sn, []byte(data))
	if _, err := t.sender.conn.WriteToUDPAddrPort(buf, t.peerAddr); err != nil {
		t.log.Error("new channel request send failed", zap.Uint16("sn", sn), zap.Error(err))
		ch.Close()
		return
	}

	t.opening[sn] = ch
	t.openingDeadline[sn] = time.Now().Add(openingTimeout)
	t.log.Debug("channel opening, awaiting handshake", zap.Uint16("sn", sn), zap.String("local", conn.RemoteAddr().String()))
}

// destroyChannel removes a channel from the established table, stops its
// reader pump and releases its resources; channels never free themselves
// (spec §4.4). Opening channels are not looked up here.
func (t *Tunnel) destroyChannel(cid uint16) {
	if ch, ok := t.established[cid]; ok {
		t.stopReader(cid)
		ch.Close()
		delete(t.established, cid)
	}
}

// floodGuarded implements the new-channel rate limiter described in
// SPEC_FULL.md's DOMAIN STACK section, grounded on moto's ipCache.
func (t *Tunnel) floodGuarded(from netip.AddrPort) bool {
	key := from.Addr().String()
	if count, found := t.newChannel.Get(key); found {
		n := count.(int)
		if n >= maxNewChannelsPerWindow {
			return true
		}
		t.newChannel.Set(key, n+1, floodWindow)
		return false
	}
	t.newChannel.Set(key, 1, floodWindow)
	return false
}
