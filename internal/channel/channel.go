// Package channel implements the per-stream state machine described in
// spec §4.3: one Channel multiplexes one TCP byte stream over the shared
// UDP tunnel flow, tracking retransmission, keepalive and duplicate
// suppression independently of every other channel.
//
// A Channel never touches the tunnel's channel table or its own
// destruction directly — it reports outcomes back to the caller (the
// tunnel event loop) as a Result, which is the intent-based redesign
// spec §9 asks for in place of the original C code's back-pointer into
// the tunnel.
package channel

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/wire"
)

// Role distinguishes which side of the tunnel a channel was created on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the channel's whole-channel lifecycle state (spec §4.3 diagram).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
)

// txState is the TCP→UDP transmit sub-state inside StateConnected.
type txState int

const (
	txWaitData txState = iota
	txWaitDataAck
)

const (
	dataTimeout     = 1 * time.Second
	dataMaxResend   = 10
	keepaliveTime   = 60 * time.Second
	// keepaliveTimeout is the server-side liveness window: 5 missed client
	// keepalives plus one second of slack, per spec §4.3.
	keepaliveTimeout = 5*keepaliveTime + time.Second
)

// Sender is the shared UDP socket every channel sends through. Only the
// tunnel's event loop receives on it; channels only ever send.
type Sender interface {
	SendTo(buf []byte, addr netip.AddrPort) error
}

// Result reports what the tunnel must do after a Channel operation.
type Result struct {
	// Destroy tells the tunnel to remove this channel from its table,
	// closing its TCP socket (and this channel must not be used again).
	Destroy bool
}

// Channel is a single multiplexed TCP↔UDP stream.
type Channel struct {
	ID    uint16
	Role  Role
	State State

	tcp  net.Conn
	udp  Sender
	peer netip.AddrPort

	sn uint16

	txState   txState
	txSN      uint16
	txRetries int
	txDeadline time.Time
	txPayload []byte

	rxSN uint16 // last UDP->TCP sn delivered; 0 means "none yet" (sn never wraps to 0)

	keepaliveDeadline time.Time

	// Set only on server-side channels still Connecting: the destination
	// to dial once the client's NEW_CHANNEL_ACK reflection arrives.
	destHost, destPort string

	log *zap.Logger
}

// NewServer constructs a server-side channel in StateConnecting, deferring
// the TCP connect until Connect is called.
func NewServer(id uint16, host, port string, peer netip.AddrPort, udp Sender, log *zap.Logger) *Channel {
	return &Channel{
		ID:                id,
		Role:              RoleServer,
		State:             StateConnecting,
		udp:               udp,
		peer:              peer,
		destHost:          host,
		destPort:          port,
		keepaliveDeadline: time.Now().Add(keepaliveTimeout),
		log:               log,
	}
}

// NewClient constructs a client-side channel around an already-accepted
// local TCP connection, in StateConnecting under its provisional id (the
// sn sent with NEW_CHANNEL).
func NewClient(tcp net.Conn, provisionalID uint16, peer netip.AddrPort, udp Sender, log *zap.Logger) *Channel {
	return &Channel{
		ID:                provisionalID,
		Role:              RoleClient,
		State:             StateConnecting,
		tcp:               tcp,
		udp:               udp,
		peer:              peer,
		keepaliveDeadline: time.Now().Add(keepaliveTimeout),
		log:               log,
	}
}

// Connect performs the blocking TCP dial to the recorded destination
// (server side only). The event loop is stalled for the duration — a
// deliberate simplification per spec §9.
func (c *Channel) Connect() error {
	if c.Role != RoleServer || c.State != StateConnecting {
		return fmt.Errorf("channel(%d): Connect called in wrong state", c.ID)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(c.destHost, c.destPort))
	if err != nil {
		return fmt.Errorf("channel(%d): connect to %s:%s: %w", c.ID, c.destHost, c.destPort, err)
	}

	c.tcp = conn
	c.State = StateConnected
	c.txState = txWaitData
	c.log.Info("channel connected", zap.Uint16("channel", c.ID), zap.String("dest", conn.RemoteAddr().String()))
	return nil
}

// Opened transitions a client-side channel from its provisional id to the
// server-assigned one and into StateConnected.
func (c *Channel) Opened(newID uint16) {
	c.ID = newID
	c.State = StateConnected
	c.txState = txWaitData
	c.keepaliveDeadline = time.Now().Add(keepaliveTime)
	c.log.Info("channel opened", zap.Uint16("channel", c.ID))
}

// TCP returns the channel's associated TCP socket, or nil if it has not
// been connected/accepted yet.
func (c *Channel) TCP() net.Conn { return c.tcp }

// TCPReadable reports whether the tunnel should currently be pumping reads
// from this channel's TCP socket. It is false while a TCP→UDP frame is
// outstanding (WaitDataAck) — the back-pressure invariant of spec §8.
func (c *Channel) TCPReadable() bool {
	return c.State == StateConnected && c.txState == txWaitData
}

func (c *Channel) nextSN() uint16 {
	c.sn++
	if c.sn == 0 {
		c.sn++
	}
	return c.sn
}

func (c *Channel) sendMessage(typ uint8, sn uint16, payload []byte) error {
	buf := wire.Encode(typ, c.ID, sn, payload)
	return c.udp.SendTo(buf, c.peer)
}

// HandleMessage dispatches one steady-state tunnel message to this channel
// (spec §4.3's handle_message).
func (c *Channel) HandleMessage(h wire.Header, payload []byte) Result {
	switch h.Type {
	case wire.ChannelKeepalive:
		c.keepaliveDeadline = time.Now().Add(keepaliveTimeout)
		return Result{}

	case wire.ChannelData:
		return c.udpToTCPData(h.SN, payload)

	case wire.ChannelDataAck:
		c.tcpToUDPDataAck(h.SN)
		return Result{}

	case wire.ChannelClose:
		c.State = StateClosing
		return Result{Destroy: true}

	default:
		return Result{}
	}
}

// udpToTCPData implements spec §4.3's duplicate-suppression rule: a
// repeated sn still gets acked, but is not rewritten to the TCP peer.
func (c *Channel) udpToTCPData(sn uint16, payload []byte) Result {
	duplicate := sn == c.rxSN

	if err := c.sendMessage(wire.ChannelDataAck, sn, nil); err != nil {
		c.log.Warn("send data ack failed", zap.Uint16("channel", c.ID), zap.Error(err))
	}

	if duplicate {
		return Result{}
	}
	c.rxSN = sn

	if c.tcp == nil {
		// Server-side channel still mid-handshake: the peer's DATA arrived
		// before our NEW_CHANNEL_ACK reflection was processed and the
		// destination dial completed. Ack it (already done above) and
		// drop it rather than write to a socket that doesn't exist yet.
		c.log.Warn("data arrived before channel connected, dropped", zap.Uint16("channel", c.ID))
		return Result{}
	}

	written := 0
	for written < len(payload) {
		n, err := c.tcp.Write(payload[written:])
		if err != nil {
			c.log.Error("write to tcp peer failed", zap.Uint16("channel", c.ID), zap.Error(err))
			return Result{Destroy: true}
		}
		written += n
	}
	return Result{}
}

// tcpToUDPDataAck clears an outstanding TCP→UDP frame once its ack
// arrives. A stale or mismatched sn is a no-op, per spec §8.
func (c *Channel) tcpToUDPDataAck(sn uint16) {
	if c.txState != txWaitDataAck || c.txSN != sn {
		return
	}

	c.txState = txWaitData
	c.txPayload = nil
}

// OnTCPRead processes the result of one read from the channel's TCP
// socket (spec §4.3's tcp_readable). n==0 with err==nil means EOF.
func (c *Channel) OnTCPRead(data []byte, n int, err error) Result {
	if err != nil || n == 0 {
		return Result{Destroy: true}
	}

	c.txSN = c.nextSN()
	c.txPayload = append([]byte(nil), data[:n]...)
	c.txRetries = 0
	c.txState = txWaitDataAck

	if sendErr := c.sendData(time.Now()); sendErr != nil {
		c.log.Error("send data failed", zap.Uint16("channel", c.ID), zap.Error(sendErr))
	}
	return Result{}
}

func (c *Channel) sendData(now time.Time) error {
	if err := c.sendMessage(wire.ChannelData, c.txSN, c.txPayload); err != nil {
		return err
	}
	c.txDeadline = now.Add(time.Duration(c.txRetries+1) * dataTimeout)
	return nil
}

// Idle runs the per-channel periodic checks: keepalive and retransmit
// (spec §4.3's idle).
func (c *Channel) Idle(now time.Time) Result {
	if now.After(c.keepaliveDeadline) {
		if c.Role == RoleClient {
			c.keepaliveDeadline = now.Add(keepaliveTime)
			sn := c.nextSN()
			if err := c.sendMessage(wire.ChannelKeepalive, sn, nil); err != nil {
				c.log.Warn("send keepalive failed", zap.Uint16("channel", c.ID), zap.Error(err))
			}
		} else {
			return Result{Destroy: true}
		}
	}

	if c.txState == txWaitDataAck && now.After(c.txDeadline) {
		c.txRetries++
		if c.txRetries >= dataMaxResend {
			return Result{Destroy: true}
		}
		if err := c.sendData(now); err != nil {
			c.log.Warn("resend data failed", zap.Uint16("channel", c.ID), zap.Error(err))
		}
	}

	return Result{}
}

// Close releases the channel's TCP socket and, unless it is already
// closing (the peer initiated teardown), best-effort notifies the peer.
func (c *Channel) Close() {
	if c.State != StateClosing {
		sn := c.nextSN()
		if err := c.sendMessage(wire.ChannelClose, sn, nil); err != nil {
			c.log.Debug("send close failed", zap.Uint16("channel", c.ID), zap.Error(err))
		}
	}
	c.State = StateClosing

	if c.tcp != nil {
		c.tcp.Close()
	}
	c.log.Info("channel closed", zap.Uint16("channel", c.ID))
}
