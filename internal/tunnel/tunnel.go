// Package tunnel implements the handshake, channel table, event loop and
// message dispatch described in spec §4.4: the process-wide (per role)
// state that owns every Channel's lifetime.
package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/acl"
	"github.com/udptunnel/udptunnel/internal/channel"
	"github.com/udptunnel/udptunnel/internal/sockutil"
)

// Profile is the compatibility string exchanged in HELLO/NEW_CHANNEL.
const Profile = "UDPTunnel/1.2"

const (
	maxProfileLen = 63
	maxHostLen    = 127
	maxPortLen    = 63

	helloMaxRetry = 5
	helloTimeout  = 1 * time.Second

	idleCheckInterval = 500 * time.Millisecond

	// openingTimeout bounds how long a client waits for a NEW_CHANNEL_ACK
	// before giving up on a pending local TCP accept.
	openingTimeout = 10 * time.Second

	// serverBacklog documents the original's TUNNEL_SERVER_BACKLOG; Go's
	// net package does not expose a listen() backlog knob, so this is
	// kept only as a reference constant (see SPEC_FULL.md).
	serverBacklog = 16

	// floodWindow/maxNewChannelsPerWindow ground the server-side
	// new-channel flood guard on moto/controller/server.go's ipCache
	// pattern (see SPEC_FULL.md's DOMAIN STACK section).
	floodWindow             = 30 * time.Second
	maxNewChannelsPerWindow = 200
)

// Mode distinguishes the client and server roles.
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

// udpSender adapts a *net.UDPConn to channel.Sender.
type udpSender struct{ conn *net.UDPConn }

func (s udpSender) SendTo(buf []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(buf, addr)
	return err
}

// Tunnel is one endpoint of the UDP tunnel: either a server terminating
// channels on local TCP connects, or a client accepting local TCP
// connections and forwarding them.
type Tunnel struct {
	mode Mode
	log  *zap.Logger

	udpConn *net.UDPConn
	sender  udpSender

	// Channel table: two disjoint maps per spec §9's redesign note,
	// replacing the original's signed-key trick.
	opening         map[uint16]*channel.Channel // client only: provisional sn -> channel
	openingDeadline map[uint16]time.Time        // client only: sn -> ack deadline
	established     map[uint16]*channel.Channel // both modes: assigned cid -> channel

	sn  uint16
	cid uint16

	// Server-only fields.
	rule       acl.Rule
	newChannel *cache.Cache

	// Client-only fields.
	tcpListener            net.Listener
	peerAddr               netip.AddrPort
	remoteHost, remotePort string

	// readers holds one TCP-read pump per channel currently eligible to
	// be read from (spec's "readable set"); see loop.go.
	readers map[uint16]*tcpReader
	events  chan event

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ServerConfig configures a server-mode Tunnel.
type ServerConfig struct {
	BindAddr string // "[host:]port"
	ACL      acl.Rule
	Log      *zap.Logger
}

// ClientConfig configures a client-mode Tunnel.
type ClientConfig struct {
	ListenAddr string // "[host:]port", local TCP listener
	TunnelAddr string // "host:port" of the tunnel peer
	RemoteHost string // ultimate destination host
	RemotePort string // ultimate destination port
	Log        *zap.Logger
}

// NewServer binds the UDP socket and returns a ready-to-run server tunnel.
func NewServer(cfg ServerConfig) (*Tunnel, error) {
	host, port, err := sockutil.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", sockutil.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("tunnel: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: bind udp: %w", err)
	}

	t := &Tunnel{
		mode:        ModeServer,
		log:         cfg.Log,
		udpConn:     conn,
		sender:      udpSender{conn},
		opening:     nil,
		established: make(map[uint16]*channel.Channel),
		rule:        cfg.ACL,
		newChannel:  cache.New(floodWindow, floodWindow),
		readers:     make(map[uint16]*tcpReader),
		events:      make(chan event, 64),
		stopCh:      make(chan struct{}),
	}
	t.log.Info("tunnel server started", zap.String("addr", conn.LocalAddr().String()))
	return t, nil
}

// NewClient binds local sockets, performs the hello handshake against the
// tunnel peer and returns a ready-to-run client tunnel. It blocks for the
// duration of the handshake (up to helloMaxRetry*helloTimeout per peer
// address), matching spec §4.4.
func NewClient(cfg ClientConfig) (*Tunnel, error) {
	if len(cfg.RemoteHost) > maxHostLen || len(cfg.RemotePort) > maxPortLen {
		return nil, fmt.Errorf("tunnel: remote address too long")
	}

	host, port, err := sockutil.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	listener, err := net.Listen("tcp", sockutil.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("tunnel: listen tcp: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("tunnel: open udp: %w", err)
	}

	t := &Tunnel{
		mode:            ModeClient,
		log:             cfg.Log,
		udpConn:         udpConn,
		sender:          udpSender{udpConn},
		opening:         make(map[uint16]*channel.Channel),
		openingDeadline: make(map[uint16]time.Time),
		established:     make(map[uint16]*channel.Channel),
		tcpListener:     listener,
		remoteHost:      cfg.RemoteHost,
		remotePort:      cfg.RemotePort,
		readers:         make(map[uint16]*tcpReader),
		events:          make(chan event, 64),
		stopCh:          make(chan struct{}),
	}

	tunnelHost, tunnelPort, err := sockutil.SplitHostPort(cfg.TunnelAddr)
	if err != nil {
		udpConn.Close()
		listener.Close()
		return nil, fmt.Errorf("tunnel: %w", err)
	}

	if err := t.sayHello(tunnelHost, tunnelPort); err != nil {
		udpConn.Close()
		listener.Close()
		return nil, fmt.Errorf("tunnel: hello handshake failed: %w", err)
	}

	t.log.Info("tunnel client started", zap.String("listen", listener.Addr().String()),
		zap.String("peer", t.peerAddr.String()))
	return t, nil
}

// Stop breaks the event loop at its next iteration. Safe to call more than
// once (Run itself calls it when the loop exits on a fatal error, ahead of
// an operator-triggered Stop) and safe to call concurrently.
func (t *Tunnel) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Close releases every channel, its reader pump and both sockets. Call
// after Run returns.
func (t *Tunnel) Close() {
	for cid, ch := range t.established {
		t.stopReader(cid)
		ch.Close()
	}
	for _, ch := range t.opening {
		ch.Close()
	}
	t.udpConn.Close()
	if t.tcpListener != nil {
		t.tcpListener.Close()
	}
}

func (t *Tunnel) nextSN() uint16 {
	t.sn++
	if t.sn == 0 {
		t.sn++
	}
	return t.sn
}

func (t *Tunnel) nextCID() uint16 {
	t.cid++
	if t.cid == 0 {
		t.cid++
	}
	return t.cid
}
