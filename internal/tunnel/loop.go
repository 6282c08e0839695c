package tunnel

import (
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/channel"
	"github.com/udptunnel/udptunnel/internal/wire"
)

// event is the union of everything the single event-loop goroutine reacts
// to (spec §4.4's select-loop, translated to Go: one channel instead of one
// fd-set).
type event struct {
	kind evKind

	// udpRead
	datagram []byte
	from     netip.AddrPort

	// tcpRead
	channelID uint16
	buf       []byte
	n         int
	err       error // also carries the cause for evFatal

	// tcpAccept
	conn net.Conn

	// idle carries no payload; it is a ticker tick.
}

type evKind int

const (
	evUDPRead evKind = iota
	evTCPRead
	evTCPAccept
	evIdle
	evFatal
)

// tcpReader pumps reads from one channel's TCP socket into the shared
// events channel. It blocks on conn.Read, emits exactly one evTCPRead per
// read, then blocks on resumeCh before reading again — this is how the
// WaitDataAck back-pressure invariant (§8: "channel not readable while a
// frame is outstanding") is expressed without a literal fd-set, since a Go
// net.Conn has no way to be "removed" from a select the way a raw fd can.
type tcpReader struct {
	channelID uint16
	conn      net.Conn
	resumeCh  chan struct{}
	stopCh    chan struct{}
}

func newTCPReader(cid uint16, conn net.Conn) *tcpReader {
	return &tcpReader{
		channelID: cid,
		conn:      conn,
		resumeCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (r *tcpReader) run(events chan<- event) {
	buf := make([]byte, wire.MaxPayload)
	for {
		n, err := r.conn.Read(buf)

		out := make([]byte, n)
		copy(out, buf[:n])

		select {
		case events <- event{kind: evTCPRead, channelID: r.channelID, buf: out, n: n, err: err}:
		case <-r.stopCh:
			return
		}

		if err != nil {
			return
		}

		select {
		case <-r.resumeCh:
		case <-r.stopCh:
			return
		}
	}
}

// startReader launches (or relaunches) the read pump for a newly
// established channel, if the channel is currently readable.
func (t *Tunnel) startReader(cid uint16, ch *channel.Channel) {
	if _, exists := t.readers[cid]; exists {
		return
	}
	if !ch.TCPReadable() {
		return
	}
	r := newTCPReader(cid, ch.TCP())
	t.readers[cid] = r
	go r.run(t.events)
}

// syncReader reconciles a reader pump's paused/running state with the
// channel's current TCPReadable() value after a message has been handled
// (data acked, ack received, etc).
func (t *Tunnel) syncReader(cid uint16, ch *channel.Channel) {
	r, exists := t.readers[cid]
	if !exists {
		t.startReader(cid, ch)
		return
	}
	if ch.TCPReadable() {
		select {
		case r.resumeCh <- struct{}{}:
		default:
		}
	}
}

// stopReader halts and discards a channel's read pump. Safe to call on a
// channel with no pump registered.
func (t *Tunnel) stopReader(cid uint16) {
	r, exists := t.readers[cid]
	if !exists {
		return
	}
	close(r.stopCh)
	delete(t.readers, cid)
}

// Run is the single-goroutine reactor at the heart of the tunnel (spec
// §4.4). It consumes t.events until Stop is called, and owns every
// mutation of the channel tables and reader map — nothing else touches
// them, which is what lets this package get away without a mutex.
func (t *Tunnel) Run() {
	go t.pumpUDP()
	if t.mode == ModeClient {
		go t.pumpAccept()
	}

	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return

		case <-ticker.C:
			t.onIdle(time.Now())

		case ev := <-t.events:
			switch ev.kind {
			case evUDPRead:
				t.onUDPRead(ev.datagram, ev.from)
			case evTCPRead:
				t.onTCPRead(ev.channelID, ev.buf, ev.n, ev.err)
			case evTCPAccept:
				t.clientNewChannel(ev.conn)
			case evFatal:
				t.log.Error("tunnel fatal error, event loop terminating", zap.Error(ev.err))
				t.Stop()
				return
			}
		}
	}
}

// pumpUDP reads datagrams until the socket is closed or returns an
// unrecoverable error, at which point it reports evFatal and stops: the
// tunnel has no second UDP socket to fall back to, so this is the same
// "fatal, break the loop" outcome as the original's message_receive error
// path in tunnel_run, not a transient condition to retry past.
func (t *Tunnel) pumpUDP() {
	buf := make([]byte, wire.MaxDatagram)
	for {
		n, from, err := t.udpConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			select {
			case t.events <- event{kind: evFatal, err: err}:
			case <-t.stopCh:
			}
			return
		}

		out := make([]byte, n)
		copy(out, buf[:n])

		select {
		case t.events <- event{kind: evUDPRead, datagram: out, from: from}:
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tunnel) pumpAccept() {
	for {
		conn, err := t.tcpListener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("tcp accept failed", zap.Error(err))
				continue
			}
		}

		select {
		case t.events <- event{kind: evTCPAccept, conn: conn}:
		case <-t.stopCh:
			conn.Close()
			return
		}
	}
}

func (t *Tunnel) onUDPRead(datagram []byte, from netip.AddrPort) {
	h, payload, err := wire.Decode(datagram)
	if err != nil {
		t.log.Warn("malformed datagram dropped", zap.String("from", from.String()), zap.Error(err))
		return
	}
	t.handleMessage(h, payload, from)
}

func (t *Tunnel) onTCPRead(cid uint16, buf []byte, n int, err error) {
	ch, ok := t.established[cid]
	if !ok {
		return
	}

	res := ch.OnTCPRead(buf, n, err)
	if res.Destroy {
		t.destroyChannel(cid)
		return
	}

	// This frame just landed the channel in WaitDataAck; the reader pump
	// parked itself on resumeCh and will stay parked until an ack arrives
	// and syncReader wakes it (routeChannelMessage -> tcpToUDPDataAck).
}

func (t *Tunnel) onIdle(now time.Time) {
	for cid, ch := range t.established {
		res := ch.Idle(now)
		if res.Destroy {
			t.destroyChannel(cid)
			continue
		}
		t.syncReader(cid, ch)
	}

	// A NEW_CHANNEL that never gets an ack (peer down, datagram lost past
	// the point either side retries) would otherwise pin its local TCP
	// accept open forever; openingDeadline bounds that wait.
	for sn, deadline := range t.openingDeadline {
		if now.Before(deadline) {
			continue
		}
		if ch, ok := t.opening[sn]; ok {
			t.log.Warn("new channel request timed out, no ack", zap.Uint16("sn", sn))
			ch.Close()
			delete(t.opening, sn)
		}
		delete(t.openingDeadline, sn)
	}
}
