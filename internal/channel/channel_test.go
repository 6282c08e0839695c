package channel

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/wire"
)

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	typ     uint8
	cid, sn uint16
	payload []byte
}

func (f *fakeSender) SendTo(buf []byte, _ netip.AddrPort) error {
	h, payload, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentMsg{h.Type, h.ChannelID, h.SN, append([]byte(nil), payload...)})
	return nil
}

func (f *fakeSender) last() sentMsg {
	return f.sent[len(f.sent)-1]
}

func testPeer() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:9999")
}

func TestClientChannelDataRoundTrip(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	sender := &fakeSender{}
	c := NewClient(local, 7, testPeer(), sender, zap.NewNop())
	c.Opened(1)

	if !c.TCPReadable() {
		t.Fatal("expected channel to be readable in WaitData")
	}

	go remote.Write([]byte("A"))
	buf := make([]byte, 4096)
	n, err := local.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	res := c.OnTCPRead(buf, n, nil)
	if res.Destroy {
		t.Fatal("unexpected destroy")
	}
	if c.TCPReadable() {
		t.Fatal("expected channel to stop being readable while WaitDataAck")
	}

	sent := sender.last()
	if sent.typ != wire.ChannelData || sent.cid != 1 || string(sent.payload) != "A" {
		t.Fatalf("unexpected sent message: %+v", sent)
	}

	// Ack it back.
	c.HandleMessage(wire.Header{Type: wire.ChannelDataAck, ChannelID: 1, SN: sent.sn}, nil)
	if !c.TCPReadable() {
		t.Fatal("expected channel to be readable again after ack")
	}
}

func TestServerDuplicateDataSuppressed(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	sender := &fakeSender{}
	c := NewServer(1, "127.0.0.1", "9000", testPeer(), sender, zap.NewNop())
	c.tcp = local // bypass Connect's real dial for the test
	c.State = StateConnected
	c.txState = txWaitData

	done := make(chan []byte, 2)
	go func() {
		buf := make([]byte, 16)
		for i := 0; i < 2; i++ {
			n, err := remote.Read(buf)
			if err != nil {
				return
			}
			got := append([]byte(nil), buf[:n]...)
			done <- got
		}
	}()

	res := c.HandleMessage(wire.Header{Type: wire.ChannelData, ChannelID: 1, SN: 5}, []byte("X"))
	if res.Destroy {
		t.Fatal("unexpected destroy")
	}
	select {
	case got := <-done:
		if string(got) != "X" {
			t.Fatalf("unexpected write: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	acks := countAcks(sender)
	if acks != 1 {
		t.Fatalf("expected 1 ack so far, got %d", acks)
	}

	// Re-deliver same sn: must ack again but not write to TCP again.
	res = c.HandleMessage(wire.Header{Type: wire.ChannelData, ChannelID: 1, SN: 5}, []byte("X"))
	if res.Destroy {
		t.Fatal("unexpected destroy on duplicate")
	}

	select {
	case got := <-done:
		t.Fatalf("unexpected second delivery to TCP: %q", got)
	case <-time.After(100 * time.Millisecond):
	}

	if countAcks(sender) != 2 {
		t.Fatalf("expected 2 acks total, got %d", countAcks(sender))
	}
}

func countAcks(s *fakeSender) int {
	n := 0
	for _, m := range s.sent {
		if m.typ == wire.ChannelDataAck {
			n++
		}
	}
	return n
}

func TestRetransmitExhaustion(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	go io_discard(remote)

	sender := &fakeSender{}
	c := NewClient(local, 1, testPeer(), sender, zap.NewNop())
	c.Opened(1)

	res := c.OnTCPRead([]byte("A"), 1, nil)
	if res.Destroy {
		t.Fatal("unexpected destroy on first send")
	}

	// Each step must pass the growing (retries+1)*dataTimeout deadline,
	// whose largest value before exhaustion is dataMaxResend*dataTimeout.
	step := time.Duration(dataMaxResend+1) * dataTimeout
	now := time.Now()
	for i := 0; i < dataMaxResend-1; i++ {
		now = now.Add(step)
		res = c.Idle(now)
		if res.Destroy {
			t.Fatalf("unexpected destroy at retry %d", i)
		}
	}

	now = now.Add(step)
	res = c.Idle(now)
	if !res.Destroy {
		t.Fatal("expected destroy after exhausting retries")
	}
}

func TestServerKeepaliveTimeoutDestroys(t *testing.T) {
	sender := &fakeSender{}
	c := NewServer(1, "h", "9000", testPeer(), sender, zap.NewNop())
	res := c.Idle(time.Now().Add(10 * time.Hour))
	if !res.Destroy {
		t.Fatal("expected server channel to be destroyed after keepalive timeout")
	}
}

func TestClientKeepaliveSendsAndRefreshes(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	go io_discard(remote)

	sender := &fakeSender{}
	c := NewClient(local, 1, testPeer(), sender, zap.NewNop())
	c.Opened(1)

	now := time.Now().Add(10 * time.Hour)
	res := c.Idle(now)
	if res.Destroy {
		t.Fatal("client channel must not be destroyed on its own keepalive timeout")
	}
	if countKeepalives(sender) != 1 {
		t.Fatalf("expected one keepalive sent, got %d", countKeepalives(sender))
	}

	// The deadline was refreshed, so a second check at the same instant
	// sends nothing.
	c.Idle(now)
	if countKeepalives(sender) != 1 {
		t.Fatalf("expected keepalive deadline to be refreshed, got %d keepalives", countKeepalives(sender))
	}
}

func countKeepalives(s *fakeSender) int {
	n := 0
	for _, m := range s.sent {
		if m.typ == wire.ChannelKeepalive {
			n++
		}
	}
	return n
}

func io_discard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
