package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/udptunnel/udptunnel/internal/acl"
)

// echoListener accepts one connection and echoes everything it reads,
// standing in for the "remote" TCP service the server side dials.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()
	return l
}

func hostPort(t *testing.T, addr net.Addr) (string, string) {
	t.Helper()
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	return "127.0.0.1", port
}

func TestClientServerDataRoundTrip(t *testing.T) {
	remote := echoListener(t)
	defer remote.Close()
	remoteHost, remotePort := hostPort(t, remote.Addr())

	rule, _ := acl.Parse("")
	srv, err := NewServer(ServerConfig{
		BindAddr: "127.0.0.1:0",
		ACL:      rule,
		Log:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go srv.Run()

	_, serverUDPPort := hostPort(t, srv.udpConn.LocalAddr())

	cli, err := NewClient(ClientConfig{
		ListenAddr: "127.0.0.1:0",
		TunnelAddr: "127.0.0.1:" + serverUDPPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		Log:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cli.Close()
	go cli.Run()

	_, clientListenPort := hostPort(t, cli.tcpListener.Addr())

	conn, err := net.Dial("tcp", "127.0.0.1:"+clientListenPort)
	if err != nil {
		t.Fatalf("dial client listener: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello through the tunnel")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}

	srv.Stop()
	cli.Stop()
}

func TestNewClientFailsWithoutListeningPeer(t *testing.T) {
	cfg := ClientConfig{
		ListenAddr: "127.0.0.1:0",
		TunnelAddr: "127.0.0.1:1", // nothing listens here
		RemoteHost: "127.0.0.1",
		RemotePort: "9",
		Log:        zap.NewNop(),
	}
	// helloTimeout*helloMaxRetry keeps this bounded; shrink it isn't
	// exposed, so this test accepts the full handshake timeout budget.
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected handshake failure against an unreachable peer")
	}
}

func TestServerDeniesNewChannelByACL(t *testing.T) {
	remote := echoListener(t)
	defer remote.Close()
	remoteHost, remotePort := hostPort(t, remote.Addr())

	rule, err := acl.Parse("0.0.0.0,0.0.0.0,0,deny")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		BindAddr: "127.0.0.1:0",
		ACL:      rule,
		Log:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go srv.Run()

	_, serverUDPPort := hostPort(t, srv.udpConn.LocalAddr())

	cli, err := NewClient(ClientConfig{
		ListenAddr: "127.0.0.1:0",
		TunnelAddr: "127.0.0.1:" + serverUDPPort,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		Log:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer cli.Close()
	go cli.Run()

	_, clientListenPort := hostPort(t, cli.tcpListener.Addr())

	conn, err := net.Dial("tcp", "127.0.0.1:"+clientListenPort)
	if err != nil {
		t.Fatalf("dial client listener: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("x"))

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected no data to come back, channel should be denied by ACL")
	}

	srv.Stop()
	cli.Stop()
}

func TestNextCIDSkipsZeroOnWrap(t *testing.T) {
	tun := &Tunnel{cid: 0xFFFF}
	if got := tun.nextCID(); got != 1 {
		t.Fatalf("expected wrap to skip 0 and land on 1, got %d", got)
	}
}

func TestNextSNSkipsZeroOnWrap(t *testing.T) {
	tun := &Tunnel{sn: 0xFFFF}
	if got := tun.nextSN(); got != 1 {
		t.Fatalf("expected wrap to skip 0 and land on 1, got %d", got)
	}
}
