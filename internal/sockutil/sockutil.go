// Package sockutil collects the small address-handling helpers the tunnel
// needs around net.Dial/net.Listen: splitting the "[host:]port" CLI
// convention and naming peers for log messages.
package sockutil

import (
	"fmt"
	"net"
	"strings"
)

// SplitHostPort parses the "[host:]port" convention used by the -s, -c and
// -t address flags (-r is parsed separately by the command and always
// requires a host). A bare "9000" or ":9000"
// means "all interfaces, port 9000"; "127.0.0.1:9000" binds to one
// interface. Mirrors udptunnel.c's parse_addr.
func SplitHostPort(addr string) (host, port string, err error) {
	if addr == "" {
		return "", "", fmt.Errorf("sockutil: empty address")
	}

	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", addr, nil
	}

	host, port = addr[:idx], addr[idx+1:]
	if port == "" {
		return "", "", fmt.Errorf("sockutil: missing port in %q", addr)
	}
	return host, port, nil
}

// JoinHostPort is the inverse of SplitHostPort for the degenerate "all
// interfaces" case, producing something net.Listen accepts.
func JoinHostPort(host, port string) string {
	if host == "" {
		return ":" + port
	}
	return net.JoinHostPort(host, port)
}

// PeerName renders a net.Addr for log messages, falling back to "?" for a
// nil address (e.g. a not-yet-connected socket).
func PeerName(addr net.Addr) string {
	if addr == nil {
		return "?"
	}
	return addr.String()
}
