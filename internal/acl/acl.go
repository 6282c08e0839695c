// Package acl evaluates the single access-control rule the tunnel server
// consults before opening a new channel.
package acl

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Rule is the parsed form of a "src_ip,dst_ip,dst_port,allow|deny" string.
// A zero Addr or zero Port means wildcard.
type Rule struct {
	Src     netip.Addr
	Dst     netip.Addr
	DstPort uint16
	Deny    bool
}

var wildcard = netip.IPv4Unspecified()

// Parse parses one ACL rule. An empty string yields a Rule that allows
// everything (the default when no -a flag is given).
func Parse(s string) (Rule, error) {
	if s == "" {
		return Rule{Src: wildcard, Dst: wildcard, DstPort: 0, Deny: false}, nil
	}

	fields := strings.Split(s, ",")
	if len(fields) != 4 {
		return Rule{}, fmt.Errorf("acl: expected 4 comma-separated fields, got %d", len(fields))
	}

	src, err := netip.ParseAddr(fields[0])
	if err != nil {
		return Rule{}, fmt.Errorf("acl: invalid src_ip %q: %w", fields[0], err)
	}

	dst, err := netip.ParseAddr(fields[1])
	if err != nil {
		return Rule{}, fmt.Errorf("acl: invalid dst_ip %q: %w", fields[1], err)
	}

	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return Rule{}, fmt.Errorf("acl: invalid dst_port %q: %w", fields[2], err)
	}

	var deny bool
	switch fields[3] {
	case "allow":
		deny = false
	case "deny":
		deny = true
	default:
		return Rule{}, fmt.Errorf("acl: unknown verb %q, want allow or deny", fields[3])
	}

	return Rule{Src: src, Dst: dst, DstPort: uint16(port), Deny: deny}, nil
}

// Allow evaluates the rule against a concrete (src, dst_ip, dst_port) triple.
// Absence of a rule (the zero Rule, or a Rule built from an empty string)
// permits all traffic.
func (r Rule) Allow(src, dst netip.Addr, dstPort uint16) bool {
	matches := (r.Src == wildcard || !r.Src.IsValid() || r.Src == src) &&
		(r.Dst == wildcard || !r.Dst.IsValid() || r.Dst == dst) &&
		(r.DstPort == 0 || r.DstPort == dstPort)

	if r.Deny {
		// "deny" permits everything except what matches.
		return !matches
	}
	// "allow" permits only what matches every specified field.
	return matches
}
