package store

import (
	"net/netip"
	"strings"
)

// messageTypeOrder gives the high-to-low ordering for raw result "type"
// strings, replacing the collate_message_type SQL collation (see
// DESIGN.md for why this lives in Go rather than as a registered UDF).
var messageTypeOrder = map[string]int{
	"Security Hole":    0,
	"Security Warning": 1,
	"Security Note":    2,
	"Log Message":      3,
	"Debug Message":    4,
	"False Positive":   5,
}

// CompareMessageType orders raw severity labels high to low. Unknown
// labels sort after all known ones, stably among themselves.
func CompareMessageType(a, b string) int {
	ra, oka := messageTypeOrder[a]
	rb, okb := messageTypeOrder[b]
	if !oka {
		ra = len(messageTypeOrder)
	}
	if !okb {
		rb = len(messageTypeOrder)
	}
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// threatOrder gives the high-to-low ordering for user-facing threat
// tokens, replacing collate_threat.
var threatOrder = map[string]int{
	"High":           0,
	"Medium":         1,
	"Low":            2,
	"Log":            3,
	"Debug":          4,
	"False Positive": 5,
}

// CompareThreat orders user-facing threat labels high to low.
func CompareThreat(a, b string) int {
	ra, oka := threatOrder[a]
	rb, okb := threatOrder[b]
	if !oka {
		ra = len(threatOrder)
	}
	if !okb {
		rb = len(threatOrder)
	}
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// CompareIP orders IP address literals numerically, replacing
// collate_ip. Defines a total order over both IPv4 and IPv6: addresses
// are compared byte-lexically
// on their 16-byte form, with IPv4 addresses compared via their
// v4-in-v6-mapped representation (netip.Addr.As16). This gives a stable
// total order and preserves IPv4's own numeric ordering among IPv4
// literals; it does not promise IPv4 addresses sort before all IPv6
// addresses, since the mapped ::ffff:0:0/96 prefix falls in the middle
// of the IPv6 address space.
func CompareIP(a, b string) int {
	aa, aOK := netip.ParseAddr(a)
	bb, bOK := netip.ParseAddr(b)
	if !aOK && !bOK {
		return strings.Compare(a, b)
	}
	if !aOK {
		return 1
	}
	if !bOK {
		return -1
	}
	a16 := aa.As16()
	b16 := bb.As16()
	for i := range a16 {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
