package store

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// MakeUUID returns a freshly generated textual uuid, the Go-side
// replacement for the SQL scalar function of the same name (see
// DESIGN.md: materializing these in the repository layer is preferred
// over binding SQL UDFs to one store engine).
func MakeUUID() string {
	return uuid.NewString()
}

// HostsContains reports whether host appears as a literal entry in a
// comma-separated hosts list. Entries are compared after trimming
// surrounding whitespace.
func HostsContains(hosts, host string) bool {
	if strings.TrimSpace(hosts) == "" {
		return false
	}
	for _, h := range strings.Split(hosts, ",") {
		if strings.TrimSpace(h) == host {
			return true
		}
	}
	return false
}

// Uniquify returns a name guaranteed not to collide with any existing
// row in (table, owner): name itself if free, else "name N" for the
// smallest positive integer N that is free. kindTable must be a
// trusted, compile-time table name — never user input.
func Uniquify(ctx context.Context, q Querier, kindTable, name string, owner *int64) (string, error) {
	exists := func(candidate string) (bool, error) {
		query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE name = ? AND ((owner IS NULL AND ? IS NULL) OR owner = ?))", kindTable)
		var ownerArg any
		if owner != nil {
			ownerArg = *owner
		}
		var found bool
		err := q.QueryRowContext(ctx, query, candidate, ownerArg, ownerArg).Scan(&found)
		return found, err
	}

	ok, err := exists(name)
	if err != nil {
		return "", fmt.Errorf("uniquify: %w", err)
	}
	if !ok {
		return name, nil
	}

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s %d", name, n)
		ok, err := exists(candidate)
		if err != nil {
			return "", fmt.Errorf("uniquify: %w", err)
		}
		if !ok {
			return candidate, nil
		}
	}
}

// ParseHostSpec validates one comma-separated hosts entry. It accepts a
// single address, a CIDR (a.b.c.d/N), a netmask pair (a.b.c.d/a.b.c.d), a
// short range (a.b.c.d-e), a full range (a.b.c.d-e.f.g.h), or a single
// IPv6 address.
func ParseHostSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("empty host specification")
	}

	if ip := net.ParseIP(spec); ip != nil {
		return nil
	}

	if strings.Contains(spec, "/") {
		parts := strings.SplitN(spec, "/", 2)
		base := net.ParseIP(parts[0])
		if base == nil {
			return fmt.Errorf("invalid address in %q", spec)
		}
		if strings.Contains(parts[1], ".") {
			if net.ParseIP(parts[1]) == nil {
				return fmt.Errorf("invalid netmask in %q", spec)
			}
			return nil
		}
		if _, _, err := net.ParseCIDR(spec); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", spec, err)
		}
		return nil
	}

	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		base := net.ParseIP(strings.TrimSpace(parts[0]))
		if base == nil {
			return fmt.Errorf("invalid range start in %q", spec)
		}
		tail := strings.TrimSpace(parts[1])
		if strings.Contains(tail, ".") {
			if net.ParseIP(tail) == nil {
				return fmt.Errorf("invalid range end in %q", spec)
			}
			return nil
		}
		// short form a.b.c.d-e: the tail is the last octet only.
		octets := strings.Split(base.To4().String(), ".")
		if len(octets) != 4 {
			return fmt.Errorf("short range form requires an IPv4 start address in %q", spec)
		}
		var lastOctet int
		if _, err := fmt.Sscanf(tail, "%d", &lastOctet); err != nil || lastOctet < 0 || lastOctet > 255 {
			return fmt.Errorf("invalid range end octet in %q", spec)
		}
		return nil
	}

	return fmt.Errorf("unrecognized host specification %q", spec)
}

// ParseHosts validates a full comma-separated hosts list.
func ParseHosts(hosts string) error {
	for _, h := range strings.Split(hosts, ",") {
		if err := ParseHostSpec(h); err != nil {
			return err
		}
	}
	return nil
}
