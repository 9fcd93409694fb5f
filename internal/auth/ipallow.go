package auth

import (
	"net/netip"
	"strings"
)

// IPAllowed checks remote against the partner's allowlist. Entries are exact
// addresses or CIDR ranges; an empty allowlist admits any address. Malformed
// entries are skipped rather than matched.
func IPAllowed(allowed []string, remote string) bool {
	if len(allowed) == 0 {
		return true
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(remote))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowedAddr, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if allowedAddr.Unmap() == addr {
			return true
		}
	}
	return false
}
