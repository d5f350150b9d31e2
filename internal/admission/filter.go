package admission

// MaxPayloadSizeFilter rejects any datagram longer than maxBytes. Gate
// filters see the raw datagram, so the length counted includes the
// wire header.
func MaxPayloadSizeFilter(maxBytes int) PayloadFilter {
	return func(_ string, payload []byte) bool {
		return len(payload) <= maxBytes
	}
}

// DenyIPFilter rejects traffic from any IP in blocked, independent of
// the ban list — intended for a static operator-supplied denylist
// rather than the dynamic strike-based ban system.
func DenyIPFilter(blocked map[string]bool) PayloadFilter {
	return func(ip string, _ []byte) bool {
		return !blocked[ip]
	}
}
