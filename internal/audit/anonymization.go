package audit

import (
	"net"
	"strings"
)

// AnonymizeIP truncates an IP address before it is stored and hashed.
// For IPv4 the last octet becomes 0 (192.168.1.100 → 192.168.1.0); for IPv6
// the last 80 bits are zeroed. Invalid input yields "".
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}

	// Keep the first 48 bits.
	masked := make(net.IP, net.IPv6len)
	copy(masked, ip.To16()[:6])
	return masked.String()
}
