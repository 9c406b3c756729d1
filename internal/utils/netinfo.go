// internal/utils/netinfo.go
package utils

import (
	"net"
)

// LocalIP returns the most plausible non-loopback local address, for
// printing a reachable ws:// URL at startup. Dialing UDP never sends a
// packet; it only asks the kernel which source address a default route
// would use. Falls back to loopback when no route exists.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
