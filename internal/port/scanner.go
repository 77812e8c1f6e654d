package port

import (
	"fmt"
	"net"
	"strconv"
)

// Prober reports whether a host port is free.
type Prober interface {
	IsPortAvailable(port int, protocol string) bool
}

// Scanner probes host ports by binding them briefly with the OS network
// stack. This asks the kernel directly instead of parsing /proc/net or
// running lsof, which may need elevated permissions.
type Scanner struct{}

// NewScanner creates a new Scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable binds port on all interfaces, the address space Docker
// publishes on, and releases it immediately. Unknown protocols report
// unavailable.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	addr := ":" + strconv.Itoa(port)

	switch protocol {
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		_ = listener.Close()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true

	default:
		return false
	}
}

// FindAvailablePort returns the first free port in [startPort, endPort].
// The search is sequential so the same port is chosen on repeated runs.
func (s *Scanner) FindAvailablePort(startPort, endPort int, protocol string) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if s.IsPortAvailable(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}
