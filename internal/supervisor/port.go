package supervisor

import (
	"fmt"
	"net"
	"strconv"
)

// Host is the loopback address backends bind to.
const Host = "127.0.0.1"

const (
	defaultPortHint = 8001
	portScanSpan    = 1000
)

// FindFreePort returns the first port at or after startHint that the OS lets
// us bind on Host, scanning a bounded span. The port is released before
// returning, so a narrow race with other binders remains.
func FindFreePort(startHint int) (int, error) {
	if startHint <= 0 || startHint > 65535 {
		startHint = defaultPortHint
	}
	end := startHint + portScanSpan
	if end > 65536 {
		end = 65536
	}
	for p := startHint; p < end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", startHint, end-1)
}

// PortFree reports whether port can currently be bound on Host.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
