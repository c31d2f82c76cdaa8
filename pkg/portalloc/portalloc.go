// Package portalloc picks a free local TCP port for the proxy listener
// while avoiding ports known to collide with other local software.
package portalloc

import (
	"fmt"
	"net"
)

const (
	// DefaultBase is the first candidate port
	DefaultBase = 18080

	maxAttempts = 2000
	minPort     = 1024
	maxPort     = 65535
)

// Allocator walks candidate ports upward from Base, skipping Forbidden
// ports, until it finds one that can be bound.
type Allocator struct {
	Base      int
	Forbidden map[int]bool
}

// New creates an allocator. Port 8080 is always forbidden since mitmproxy
// and many dev servers default to it; extra contains additional ports to
// avoid.
func New(base int, extra ...int) *Allocator {
	if base <= 0 {
		base = DefaultBase
	}
	forbidden := map[int]bool{8080: true}
	for _, p := range extra {
		if p > 0 {
			forbidden[p] = true
		}
	}
	return &Allocator{Base: base, Forbidden: forbidden}
}

// Choose returns a port the proxy can listen on. It never fails: when the
// scan is exhausted it falls back to an OS-assigned ephemeral port, and as
// a last resort to the base port itself.
func (a *Allocator) Choose() int {
	port := a.Base
	for i := 0; i < maxAttempts; i++ {
		if !a.Forbidden[port] && Free(port) {
			return port
		}
		port++
		if port > maxPort {
			port = minPort
		}
	}

	if p, err := ephemeral(); err == nil {
		// nudge off a forbidden port; the neighbour is almost surely free
		for a.Forbidden[p] {
			p++
			if p > maxPort {
				p = minPort
			}
		}
		return p
	}

	return a.Base
}

// Free reports whether a local TCP port can currently be bound
func Free(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// ephemeral asks the OS for any free port
func ephemeral() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
