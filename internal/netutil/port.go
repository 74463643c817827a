// Package netutil binds the local API listener.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// fallback can be bound.
var ErrNoBindAddr = errors.New("no available status API bind address")

// Listen binds preferred, then each fallback in order when autoFallback is
// set. The listener is returned open so the address cannot be taken between
// the check and the serve.
func Listen(preferred string, fallbacks []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("bind %s: %w", preferred, err)
		}
	}
	for _, addr := range fallbacks {
		if addr == "" || addr == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoBindAddr
}

// IsAddrAvailable reports whether addr can be listened on right now.
func IsAddrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
