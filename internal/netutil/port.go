package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoBindAddr = errors.New("no available bind addresses")

// Listen binds the preferred address, falling back to candidates in order
// when autoFallback is set. Candidates may be bare ports, in which case the
// preferred address's host is used. The returned listener is already bound.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address unavailable: %s: %w", preferred, err)
		}
	}

	host := hostOf(preferred)
	for _, c := range candidates {
		addr := expand(host, c)
		if addr == "" || addr == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoBindAddr
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}

// expand turns a bare port into host:port and leaves full addresses alone.
func expand(host, candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if strings.Contains(candidate, ":") {
		return candidate
	}
	return net.JoinHostPort(host, candidate)
}
