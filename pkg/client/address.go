package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
)

const (
	defaultTCPPort  = "8080"
	defaultSSHPort  = "2222"
	defaultHTTPPort = "8081"
)

// Address is a parsed server address.
//
// Accepted forms:
//
//	host[:port]             plain TCP
//	tcp://host[:port]
//	ssh://[user@]host[:port]
//	ws://host[:port][/path]
//	wss://host[:port][/path]
type Address struct {
	Scheme string // "tcp", "ssh", "ws" or "wss"
	Host   string
	Port   string
	User   string // SSH login name; the chat username is sent with JOIN
	Path   string // WebSocket path, defaults to /ws
}

// HostPort returns host:port
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// Transport returns the transport label used in logs and the UI
func (a Address) Transport() string {
	switch a.Scheme {
	case "ws", "wss":
		return "ws"
	default:
		return a.Scheme
	}
}

func (a Address) String() string {
	switch a.Scheme {
	case "tcp":
		return a.HostPort()
	case "ssh":
		if a.User != "" {
			return fmt.Sprintf("ssh://%s@%s", a.User, a.HostPort())
		}
		return "ssh://" + a.HostPort()
	default:
		return fmt.Sprintf("%s://%s%s", a.Scheme, a.HostPort(), a.Path)
	}
}

// ParseAddress parses a server address, filling in default ports
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Address{}, errors.New("server address is empty")
	}

	addr := Address{Scheme: "tcp"}
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return Address{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		addr.Scheme = strings.ToLower(u.Scheme)
		if u.User != nil {
			addr.User = u.User.Username()
		}
		hostPort = u.Host
		addr.Path = u.Path
	}

	var defaultPort string
	switch addr.Scheme {
	case "tcp", "sbcp":
		addr.Scheme = "tcp"
		defaultPort = defaultTCPPort
	case "ssh":
		defaultPort = defaultSSHPort
	case "ws", "wss":
		defaultPort = defaultHTTPPort
		if addr.Path == "" {
			addr.Path = "/ws"
		}
	default:
		return Address{}, fmt.Errorf("unsupported server scheme %q", addr.Scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return Address{}, err
	}
	addr.Host = host
	addr.Port = port
	return addr, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

// TransportHistory reports the scheme that last worked for a server.
// Keys are host:port or a bare host.
type TransportHistory interface {
	LastTransport(key string) (string, error)
}

// ResolveAddress adds the scheme that last worked for raw when raw has
// none. Plain TCP and unknown servers come back unchanged.
func ResolveAddress(raw string, history TransportHistory, logger *log.Logger) string {
	raw = strings.TrimSpace(raw)
	if history == nil || raw == "" || strings.Contains(raw, "://") {
		return raw
	}

	for _, key := range lookupKeys(raw) {
		transport, err := history.LastTransport(key)
		if err != nil {
			if logger != nil {
				logger.Printf("connection history lookup for %s failed: %v", key, err)
			}
			continue
		}
		if transport == "" {
			continue
		}
		if logger != nil {
			logger.Printf("using %s for %s from connection history", transport, raw)
		}
		switch transport {
		case "ssh":
			return "ssh://" + raw
		case "ws", "websocket":
			return "ws://" + raw
		case "wss":
			return "wss://" + raw
		default:
			return raw
		}
	}
	return raw
}

// lookupKeys returns the history keys to try for raw, most specific first
func lookupKeys(raw string) []string {
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		return []string{strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")}
	}
	return []string{raw, host}
}
