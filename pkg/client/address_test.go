package client

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected Address
		str      string
	}{
		{
			name:     "bare host uses tcp default port",
			raw:      "example.com",
			expected: Address{Scheme: "tcp", Host: "example.com", Port: "8080"},
			str:      "example.com:8080",
		},
		{
			name:     "host and port",
			raw:      " example.com:9000 ",
			expected: Address{Scheme: "tcp", Host: "example.com", Port: "9000"},
			str:      "example.com:9000",
		},
		{
			name:     "sbcp scheme is tcp",
			raw:      "sbcp://example.com",
			expected: Address{Scheme: "tcp", Host: "example.com", Port: "8080"},
			str:      "example.com:8080",
		},
		{
			name:     "ssh with user",
			raw:      "ssh://guest@example.com",
			expected: Address{Scheme: "ssh", Host: "example.com", Port: "2222", User: "guest"},
			str:      "ssh://guest@example.com:2222",
		},
		{
			name:     "websocket default path",
			raw:      "ws://example.com",
			expected: Address{Scheme: "ws", Host: "example.com", Port: "8081", Path: "/ws"},
			str:      "ws://example.com:8081/ws",
		},
		{
			name:     "secure websocket custom path",
			raw:      "WSS://example.com:443/chat",
			expected: Address{Scheme: "wss", Host: "example.com", Port: "443", Path: "/chat"},
			str:      "wss://example.com:443/chat",
		},
		{
			name:     "ipv6 without port",
			raw:      "[::1]",
			expected: Address{Scheme: "tcp", Host: "::1", Port: "8080"},
			str:      "[::1]:8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.raw)
			if err != nil {
				t.Fatalf("ParseAddress(%q) error = %v", tt.raw, err)
			}
			if got != tt.expected {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.raw, got, tt.expected)
			}
			if got.String() != tt.str {
				t.Errorf("String() = %q, want %q", got.String(), tt.str)
			}
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "http://example.com", "ssh://", "tcp://host:1:2"} {
		if _, err := ParseAddress(raw); err == nil {
			t.Errorf("ParseAddress(%q) succeeded, want error", raw)
		}
	}
}

func TestAddressTransport(t *testing.T) {
	for scheme, want := range map[string]string{"tcp": "tcp", "ssh": "ssh", "ws": "ws", "wss": "ws"} {
		if got := (Address{Scheme: scheme}).Transport(); got != want {
			t.Errorf("Transport() for %s = %q, want %q", scheme, got, want)
		}
	}
}

type mapHistory map[string]string

func (h mapHistory) LastTransport(key string) (string, error) {
	if key == "broken.example" {
		return "", errors.New("database is locked")
	}
	return h[key], nil
}

func TestResolveAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		history  mapHistory
		expected string
	}{
		{
			name:     "address with scheme unchanged",
			address:  "ssh://example.com",
			history:  mapHistory{"example.com": "tcp"},
			expected: "ssh://example.com",
		},
		{
			name:     "no history returns original",
			address:  "example.com:8080",
			expected: "example.com:8080",
		},
		{
			name:     "exact match for ssh",
			address:  "example.com:2222",
			history:  mapHistory{"example.com:2222": "ssh"},
			expected: "ssh://example.com:2222",
		},
		{
			name:     "bare host matches by host",
			address:  "example.com",
			history:  mapHistory{"example.com": "ws"},
			expected: "ws://example.com",
		},
		{
			name:     "host extracted from address with port",
			address:  "example.com:9999",
			history:  mapHistory{"example.com": "wss"},
			expected: "wss://example.com:9999",
		},
		{
			name:     "prefer exact match over host",
			address:  "example.com:8080",
			history:  mapHistory{"example.com:8080": "tcp", "example.com": "ssh"},
			expected: "example.com:8080",
		},
		{
			name:     "websocket alias",
			address:  "example.com",
			history:  mapHistory{"example.com": "websocket"},
			expected: "ws://example.com",
		},
		{
			name:     "lookup failure falls through",
			address:  "broken.example",
			history:  mapHistory{},
			expected: "broken.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ResolveAddress(tt.address, tt.history, nil)
			if result != tt.expected {
				t.Errorf("ResolveAddress(%q) = %q, want %q", tt.address, result, tt.expected)
			}
		})
	}
}

func TestResolveAddressWithoutHistory(t *testing.T) {
	if got := ResolveAddress("example.com", nil, nil); got != "example.com" {
		t.Errorf("ResolveAddress with nil history = %q", got)
	}
}
