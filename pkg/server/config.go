package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where sbcpd looks for its config file
const DefaultConfigPath = "~/.sbcp/sbcpd.toml"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	MaxClients          int `toml:"max_clients"`
	MaxUsernameLength   int `toml:"max_username_length"`
	MaxMessageLength    int `toml:"max_message_length"`
	JoinTimeoutSeconds  int `toml:"join_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// DefaultTOMLConfig returns the configuration written to a fresh config file
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			BindAddress: d.BindAddress,
			TCPPort:     d.TCPPort,
			SSHPort:     d.SSHPort,
			HTTPPort:    d.HTTPPort,
			MetricsPort: d.MetricsPort,
			SSHHostKey:  d.SSHHostKeyPath,
		},
		Limits: LimitsSection{
			MaxClients:          d.MaxClients,
			MaxUsernameLength:   d.MaxUsernameLength,
			MaxMessageLength:    d.MaxMessageLength,
			JoinTimeoutSeconds:  d.JoinTimeoutSeconds,
			WriteTimeoutSeconds: d.WriteTimeoutSeconds,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default one if
// none exists, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Keys missing from the file keep their defaults
	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			// Still runnable on defaults, e.g. from a read-only home
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
	} else {
		md, err := toml.DecodeFile(path, &config)
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			errorLog.Printf("Ignoring unknown config keys in %s: %v", path, undecoded)
		}
	}

	if err := applyEnvOverrides(&config, os.Getenv); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// applyEnvOverrides applies overrides named SBCP_SECTION_KEY, for example
// SBCP_SERVER_TCP_PORT=9000 or SBCP_LIMITS_MAX_CLIENTS=50
func applyEnvOverrides(config *TOMLConfig, getenv func(string) string) error {
	ints := map[string]*int{
		"SBCP_SERVER_TCP_PORT":              &config.Server.TCPPort,
		"SBCP_SERVER_SSH_PORT":              &config.Server.SSHPort,
		"SBCP_SERVER_HTTP_PORT":             &config.Server.HTTPPort,
		"SBCP_SERVER_METRICS_PORT":          &config.Server.MetricsPort,
		"SBCP_LIMITS_MAX_CLIENTS":           &config.Limits.MaxClients,
		"SBCP_LIMITS_MAX_USERNAME_LENGTH":   &config.Limits.MaxUsernameLength,
		"SBCP_LIMITS_MAX_MESSAGE_LENGTH":    &config.Limits.MaxMessageLength,
		"SBCP_LIMITS_JOIN_TIMEOUT_SECONDS":  &config.Limits.JoinTimeoutSeconds,
		"SBCP_LIMITS_WRITE_TIMEOUT_SECONDS": &config.Limits.WriteTimeoutSeconds,
	}
	for name, field := range ints {
		val := getenv(name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, val, err)
		}
		*field = n
	}

	if val := getenv("SBCP_SERVER_BIND_ADDRESS"); val != "" {
		config.Server.BindAddress = val
	}
	if val := getenv("SBCP_SERVER_SSH_HOST_KEY"); val != "" {
		config.Server.SSHHostKey = val
	}
	return nil
}

// writeDefaultConfig writes a commented default config file to path
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d := DefaultTOMLConfig()
	content := fmt.Sprintf(`# sbcpd configuration
# Any key can be overridden with SBCP_<SECTION>_<KEY>, e.g. SBCP_SERVER_TCP_PORT=9000

[server]
# Interface to listen on (empty = all interfaces)
bind_address = %q

# SBCP over plain TCP
tcp_port = %d

# SBCP over SSH session channels (0 = disabled)
ssh_port = %d

# SBCP over WebSocket at /ws (0 = disabled)
http_port = %d

# Prometheus /metrics and /health (0 = disabled). Do not expose publicly.
metrics_port = %d

# Generated on first start when SSH is enabled
ssh_host_key = %q

[limits]
# Maximum concurrently joined clients (1-65535)
max_clients = %d

# Maximum username length in bytes (0 = unlimited)
max_username_length = %d

# Maximum chat message length in bytes (0 = unlimited)
max_message_length = %d

# Seconds a new connection may take to send JOIN (0 = wait forever)
join_timeout_seconds = %d

# Seconds a single message write may take before the peer is dropped (0 = no limit)
write_timeout_seconds = %d
`,
		d.Server.BindAddress, d.Server.TCPPort, d.Server.SSHPort, d.Server.HTTPPort,
		d.Server.MetricsPort, d.Server.SSHHostKey,
		d.Limits.MaxClients, d.Limits.MaxUsernameLength, d.Limits.MaxMessageLength,
		d.Limits.JoinTimeoutSeconds, d.Limits.WriteTimeoutSeconds)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. A zero port disables
// its listener and a zero limit means unlimited, except for tcp_port and
// max_clients, which fall back to the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxClients != 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	cfg.MaxMessageLength = c.Limits.MaxMessageLength
	cfg.JoinTimeoutSeconds = c.Limits.JoinTimeoutSeconds
	cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds

	return cfg
}

// expandPath expands a leading ~/ to the user's home directory
func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
