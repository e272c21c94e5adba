package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sbcpd.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	// The written file parses back to the same defaults
	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be created")

	var reread TOMLConfig
	_, err = toml.DecodeFile(path, &reread)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), reread)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbcpd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
tcp_port = 7000
http_port = 7001

[limits]
max_clients = 3
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	cfg := config.ToServerConfig()
	assert.Equal(t, 7000, cfg.TCPPort)
	assert.Equal(t, 7001, cfg.HTTPPort)
	assert.Equal(t, 3, cfg.MaxClients)
	assert.Equal(t, DefaultConfig().MaxUsernameLength, cfg.MaxUsernameLength)
	assert.Equal(t, DefaultConfig().MetricsPort, cfg.MetricsPort)
	assert.Zero(t, cfg.SSHPort)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbcpd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"SBCP_SERVER_TCP_PORT":             "9100",
		"SBCP_SERVER_BIND_ADDRESS":         "127.0.0.1",
		"SBCP_LIMITS_MAX_CLIENTS":          "42",
		"SBCP_LIMITS_MAX_MESSAGE_LENGTH":   "0",
		"SBCP_LIMITS_JOIN_TIMEOUT_SECONDS": "5",
	}
	config := DefaultTOMLConfig()
	require.NoError(t, applyEnvOverrides(&config, func(k string) string { return env[k] }))

	cfg := config.ToServerConfig()
	assert.Equal(t, 9100, cfg.TCPPort)
	assert.Equal(t, "127.0.0.1", cfg.BindAddress)
	assert.Equal(t, 42, cfg.MaxClients)
	assert.Zero(t, cfg.MaxMessageLength, "zero disables the limit")
	assert.Equal(t, 5, cfg.JoinTimeoutSeconds)
}

func TestEnvOverrideInvalidNumber(t *testing.T) {
	config := DefaultTOMLConfig()
	err := applyEnvOverrides(&config, func(k string) string {
		if k == "SBCP_SERVER_SSH_PORT" {
			return "twenty-two"
		}
		return ""
	})
	assert.ErrorContains(t, err, "SBCP_SERVER_SSH_PORT")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SBCP_SERVER_METRICS_PORT", "0")
	path := filepath.Join(t.TempDir(), "sbcpd.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, config.ToServerConfig().MetricsPort)
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_key")

	generated, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, generated.PublicKey().Marshal(), loaded.PublicKey().Marshal(), "second start reuses the key")

	_, err = loadOrGenerateHostKey("  ")
	assert.Error(t, err)
}

func TestNewServerValidatesMaxClients(t *testing.T) {
	for _, n := range []int{0, -1, 0x10000} {
		cfg := testConfig()
		cfg.MaxClients = n
		_, err := NewServer(cfg)
		assert.Error(t, err, "max clients %d", n)
	}
}
