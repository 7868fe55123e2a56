package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, DefaultUDPPort, cfg.UDPPort)
	assert.Equal(t, DefaultListenIP, cfg.ListenIP)
	assert.Equal(t, 3.0, cfg.HandshakeTimeoutSeconds)
	assert.Equal(t, 2.0, cfg.MessageRetrySeconds)
	assert.Equal(t, 300, cfg.IdleSuspendSeconds)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "0.0.0.0:6666", cfg.ListenAddr())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
udp_port: 7777
listen_ip: 127.0.0.1
handshake_timeout_seconds: 1.5
message_retry_seconds: 0.5
idle_suspend_seconds: 60
pkcs_module_path: /usr/lib/libpkcs11-dnie.so
discovery_service_name: _eidchat._udp
db_path: /var/lib/eidchat/chat.db
log_path: /var/log/eidchat.log
debug: true
`))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.UDPPort)
	assert.Equal(t, "127.0.0.1", cfg.ListenIP)
	assert.Equal(t, 1.5, cfg.HandshakeTimeoutSeconds)
	assert.Equal(t, 0.5, cfg.MessageRetrySeconds)
	assert.Equal(t, 60, cfg.IdleSuspendSeconds)
	assert.Equal(t, "/usr/lib/libpkcs11-dnie.so", cfg.PKCSModulePath)
	assert.Equal(t, "_eidchat._udp", cfg.DiscoveryServiceName)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "127.0.0.1:7777", cfg.ListenAddr())
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse([]byte("udp_prot: 6666\n"))
	assert.Error(t, err, "unknown options must be rejected at startup")
}

func TestParseRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "port too high", yaml: "udp_port: 70000"},
		{name: "port zero", yaml: "udp_port: 0"},
		{name: "negative timeout", yaml: "handshake_timeout_seconds: -1"},
		{name: "zero retry", yaml: "message_retry_seconds: 0"},
		{name: "zero idle", yaml: "idle_suspend_seconds: 0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eidchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("udp_port: 9999\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.UDPPort)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
