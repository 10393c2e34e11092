package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBumperConfigDefaults(t *testing.T) {
	t.Setenv("BUMPER_CERT", "/certs/cert.pem")
	t.Setenv("BUMPER_KEY", "/certs/key.pem")

	cfg, err := LoadBumperConfig("")
	require.NoError(t, err)
	require.Equal(t, 8883, cfg.MQTTPort)
	require.Equal(t, 5223, cfg.XMPPPort)
	require.True(t, cfg.UseAuth)
	require.Equal(t, "0.0.0.0:8883", cfg.MQTTListenAddr())
	require.Equal(t, "0.0.0.0:5223", cfg.XMPPListenAddr())
}

func TestLoadBumperConfigEnvOverrides(t *testing.T) {
	t.Setenv("BUMPER_LISTEN", "127.0.0.1")
	t.Setenv("BUMPER_CERT", "/certs/cert.pem")
	t.Setenv("BUMPER_KEY", "/certs/key.pem")
	t.Setenv("BUMPER_DEBUG", "true")
	t.Setenv("BUMPER_PROXY_MQTT", "true")
	t.Setenv("BUMPER_DATA", "/var/lib/bumper")

	cfg, err := LoadBumperConfig("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Listen)
	require.True(t, cfg.Debug)
	require.True(t, cfg.ProxyMQTT)
	require.Equal(t, "/var/lib/bumper/bumper.db", cfg.DBPath())
}

func TestLoadBumperConfigRequiresCertAndKey(t *testing.T) {
	// The env layer overrides the built-in ./certs defaults with empty
	// strings, which must fail validation.
	t.Setenv("BUMPER_CERT", "")
	t.Setenv("BUMPER_KEY", "")

	_, err := LoadBumperConfig("")
	require.Error(t, err)
}
