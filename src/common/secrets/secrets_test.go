package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePlainText(t *testing.T) {
	got, err := Resolve("/etc/bumper/cert.pem")
	require.NoError(t, err)
	require.Equal(t, "/etc/bumper/cert.pem", got)

	got, err = Resolve("  /etc/bumper/key.pem  ")
	require.NoError(t, err)
	require.Equal(t, "/etc/bumper/key.pem", got)

	got, err = Resolve("   ")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("BUMPER_TEST_SECRET", "/run/secrets/cert.pem")

	got, err := Resolve("env:BUMPER_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "/run/secrets/cert.pem", got)
}

func TestResolveFromEnvMissing(t *testing.T) {
	got, err := Resolve("env:BUMPER_TEST_SECRET_DOES_NOT_EXIST")
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestResolveFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "location")
	require.NoError(t, os.WriteFile(path, []byte("/etc/bumper/key.pem\n"), 0o600))

	got, err := Resolve("file:" + path)
	require.NoError(t, err)
	require.Equal(t, "/etc/bumper/key.pem", got)
}

func TestResolveFromFileMissing(t *testing.T) {
	_, err := Resolve("file:/nonexistent/bumper/location")
	require.Error(t, err)
}

func TestResolveFileRequiresAbsolute(t *testing.T) {
	_, err := Resolve("file:relative/location")
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute")
}
