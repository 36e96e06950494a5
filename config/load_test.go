package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReturnsDefaultsWhenNoFileAndNoEnv(t *testing.T) {
	f, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), f)
}

func TestResolveOverlaysIniFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
# engine settings
[engine]
listen_addr = 127.0.0.1:9000
request_timeout = 45s
discard_first_event = false
`), 0o600))

	f, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", f.ListenAddr)
	assert.Equal(t, 45*time.Second, f.RequestTimeout)
	assert.False(t, f.DiscardFirstEvent)
	assert.Equal(t, Defaults().ScriptWorkerPath, f.ScriptWorkerPath)
}

func TestResolveEnvOverridesIniFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr = 127.0.0.1:9000\n"), 0o600))

	t.Setenv("OET_LISTEN_ADDR", "127.0.0.1:7777")

	f, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", f.ListenAddr)
}

func TestResolveMissingFileIsNotAnError(t *testing.T) {
	f, err := Resolve(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), f)
}

func TestResolveRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(path, []byte("not a valid line\n"), 0o600))

	_, err := Resolve(path)
	require.Error(t, err)
}

func TestResolveExpandsEnvVarsInIniValues(t *testing.T) {
	t.Setenv("OET_TEST_HOST", "10.0.0.5")
	path := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr = ${OET_TEST_HOST}:5000\n"), 0o600))

	f, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5000", f.ListenAddr)
}

func TestResolveRejectsInvalidDurationOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oet.ini")
	require.NoError(t, os.WriteFile(path, []byte("request_timeout = not-a-duration\n"), 0o600))

	_, err := Resolve(path)
	require.Error(t, err)
}
