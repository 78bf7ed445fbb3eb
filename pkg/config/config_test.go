package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/pesitd-test
listeners:
  - server_id: srv1
    port: 7234
    receive_directory: /tmp/in
    send_directory: /tmp/out
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.NotEmpty(t, cfg.NodeName)

	require.Len(t, cfg.Listeners, 1)
	l := cfg.Listeners[0]
	assert.Equal(t, "SRV1", l.ServerID, "server id is normalized to uppercase")
	assert.Equal(t, 2, l.ProtocolVersion)
	assert.Equal(t, 64, l.MaxConnections)
	assert.Equal(t, 32*1024, l.MaxEntitySize)
	assert.Equal(t, 5*time.Minute, l.ReadTimeout)
	assert.Equal(t, 3, l.MaxRetries)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/pesitd-test
shutdown_timeout: 45s
listeners:
  - server_id: SRV1
    port: 7234
    receive_directory: /tmp/in
    send_directory: /tmp/out
    connection_timeout: 10s
    read_timeout: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Listeners[0].ConnectionTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Listeners[0].ReadTimeout)
}

func TestValidateRejectsDuplicateListeners(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners = append(cfg.Listeners, cfg.Listeners[0])

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate listener")
}

func TestValidateRejectsSharedPort(t *testing.T) {
	cfg := GetDefaultConfig()
	second := cfg.Listeners[0]
	second.ServerID = "PESIT02"
	cfg.Listeners = append(cfg.Listeners, second)

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share port")
}

func TestValidateRejectsLongServerID(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners[0].ServerID = "TOOLONGID9" // 10 chars, max is 8

	require.Error(t, Validate(cfg))
}

func TestValidateRejectsIncompleteTLS(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Listeners[0].TLS = TLSConfig{Enabled: true, CertFile: "server.crt"}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_file")
}

func TestValidateRejectsBadFilePattern(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Files = []FileConfig{{Pattern: "["}}

	require.Error(t, Validate(cfg))
}

func TestValidateRejectsEmptyFileRecord(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Files = []FileConfig{{}}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename or a pattern")
}

func TestPartnerAllows(t *testing.T) {
	tests := []struct {
		access Access
		typ    uint8
		want   bool
	}{
		{AccessRead, 0, true},
		{AccessRead, 1, false},
		{AccessWrite, 1, true},
		{AccessWrite, 0, false},
		{AccessBoth, 0, true},
		{AccessBoth, 1, true},
		{AccessBoth, 2, true},
		{AccessRead, 2, false},
	}
	for _, tt := range tests {
		p := PartnerConfig{Access: tt.access}
		assert.Equal(t, tt.want, p.Allows(tt.typ), "access=%s type=%d", tt.access, tt.typ)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := GetDefaultConfig()
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Listeners[0].ServerID, loaded.Listeners[0].ServerID)
	assert.Equal(t, cfg.Listeners[0].Port, loaded.Listeners[0].Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.Listeners)
}
