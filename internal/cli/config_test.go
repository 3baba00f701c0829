package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

var time0 time.Time

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	require.Equal(t, "client", cfg.Client.Name)
	require.Equal(t, "sqlite", cfg.Server.Driver)
	require.Equal(t, twosync.ProfileAll, cfg.Sync.Profile)
	require.Equal(t, string(twosync.Bidirectional), cfg.Sync.Direction)
	require.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	require.Equal(t, "json", cfg.Output)
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twosync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  name: phone
  dsn: /tmp/phone.db
server:
  name: hq
  driver: postgres
  dsn: postgres://localhost/hq
sync:
  profile: AddressesOnly
  direction: pull_down
  conflict_policy: preserve_local_edits
  parallelism: 4
log:
  level: debug
`), 0o600))

	t.Setenv("TWOSYNC_SYNC_PARALLELISM", "8")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("direction", "bidirectional", "")
	require.NoError(t, flags.Parse([]string{"--direction", "push_up"}))

	cfg, err := loadConfig(path, flags)
	require.NoError(t, err)
	require.Equal(t, "phone", cfg.Client.Name)
	require.Equal(t, "postgres", cfg.Server.Driver)
	require.Equal(t, "AddressesOnly", cfg.Sync.Profile)
	require.Equal(t, string(twosync.PreserveLocalEdits), cfg.Sync.ConflictPolicy)
	require.Equal(t, 8, cfg.Sync.Parallelism)
	require.Equal(t, string(twosync.PushUp), cfg.Sync.Direction)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad driver", map[string]string{"TWOSYNC_CLIENT_DRIVER": "mysql"}},
		{"same names", map[string]string{"TWOSYNC_SERVER_NAME": "client"}},
		{"bad policy", map[string]string{"TWOSYNC_SYNC_CONFLICT_POLICY": "client_wins"}},
		{"bad output", map[string]string{"TWOSYNC_OUTPUT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("", nil)
			require.Error(t, err)
		})
	}
}

func TestNewLogger_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twosync.log")
	logger, closer, err := newLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, os.Stderr)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = newLogger(LogConfig{Level: "loud"}, os.Stderr)
	require.Error(t, err)
}
