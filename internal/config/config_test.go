package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shell-pool/shpool/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, config.RestoreScreen, cfg.SessionRestoreMode.Kind)
	assert.Equal(t, uint32(10000), cfg.OutputSpoolLines)
	assert.Equal(t, config.MotdNever, cfg.Motd.Kind)
	require.Len(t, cfg.Keybinding, 1)
	assert.Equal(t, "detach", cfg.Keybinding[0].Action)
}

func TestParseFull(t *testing.T) {
	doc := `
session_restore_mode = "simple"
output_spool_lines = 500
default_dir = "."
prompt_prefix = "pool[$SHPOOL_SESSION_NAME] "
forward_env = ["PATH", "SSH_AUTH_SOCK"]
motd = "dump"
nodaemonize = true
initial_path = "/usr/local/bin:/usr/bin:/bin"

[[keybinding]]
binding = "Ctrl-a d"
action = "detach"
`
	cfg, err := config.Parse([]byte(doc), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.RestoreSimple, cfg.SessionRestoreMode.Kind)
	assert.Equal(t, uint32(500), cfg.OutputSpoolLines)
	assert.Equal(t, ".", cfg.DefaultDir)
	assert.Equal(t, "pool[$SHPOOL_SESSION_NAME] ", cfg.PromptPrefix)
	assert.Equal(t, []string{"PATH", "SSH_AUTH_SOCK"}, cfg.ForwardEnv)
	assert.Equal(t, config.MotdDump, cfg.Motd.Kind)
	assert.True(t, cfg.Nodaemonize)
	assert.Equal(t, "/usr/local/bin:/usr/bin:/bin", cfg.InitialPath)
	require.Len(t, cfg.Keybinding, 1)
	assert.Equal(t, "Ctrl-a d", cfg.Keybinding[0].Binding)
}

func TestParseRestoreModeLines(t *testing.T) {
	cfg, err := config.Parse([]byte(`session_restore_mode = { lines = 50 }`), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.RestoreLines, cfg.SessionRestoreMode.Kind)
	assert.Equal(t, 50, cfg.SessionRestoreMode.Lines)
}

func TestParseRestoreModeBad(t *testing.T) {
	_, err := config.Parse([]byte(`session_restore_mode = "everything"`), zerolog.Nop())
	assert.Error(t, err)

	_, err = config.Parse([]byte(`session_restore_mode = { rows = 5 }`), zerolog.Nop())
	assert.Error(t, err)
}

func TestParseMotdPager(t *testing.T) {
	cfg, err := config.Parse([]byte(`motd = { pager = { bin = "less" } }`), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.MotdPager, cfg.Motd.Kind)
	assert.Equal(t, "less", cfg.Motd.PagerBin)
}

func TestUnknownKeysWarnButParse(t *testing.T) {
	doc := `
output_spool_lines = 123
some_future_option = "yes"
`
	cfg, err := config.Parse([]byte(doc), zerolog.Nop())
	require.NoError(t, err, "unknown keys must not fail the parse")
	assert.Equal(t, uint32(123), cfg.OutputSpoolLines)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestStoreGetAndReloadablePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`output_spool_lines = 42`), 0o644))

	store, err := config.NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, uint32(42), store.Get().OutputSpoolLines)
}
