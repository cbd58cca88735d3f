package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool/internal/config"
)

func TestConfigPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, filepath.Join("/custom/config", "shpool", "config.toml"), ConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/alice")
	assert.Equal(t, "/home/alice/.config/shpool/config.toml", ConfigPath())
}

func TestBuildMatcherFromDefaults(t *testing.T) {
	m, err := buildMatcher(config.Default())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.Pending())
}

func TestBuildMatcherRejectsBadBinding(t *testing.T) {
	cfg := config.Default()
	cfg.Keybinding = []config.KeybindingEntry{{Binding: "Hyper-x", Action: "detach"}}
	_, err := buildMatcher(cfg)
	assert.Error(t, err)

	cfg.Keybinding = []config.KeybindingEntry{{Binding: "Ctrl-a", Action: "launch-missiles"}}
	_, err = buildMatcher(cfg)
	assert.Error(t, err)
}

func TestEnvironHeader(t *testing.T) {
	t.Setenv("SHPOOL_TEST_MARKER", "present")
	env := environHeader()

	found := false
	for _, kv := range env {
		if kv.Name == "SHPOOL_TEST_MARKER" {
			found = true
			assert.Equal(t, "present", kv.Value)
		}
	}
	assert.True(t, found)
}
