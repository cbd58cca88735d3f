// Package config loads the shpool TOML configuration and keeps a live
// snapshot that reloads when the file changes on disk. Running sessions keep
// the configuration they were spawned under; a reload only affects
// subsequent attaches.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Restore mode kinds for session_restore_mode.
const (
	RestoreScreen = "screen"
	RestoreSimple = "simple"
	RestoreLines  = "lines"
)

// Motd mode kinds.
const (
	MotdNever = "never"
	MotdDump  = "dump"
	MotdPager = "pager"
)

// RestoreMode says what a freshly attached client gets replayed.
type RestoreMode struct {
	Kind string
	// Lines is the scrollback row count for the "lines" kind.
	Lines int
}

// MotdMode says how the message of the day is shown on attach.
type MotdMode struct {
	Kind string
	// PagerBin is the pager executable for the "pager" kind.
	PagerBin string
}

// KeybindingEntry binds a chord sequence to a named action.
type KeybindingEntry struct {
	Binding string `toml:"binding"`
	Action  string `toml:"action"`
}

// Config is one parsed snapshot. Load fills in the values from Default for
// everything the file does not set.
type Config struct {
	SessionRestoreMode RestoreMode
	OutputSpoolLines   uint32
	DefaultDir         string
	PromptPrefix       string
	ForwardEnv         []string
	Motd               MotdMode
	Keybinding         []KeybindingEntry
	Nodaemonize        bool
	InitialPath        string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SessionRestoreMode: RestoreMode{Kind: RestoreScreen},
		OutputSpoolLines:   10000,
		PromptPrefix:       "shpool:$SHPOOL_SESSION_NAME",
		Motd:               MotdMode{Kind: MotdNever},
		Keybinding: []KeybindingEntry{
			{Binding: "Ctrl-Space Ctrl-q", Action: "detach"},
		},
	}
}

// rawConfig mirrors the file layout. The two union-valued keys decode into
// any and are coerced afterwards; pointers distinguish "absent" from zero.
type rawConfig struct {
	SessionRestoreMode any               `toml:"session_restore_mode"`
	OutputSpoolLines   *uint32           `toml:"output_spool_lines"`
	DefaultDir         *string           `toml:"default_dir"`
	PromptPrefix       *string           `toml:"prompt_prefix"`
	ForwardEnv         []string          `toml:"forward_env"`
	Motd               any               `toml:"motd"`
	Keybinding         []KeybindingEntry `toml:"keybinding"`
	Nodaemonize        *bool             `toml:"nodaemonize"`
	InitialPath        *string           `toml:"initial_path"`
}

// Load reads the config file. A missing file yields the defaults; unknown
// keys warn and are ignored; a malformed file is an error.
func Load(path string, log zerolog.Logger) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, log)
}

// Parse decodes a config document against the defaults.
func Parse(data []byte, log zerolog.Logger) (Config, error) {
	var raw rawConfig
	if err := strictUnmarshal(data, &raw, log); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if raw.SessionRestoreMode != nil {
		mode, err := coerceRestoreMode(raw.SessionRestoreMode)
		if err != nil {
			return Config{}, err
		}
		cfg.SessionRestoreMode = mode
	}
	if raw.OutputSpoolLines != nil {
		cfg.OutputSpoolLines = *raw.OutputSpoolLines
	}
	if raw.DefaultDir != nil {
		cfg.DefaultDir = *raw.DefaultDir
	}
	if raw.PromptPrefix != nil {
		cfg.PromptPrefix = *raw.PromptPrefix
	}
	if raw.ForwardEnv != nil {
		cfg.ForwardEnv = raw.ForwardEnv
	}
	if raw.Motd != nil {
		motd, err := coerceMotd(raw.Motd)
		if err != nil {
			return Config{}, err
		}
		cfg.Motd = motd
	}
	if raw.Keybinding != nil {
		cfg.Keybinding = raw.Keybinding
	}
	if raw.Nodaemonize != nil {
		cfg.Nodaemonize = *raw.Nodaemonize
	}
	if raw.InitialPath != nil {
		cfg.InitialPath = *raw.InitialPath
	}
	return cfg, nil
}

// strictUnmarshal decodes with unknown-field detection. Unknown keys are a
// warning, never a failure: the document is re-decoded leniently.
func strictUnmarshal(data []byte, raw *rawConfig, log zerolog.Logger) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(raw)
	if err == nil {
		return nil
	}
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		log.Warn().Str("detail", strict.String()).Msg("config has unrecognized keys, ignoring them")
		*raw = rawConfig{}
		return toml.Unmarshal(data, raw)
	}
	return fmt.Errorf("parse config: %w", err)
}

func coerceRestoreMode(v any) (RestoreMode, error) {
	switch val := v.(type) {
	case string:
		switch val {
		case RestoreScreen, RestoreSimple:
			return RestoreMode{Kind: val}, nil
		}
		return RestoreMode{}, fmt.Errorf("session_restore_mode: unknown mode %q", val)
	case map[string]any:
		lines, ok := val["lines"]
		if !ok {
			return RestoreMode{}, fmt.Errorf("session_restore_mode: table form requires lines")
		}
		n, ok := lines.(int64)
		if !ok || n < 0 {
			return RestoreMode{}, fmt.Errorf("session_restore_mode: lines must be a non-negative integer")
		}
		return RestoreMode{Kind: RestoreLines, Lines: int(n)}, nil
	}
	return RestoreMode{}, fmt.Errorf("session_restore_mode: expected string or {lines = n}")
}

func coerceMotd(v any) (MotdMode, error) {
	switch val := v.(type) {
	case string:
		switch val {
		case MotdNever, MotdDump:
			return MotdMode{Kind: val}, nil
		}
		return MotdMode{}, fmt.Errorf("motd: unknown mode %q", val)
	case map[string]any:
		pager, ok := val["pager"].(map[string]any)
		if !ok {
			return MotdMode{}, fmt.Errorf("motd: table form requires pager")
		}
		bin, _ := pager["bin"].(string)
		if bin == "" {
			return MotdMode{}, fmt.Errorf("motd: pager requires bin")
		}
		return MotdMode{Kind: MotdPager, PagerBin: bin}, nil
	}
	return MotdMode{}, fmt.Errorf("motd: expected string or {pager = {bin = ...}}")
}
