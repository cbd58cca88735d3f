package daemon

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"
	goerrors "github.com/go-errors/errors"
	"github.com/kballard/go-shellquote"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
)

// sanitizedEnv lists the variables a child shell always receives, taken
// from the client's environment when it forwarded them and from the
// daemon's otherwise.
var sanitizedEnv = []string{"TERM", "HOME", "USER", "SHELL", "LANG", "DISPLAY"}

// spawnShell opens a PTY pair and starts the session's command on the
// slave side.  The child becomes a session leader with the slave as its
// controlling terminal (the pty package's spawn path does both), gets a
// sanitized environment, and starts in the configured directory.  The
// returned cleanup removes any prompt-injection temp files and is called
// when the shell is reaped.
func spawnShell(name string, hdr *protocol.AttachHeader, cfg config.Config) (*exec.Cmd, *os.File, func(), error) {
	argv, err := sessionArgv(hdr)
	if err != nil {
		return nil, nil, nil, err
	}

	clientEnv := make(map[string]string, len(hdr.Env))
	for _, kv := range hdr.Env {
		clientEnv[kv.Name] = kv.Value
	}

	inj, err := promptInjection(argv[0], cfg.PromptPrefix, name)
	if err != nil {
		return nil, nil, nil, goerrors.WrapPrefix(err, "prompt injection", 0)
	}
	argv = append(argv, inj.extraArgs...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir(hdr, cfg)
	cmd.Env = childEnv(name, argv[0], clientEnv, cfg, inj.extraEnv)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: hdr.Size.Rows,
		Cols: hdr.Size.Cols,
		X:    hdr.Size.XPixel,
		Y:    hdr.Size.YPixel,
	})
	if err != nil {
		inj.cleanup()
		return nil, nil, nil, goerrors.WrapPrefix(err, "spawn shell", 0)
	}
	return cmd, ptmx, inj.cleanup, nil
}

// sessionArgv resolves what the session runs: an explicit cmd split with
// POSIX shell-word rules, or the user's shell.
func sessionArgv(hdr *protocol.AttachHeader) ([]string, error) {
	if hdr.Cmd != "" {
		argv, err := shellquote.Split(hdr.Cmd)
		if err != nil {
			return nil, fmt.Errorf("parse cmd %q: %w", hdr.Cmd, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("cmd %q is empty after word splitting", hdr.Cmd)
		}
		return argv, nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return []string{shell}, nil
	}
	return []string{"/bin/sh"}, nil
}

// workDir picks the shell's starting directory. default_dir of "." means
// "wherever the client was".
func workDir(hdr *protocol.AttachHeader, cfg config.Config) string {
	switch {
	case cfg.DefaultDir == ".":
		if hdr.Cwd != "" {
			return hdr.Cwd
		}
	case cfg.DefaultDir != "":
		return cfg.DefaultDir
	}
	return os.Getenv("HOME")
}

// childEnv builds the minimum sanitized environment for the shell, plus
// the configured forward_env names, PATH (client's, else the daemon's) and
// the session marker. initial_path, when set, overrides PATH last —
// including a PATH the client forwarded.
func childEnv(name, shellPath string, clientEnv map[string]string, cfg config.Config, extra []string) []string {
	lookup := func(key string) string {
		if v, ok := clientEnv[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	env := make([]string, 0, len(sanitizedEnv)+len(cfg.ForwardEnv)+len(extra)+3)
	for _, key := range sanitizedEnv {
		v := lookup(key)
		if key == "SHELL" {
			v = shellPath
		}
		if v != "" {
			env = append(env, key+"="+v)
		}
	}
	for _, key := range cfg.ForwardEnv {
		if v := lookup(key); v != "" {
			env = envWith(env, key+"="+v)
		}
	}
	if path := lookup("PATH"); path != "" {
		env = envWith(env, "PATH="+path)
	}
	env = envWith(env, "SHPOOL_SESSION_NAME="+name)
	if cfg.InitialPath != "" {
		env = envWith(env, "PATH="+cfg.InitialPath)
	}
	for _, kv := range extra {
		env = envWith(env, kv)
	}
	return env
}

// envWith returns env with each KEY=VALUE override applied, replacing an
// existing KEY if present.
func envWith(env []string, overrides ...string) []string {
	for _, kv := range overrides {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		replaced := false
		for i, existing := range env {
			if len(existing) > len(key) && existing[len(key)] == '=' && existing[:len(key)] == key {
				env[i] = kv
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, kv)
		}
	}
	return env
}
