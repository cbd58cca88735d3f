package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// injection is what promptInjection produced: extra argv, extra child env,
// and a cleanup for the temp files it wrote.
type injection struct {
	extraArgs []string
	extraEnv  []string
	cleanup   func()
}

func noInjection() injection {
	return injection{cleanup: func() {}}
}

// promptInjection arranges for the session shell's prompt to carry the
// configured prefix, substituting $SHPOOL_SESSION_NAME. Each supported
// shell has its own vehicle: bash takes an --rcfile that sources the real
// one, zsh takes a ZDOTDIR overlay, fish takes an XDG_CONFIG_HOME overlay
// with a conf.d snippet. Unrecognized shells and a blank template get
// nothing.
func promptInjection(shellPath, template, sessionName string) (injection, error) {
	if template == "" {
		return noInjection(), nil
	}
	prefix := strings.ReplaceAll(template, "$SHPOOL_SESSION_NAME", sessionName)

	switch sniffShell(shellPath) {
	case "bash":
		return bashInjection(prefix)
	case "zsh":
		return zshInjection(prefix)
	case "fish":
		return fishInjection(prefix)
	}
	return noInjection(), nil
}

// sniffShell names the shell behind path: by basename first, then by
// reading the header — a shell wrapper script's interpreter line still
// tells us which rc dialect applies.
func sniffShell(path string) string {
	if kind := shellKind(filepath.Base(path)); kind != "" {
		return kind
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	header := make([]byte, 128)
	n, _ := f.Read(header)
	header = header[:n]
	if !bytes.HasPrefix(header, []byte("#!")) {
		return ""
	}
	line := header
	if i := bytes.IndexByte(header, '\n'); i >= 0 {
		line = header[:i]
	}
	for _, field := range strings.Fields(string(line[2:])) {
		if kind := shellKind(filepath.Base(field)); kind != "" {
			return kind
		}
	}
	return ""
}

func shellKind(base string) string {
	switch base {
	case "bash", "zsh", "fish":
		return base
	}
	return ""
}

// shellQuote wraps s in single quotes for POSIX-family rc files.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func bashInjection(prefix string) (injection, error) {
	dir, err := os.MkdirTemp("", "shpool-bash-")
	if err != nil {
		return noInjection(), err
	}
	rc := filepath.Join(dir, "rcfile")
	content := fmt.Sprintf(`if [ -f "$HOME/.bashrc" ]; then . "$HOME/.bashrc"; fi
PS1=%s"$PS1"
`, shellQuote(prefix))
	if err := os.WriteFile(rc, []byte(content), 0o600); err != nil {
		os.RemoveAll(dir)
		return noInjection(), err
	}
	return injection{
		extraArgs: []string{"--rcfile", rc},
		cleanup:   func() { os.RemoveAll(dir) },
	}, nil
}

func zshInjection(prefix string) (injection, error) {
	dir, err := os.MkdirTemp("", "shpool-zsh-")
	if err != nil {
		return noInjection(), err
	}
	content := fmt.Sprintf(`if [ -f "$HOME/.zshrc" ]; then ZDOTDIR="$HOME" . "$HOME/.zshrc"; fi
PROMPT=%s"$PROMPT"
`, shellQuote(prefix))
	if err := os.WriteFile(filepath.Join(dir, ".zshrc"), []byte(content), 0o600); err != nil {
		os.RemoveAll(dir)
		return noInjection(), err
	}
	return injection{
		extraEnv: []string{"ZDOTDIR=" + dir},
		cleanup:  func() { os.RemoveAll(dir) },
	}, nil
}

func fishInjection(prefix string) (injection, error) {
	dir, err := os.MkdirTemp("", "shpool-fish-")
	if err != nil {
		return noInjection(), err
	}
	confd := filepath.Join(dir, "fish", "conf.d")
	if err := os.MkdirAll(confd, 0o700); err != nil {
		os.RemoveAll(dir)
		return noInjection(), err
	}

	// The overlay shadows the user's fish config dir, so the snippet
	// sources their config.fish back in before wrapping the prompt.
	content := fmt.Sprintf(`if test -f "$HOME/.config/fish/config.fish"
    source "$HOME/.config/fish/config.fish"
end
functions --copy fish_prompt __shpool_wrapped_prompt
function fish_prompt
    printf '%%s' %s
    __shpool_wrapped_prompt
end
`, shellQuote(prefix))
	if err := os.WriteFile(filepath.Join(confd, "shpool_prompt.fish"), []byte(content), 0o600); err != nil {
		os.RemoveAll(dir)
		return noInjection(), err
	}
	return injection{
		extraEnv: []string{"XDG_CONFIG_HOME=" + dir},
		cleanup:  func() { os.RemoveAll(dir) },
	}, nil
}
