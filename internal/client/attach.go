package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/keybind"
	"github.com/shell-pool/shpool/internal/protocol"
)

// heartbeatInterval keeps long-idle attaches alive across aggressive NAT
// and ssh keepalive settings.
const heartbeatInterval = 30 * time.Second

// AttachOpts configures one attach invocation.
type AttachOpts struct {
	Name string
	// Force steals the session from an attached client.
	Force bool
	// Cmd runs instead of the login shell when the session is created.
	Cmd string
	// Dir overrides the client-reported working directory.
	Dir string
	// TTL asks the daemon to kill the session that long after spawn.
	TTL time.Duration
}

// Attach connects the local terminal to the named session and blocks until
// detach or session exit. The returned code is the process exit code.
func Attach(opts AttachOpts) (int, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return ExitGeneric, errors.New("attach requires a terminal on stdin")
	}

	cfg, err := config.Load(ConfigPath(), zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "shpool: warning: %v; using default config\n", err)
		cfg = config.Default()
	}
	matcher, err := buildMatcher(cfg)
	if err != nil {
		return ExitGeneric, err
	}

	conn, err := DialAutoStart()
	if err != nil {
		return ExitGeneric, err
	}
	defer conn.Close()

	cwd := opts.Dir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	hdr := &protocol.AttachHeader{
		Name:    opts.Name,
		Size:    currentWinsize(),
		Env:     environHeader(),
		TTLSecs: uint64(opts.TTL / time.Second),
		Cmd:     opts.Cmd,
		Cwd:     cwd,
		Force:   opts.Force,
	}
	if err := protocol.WriteHeader(conn, &protocol.Header{Kind: protocol.MsgAttach, Attach: hdr}); err != nil {
		return ExitGeneric, err
	}

	reply, err := protocol.ReadAttachReply(conn)
	if err != nil {
		if conn.VersionSkew {
			return ExitVersionSkew, fmt.Errorf("daemon hung up during attach (version skew?): %w", err)
		}
		return ExitGeneric, err
	}
	switch reply.Outcome {
	case protocol.OutcomeAttachedFresh, protocol.OutcomeAttachedResumed:
	case protocol.OutcomeBusy:
		return ExitBusy, fmt.Errorf("session %q already has a client attached (use -f to steal it)", opts.Name)
	case protocol.OutcomeNotFound:
		return ExitNotFound, fmt.Errorf("session %q is gone", opts.Name)
	case protocol.OutcomeNameInvalid:
		return ExitGeneric, fmt.Errorf("invalid session name %q", opts.Name)
	case protocol.OutcomeForbidden:
		return ExitGeneric, errors.New("daemon refused the connection")
	default:
		return ExitGeneric, errors.New("daemon reported an internal error")
	}

	return runAttached(conn, opts.Name, matcher)
}

// runAttached owns the terminal for the duration of the attach: raw mode,
// the two pumps, resize forwarding, and the detach keybinding.
func runAttached(conn *Conn, name string, matcher *keybind.Matcher) (int, error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return ExitGeneric, fmt.Errorf("cannot set raw mode: %w", err)
	}

	// sync.Once so the terminal is restored exactly once whether we leave
	// via the deferred call or the explicit one before the detach banner.
	var restoreOnce sync.Once
	restore := func() {
		restoreOnce.Do(func() { term.Restore(fd, oldState) })
	}
	defer restore()

	fmt.Fprintf(os.Stdout, "\r\n[shpool] attached to %s\r\n", name)

	// done carries the process exit code from whichever pump finishes
	// first.
	done := make(chan int, 1)
	finish := func(code int) {
		select {
		case done <- code:
		default:
		}
	}

	// Socket-to-stdout pump.
	go func() {
		for {
			tag, payload, err := protocol.ReadChunk(conn.Conn)
			if err != nil {
				// Daemon-initiated detach or connection loss both land
				// here; the shell itself is fine either way.
				finish(ExitSuccess)
				return
			}
			switch tag {
			case protocol.ChunkData:
				os.Stdout.Write(payload)
			case protocol.ChunkExitStatus:
				status, err := protocol.DecodeExitStatus(payload)
				if err != nil {
					finish(ExitGeneric)
					return
				}
				finish(int(status))
				return
			}
		}
	}()

	// Stdin-to-socket pump, with the keybinding matcher in the middle.
	stdinCh := make(chan byte, 4096)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			for i := 0; i < n; i++ {
				stdinCh <- buf[i]
			}
			if err != nil {
				if err != io.EOF {
					fmt.Fprintf(os.Stderr, "shpool: stdin: %v\r\n", err)
				}
				conn.WriteChunk(protocol.ChunkDetach, nil)
				finish(ExitSuccess)
				return
			}
		}
	}()
	go func() {
		flushTimer := time.NewTimer(keybind.DefaultTimeout)
		flushTimer.Stop()
		for {
			select {
			case b := <-stdinCh:
				flush, action := matcher.Feed(b, time.Now())
				if len(flush) > 0 {
					if err := conn.WriteChunk(protocol.ChunkData, flush); err != nil {
						finish(ExitSuccess)
						return
					}
				}
				if action == keybind.ActionDetach {
					conn.WriteChunk(protocol.ChunkDetach, nil)
					finish(ExitSuccess)
					return
				}
				if matcher.Pending() {
					flushTimer.Reset(keybind.DefaultTimeout)
				} else {
					flushTimer.Stop()
				}
			case <-flushTimer.C:
				// A binding prefix went stale with no follow-up byte;
				// hand it to the shell so typed keys are never swallowed.
				if pending := matcher.FlushPending(); len(pending) > 0 {
					conn.WriteChunk(protocol.ChunkData, pending)
				}
			}
		}
	}()

	// Forward terminal resize events; send the initial size immediately in
	// case it changed between the header and raw mode.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			conn.WriteChunk(protocol.ChunkResize, protocol.EncodeResize(currentWinsize()))
		}
	}()
	conn.WriteChunk(protocol.ChunkResize, protocol.EncodeResize(currentWinsize()))

	// A SIGTERM detaches cleanly. SIGINT needs no handler at all: raw mode
	// delivers ^C as a data byte and the shell's interpretation is
	// canonical.
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM)
	defer signal.Stop(termCh)
	go func() {
		for range termCh {
			conn.WriteChunk(protocol.ChunkDetach, nil)
			finish(ExitSuccess)
		}
	}()

	// Heartbeats keep idle attaches from being reaped by the transport.
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			conn.WriteChunk(protocol.ChunkHeartbeat, nil)
		}
	}()

	code := <-done
	conn.Close()

	// Restore the terminal before the banner so it prints cooked, and
	// clear modes the shell may have left on (focus reporting, bracketed
	// paste).
	restore()
	fmt.Fprint(os.Stdout, "\033[?1004l\033[?2004l")
	fmt.Fprintf(os.Stdout, "\n[shpool] detached from %s\n", name)
	return code, nil
}

// buildMatcher compiles the config's keybindings.
func buildMatcher(cfg config.Config) (*keybind.Matcher, error) {
	bindings := make([]keybind.Binding, 0, len(cfg.Keybinding))
	for _, entry := range cfg.Keybinding {
		action, err := keybind.ParseAction(entry.Action)
		if err != nil {
			return nil, err
		}
		chords, err := keybind.ParseBinding(entry.Binding)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, keybind.Binding{Chords: chords, Action: action})
	}
	return keybind.NewMatcher(bindings, keybind.DefaultTimeout), nil
}

// currentWinsize reads the controlling terminal's size, pixel fields
// included. A failed ioctl falls back to 24x80.
func currentWinsize() protocol.WinSize {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return protocol.WinSize{Rows: 24, Cols: 80}
	}
	return protocol.WinSize{Rows: ws.Row, Cols: ws.Col, XPixel: ws.Xpixel, YPixel: ws.Ypixel}
}

// environHeader packages the client environment for the daemon; the daemon
// only honors the sanitized names plus its configured forward_env list.
func environHeader() []protocol.EnvVar {
	environ := os.Environ()
	env := make([]protocol.EnvVar, 0, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env = append(env, protocol.EnvVar{Name: name, Value: value})
		}
	}
	return env
}
