// Package daemon implements the shpoold side of shpool.
//
// The daemon listens on a Unix domain socket and handles requests from
// shpool clients.  Each connection opens with a protocol version exchange
// and one framed header; list/detach/kill requests get a single framed
// reply and the connection closes — attach requests enter a bidirectional
// streaming mode (see session.go and internal/protocol for the wire
// format).
package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
)

// Daemon is the central supervisor.  It owns the table of live sessions and
// handles all IPC requests from shpool clients.
type Daemon struct {
	cfg *config.Store
	log zerolog.Logger

	// mu guards the registry maps only.  It is never held across I/O or
	// while spawning a shell; reserved marks names mid-spawn so a racing
	// attach cannot double-spawn.
	mu       sync.Mutex
	sessions map[string]*Session
	reserved map[string]struct{}
}

// New creates a Daemon serving the given config store.
func New(cfg *config.Store, log zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// SocketDir returns the runtime directory holding the control socket.
// XDG_RUNTIME_DIR is required; there is no fallback that preserves the
// per-user 0700 ownership the socket relies on.
func SocketDir() (string, error) {
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtime, "shpool"), nil
}

// SocketPath returns the control socket path.
func SocketPath() (string, error) {
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shpool.socket"), nil
}

// Listen binds the control socket, preferring a listener inherited through
// systemd socket activation when one is present.
func Listen() (net.Listener, error) {
	if l, ok, err := activationListener(); ok || err != nil {
		return l, err
	}

	socketPath, err := SocketPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, err
	}

	// Remove stale socket.
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Run accepts connections until the listener is closed.
func (d *Daemon) Run(l net.Listener) error {
	d.log.Info().Str("addr", l.Addr().String()).Msg("shpoold listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			return nil
		}
		go d.handleConn(conn)
	}
}

// ─── Connection handling ──────────────────────────────────────────────────────

func (d *Daemon) handleConn(conn net.Conn) {
	// Non-attach requests are handled quickly; attach holds the connection
	// for the lifetime of the client.
	defer conn.Close()

	log := d.log.With().Str("peer", conn.RemoteAddr().String()).Logger()

	if err := checkPeer(conn); err != nil {
		log.Warn().Err(err).Msg("rejecting connection")
		return
	}

	peerVersion, err := protocol.ReadVersion(conn)
	if err != nil {
		log.Warn().Err(err).Msg("version exchange failed")
		return
	}
	if err := protocol.WriteVersion(conn); err != nil {
		return
	}
	if err := protocol.NegotiateVersion(peerVersion); err != nil {
		// Best effort: keep serving on the feature intersection.
		log.Warn().Str("client_version", peerVersion).Err(err).Msg("client version skew")
	}

	hdr, err := protocol.ReadHeader(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Msg("bad request header")
			writeInternal(conn)
		}
		return
	}

	switch hdr.Kind {
	case protocol.MsgAttach:
		d.handleAttach(conn, hdr.Attach, log)
	case protocol.MsgList:
		d.handleList(conn)
	case protocol.MsgDetach:
		d.handleDetach(conn, hdr.Detach)
	case protocol.MsgKill:
		d.handleKill(conn, hdr.Kill)
	case protocol.MsgSessionMessage:
		d.handleSessionMessage(conn, hdr.SessionMessage)
	default:
		log.Warn().Uint8("kind", hdr.Kind).Msg("unknown request kind")
		writeInternal(conn)
	}
}

func writeInternal(conn net.Conn) {
	_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: protocol.OutcomeInternal})
}

// ─── Registry helpers ─────────────────────────────────────────────────────────

func (d *Daemon) getSession(name string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[name]
}

// removeSession drops a session from the registry if it is still the one
// registered under its name.  Called from the session's pump when the shell
// is reaped, and from Kill.
func (d *Daemon) removeSession(s *Session) {
	d.mu.Lock()
	if d.sessions[s.name] == s {
		delete(d.sessions, s.name)
	}
	d.mu.Unlock()
}

// createOrLookup returns the existing session for name, or spawns a new one.
// The registry lock is dropped while the shell spawns; the reservation keeps
// racing attaches out of the slot.  A failed spawn rolls the slot back.
func (d *Daemon) createOrLookup(name string, hdr *protocol.AttachHeader) (s *Session, fresh bool, err error) {
	d.mu.Lock()
	if s := d.sessions[name]; s != nil {
		d.mu.Unlock()
		return s, false, nil
	}
	if _, busy := d.reserved[name]; busy {
		// Another client is mid-spawn on this name; it owns the slot once
		// the shell is up.
		d.mu.Unlock()
		return nil, false, protocol.ErrSessionBusy
	}
	d.reserved[name] = struct{}{}
	d.mu.Unlock()

	s, err = d.newSession(name, hdr, d.cfg.Get())

	d.mu.Lock()
	delete(d.reserved, name)
	if err == nil {
		d.sessions[name] = s
	}
	d.mu.Unlock()

	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}
