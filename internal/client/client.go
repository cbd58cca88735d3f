// Package client implements the shpool CLI's side of the protocol: dialing
// the daemon (starting it on demand), the administrative RPCs, and the
// interactive attach loop.
package client

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shell-pool/shpool/internal/daemon"
	"github.com/shell-pool/shpool/internal/protocol"
)

// Exit codes shaped by the CLI front-end.
const (
	ExitSuccess     = 0
	ExitGeneric     = 1
	ExitBusy        = 2
	ExitNotFound    = 3
	ExitVersionSkew = 4
	ExitShellKilled = 137
)

// Conn is an established, version-negotiated daemon connection.
type Conn struct {
	net.Conn

	mu sync.Mutex

	// ServerVersion is what the daemon advertised.
	ServerVersion string
	// VersionSkew is set when the majors differ; the connection still
	// works on the feature intersection, but the CLI warns.
	VersionSkew bool
}

// WriteChunk writes one chunk with the connection's write lock held so
// frames from the stdin, resize, and heartbeat paths never interleave.
func (c *Conn) WriteChunk(tag byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteChunk(c.Conn, tag, payload)
}

// Dial connects to the daemon socket and performs the version exchange.
func Dial() (*Conn, error) {
	socketPath, err := daemon.SocketPath()
	if err != nil {
		return nil, err
	}
	nc, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	conn := &Conn{Conn: nc}
	if err := protocol.WriteVersion(nc); err != nil {
		nc.Close()
		return nil, err
	}
	conn.ServerVersion, err = protocol.ReadVersion(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := protocol.NegotiateVersion(conn.ServerVersion); err != nil {
		conn.VersionSkew = true
		fmt.Fprintf(os.Stderr, "shpool: warning: %v (continuing on common features)\n", err)
	}
	return conn, nil
}

// DialAutoStart is Dial, but starts the daemon in the background first if
// the socket is not answering.
func DialAutoStart() (*Conn, error) {
	if conn, err := Dial(); err == nil {
		return conn, nil
	}
	if err := startDaemon(); err != nil {
		return nil, err
	}

	// Wait up to 3 seconds for it to become ready.
	var lastErr error
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := Dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("daemon did not start in time: %w", lastErr)
}

// startDaemon forks the current binary as a detached daemon.
func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "daemon")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start daemon: %w", err)
	}
	// The daemon re-parents to init; we do not wait on it.
	go cmd.Wait()
	return nil
}

// ConfigPath returns the client/daemon config file location, honoring
// XDG_CONFIG_HOME.
func ConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shpool", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "shpool", "config.toml")
}

// ─── Administrative RPCs ──────────────────────────────────────────────────────

// List fetches the daemon's session table.
func List() (protocol.ListReply, error) {
	conn, err := DialAutoStart()
	if err != nil {
		return protocol.ListReply{}, err
	}
	defer conn.Close()

	if err := protocol.WriteHeader(conn, &protocol.Header{Kind: protocol.MsgList}); err != nil {
		return protocol.ListReply{}, err
	}
	return protocol.ReadListReply(conn)
}

// Detach asks the daemon to disconnect the named sessions' clients.
func Detach(names []string) (protocol.DetachReply, error) {
	conn, err := Dial()
	if err != nil {
		return protocol.DetachReply{}, err
	}
	defer conn.Close()

	if err := protocol.WriteHeader(conn, &protocol.Header{
		Kind:   protocol.MsgDetach,
		Detach: &protocol.DetachHeader{Names: names},
	}); err != nil {
		return protocol.DetachReply{}, err
	}
	return protocol.ReadDetachReply(conn)
}

// Kill asks the daemon to terminate the named sessions.
func Kill(names []string) (protocol.KillReply, error) {
	conn, err := Dial()
	if err != nil {
		return protocol.KillReply{}, err
	}
	defer conn.Close()

	if err := protocol.WriteHeader(conn, &protocol.Header{
		Kind: protocol.MsgKill,
		Kill: &protocol.KillHeader{Names: names},
	}); err != nil {
		return protocol.KillReply{}, err
	}
	return protocol.ReadKillReply(conn)
}

// SessionMessage delivers an opaque payload to a session handler.
func SessionMessage(name string, payload []byte) (protocol.SessionMessageReply, error) {
	conn, err := Dial()
	if err != nil {
		return protocol.SessionMessageReply{}, err
	}
	defer conn.Close()

	if err := protocol.WriteHeader(conn, &protocol.Header{
		Kind:           protocol.MsgSessionMessage,
		SessionMessage: &protocol.SessionMessageHeader{Name: name, Payload: payload},
	}); err != nil {
		return protocol.SessionMessageReply{}, err
	}
	return protocol.ReadSessionMessageReply(conn)
}
