package daemon_test

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/daemon"
	"github.com/shell-pool/shpool/internal/protocol"
)

// startTestDaemon binds a daemon on a throwaway runtime dir and returns a
// dialer for it.
func startTestDaemon(t *testing.T) func() net.Conn {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	store, err := config.NewStore(filepath.Join(t.TempDir(), "config.toml"), zerolog.Nop())
	require.NoError(t, err)

	l, err := daemon.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go daemon.New(store, zerolog.Nop()).Run(l)

	socketPath, err := daemon.SocketPath()
	require.NoError(t, err)

	return func() net.Conn {
		conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		require.NoError(t, protocol.WriteVersion(conn))
		serverVersion, err := protocol.ReadVersion(conn)
		require.NoError(t, err)
		require.NoError(t, protocol.NegotiateVersion(serverVersion))
		return conn
	}
}

func attach(t *testing.T, conn net.Conn, name string) protocol.AttachReply {
	t.Helper()
	require.NoError(t, protocol.WriteHeader(conn, &protocol.Header{
		Kind: protocol.MsgAttach,
		Attach: &protocol.AttachHeader{
			Name: name,
			Size: protocol.WinSize{Rows: 24, Cols: 80},
			Cmd:  "sh",
		},
	}))
	reply, err := protocol.ReadAttachReply(conn)
	require.NoError(t, err)
	return reply
}

// readUntil collects data chunks until want shows up or the deadline hits.
func readUntil(t *testing.T, conn net.Conn, want string, timeout time.Duration) string {
	t.Helper()
	var seen strings.Builder
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		tag, payload, err := protocol.ReadChunk(conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			break
		}
		if tag == protocol.ChunkData {
			seen.Write(payload)
			if strings.Contains(seen.String(), want) {
				conn.SetReadDeadline(time.Time{})
				return seen.String()
			}
		}
	}
	conn.SetReadDeadline(time.Time{})
	t.Fatalf("never saw %q in session output; got %q", want, seen.String())
	return ""
}

func TestEndToEndAttachDetachReattach(t *testing.T) {
	dial := startTestDaemon(t)

	// Fresh attach spawns the shell.
	conn := dial()
	reply := attach(t, conn, "main")
	require.Equal(t, protocol.OutcomeAttachedFresh, reply.Outcome)

	require.NoError(t, protocol.WriteChunk(conn, protocol.ChunkData, []byte("echo hi-there\n")))
	readUntil(t, conn, "hi-there", 5*time.Second)

	// Clean detach leaves the shell running.
	require.NoError(t, protocol.WriteChunk(conn, protocol.ChunkDetach, nil))

	// The daemon closes our side within the drain window.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := protocol.ReadChunk(conn); err != nil {
			break
		}
	}

	// Second attach resumes and replays the screen, including the output
	// produced while we were attached before.
	conn2 := dial()
	reply = attach(t, conn2, "main")
	require.Equal(t, protocol.OutcomeAttachedResumed, reply.Outcome)
	readUntil(t, conn2, "hi-there", 5*time.Second)
}

func TestEndToEndSecondAttachBusy(t *testing.T) {
	dial := startTestDaemon(t)

	conn := dial()
	reply := attach(t, conn, "solo")
	require.Equal(t, protocol.OutcomeAttachedFresh, reply.Outcome)

	conn2 := dial()
	reply = attach(t, conn2, "solo")
	assert.Equal(t, protocol.OutcomeBusy, reply.Outcome)
}

func TestEndToEndKill(t *testing.T) {
	dial := startTestDaemon(t)

	conn := dial()
	reply := attach(t, conn, "doomed")
	require.Equal(t, protocol.OutcomeAttachedFresh, reply.Outcome)

	killConn := dial()
	require.NoError(t, protocol.WriteHeader(killConn, &protocol.Header{
		Kind: protocol.MsgKill,
		Kill: &protocol.KillHeader{Names: []string{"doomed", "ghost"}},
	}))
	killReply, err := protocol.ReadKillReply(killConn)
	require.NoError(t, err)
	assert.Equal(t, []string{"doomed"}, killReply.Ok)
	assert.Equal(t, []string{"ghost"}, killReply.NotFound)

	// The killed session disappears from the list.
	listConn := dial()
	require.NoError(t, protocol.WriteHeader(listConn, &protocol.Header{Kind: protocol.MsgList}))
	listReply, err := protocol.ReadListReply(listConn)
	require.NoError(t, err)
	assert.Empty(t, listReply.Sessions)
}
