package daemon

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	store, err := config.NewStore(filepath.Join(t.TempDir(), "config.toml"), zerolog.Nop())
	require.NoError(t, err)
	return New(store, zerolog.Nop())
}

func TestHandleAttachNameInvalid(t *testing.T) {
	d := testDaemon(t)

	for _, name := range []string{"", "has space", "tab\tname"} {
		server, client := net.Pipe()
		go d.handleAttach(server, &protocol.AttachHeader{
			Name: name,
			Size: protocol.WinSize{Rows: 24, Cols: 80},
		}, zerolog.Nop())

		reply, err := protocol.ReadAttachReply(client)
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeNameInvalid, reply.Outcome, "name %q", name)
		client.Close()
		server.Close()

		// An invalid name never mutates the registry.
		d.mu.Lock()
		assert.Empty(t, d.sessions)
		assert.Empty(t, d.reserved)
		d.mu.Unlock()
	}
}

func TestHandleListEmpty(t *testing.T) {
	d := testDaemon(t)
	server, client := net.Pipe()
	go d.handleList(server)

	reply, err := protocol.ReadListReply(client)
	require.NoError(t, err)
	assert.Empty(t, reply.Sessions)
}

func TestHandleListSnapshot(t *testing.T) {
	d := testDaemon(t)
	beta := testSession(t)
	beta.name = "beta"
	alpha := testSession(t)
	alpha.name = "alpha"
	d.sessions["beta"] = beta
	d.sessions["alpha"] = alpha

	server, client := net.Pipe()
	go d.handleList(server)

	reply, err := protocol.ReadListReply(client)
	require.NoError(t, err)
	require.Len(t, reply.Sessions, 2)
	// Sorted by name for stable output.
	assert.Equal(t, "alpha", reply.Sessions[0].Name)
	assert.Equal(t, "beta", reply.Sessions[1].Name)
	assert.Equal(t, protocol.StatusDisconnected, reply.Sessions[0].Status)
}

func TestHandleDetachPartitionsNames(t *testing.T) {
	d := testDaemon(t)

	s := testSession(t)
	_, err := s.Attach(newFakeConn(), defaultSize(), false)
	require.NoError(t, err)
	d.sessions["attached"] = s
	d.sessions["idle"] = testSession(t)

	server, client := net.Pipe()
	go d.handleDetach(server, &protocol.DetachHeader{
		Names: []string{"attached", "idle", "ghost"},
	})

	reply, err := protocol.ReadDetachReply(client)
	require.NoError(t, err)
	assert.Equal(t, []string{"attached"}, reply.Ok)
	assert.Equal(t, []string{"idle"}, reply.NotAttached)
	assert.Equal(t, []string{"ghost"}, reply.NotFound)

	// The detached session is still registered and alive.
	assert.NotNil(t, d.getSession("attached"))
	assert.Equal(t, protocol.StatusDisconnected, s.Info().Status)
}

func TestHandleSessionMessage(t *testing.T) {
	d := testDaemon(t)
	d.sessions["main"] = testSession(t)

	t.Run("ping", func(t *testing.T) {
		server, client := net.Pipe()
		go d.handleSessionMessage(server, &protocol.SessionMessageHeader{
			Name:    "main",
			Payload: []byte("ping"),
		})
		reply, err := protocol.ReadSessionMessageReply(client)
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeOK, reply.Outcome)
		assert.Equal(t, []byte("pong"), reply.Payload)
	})

	t.Run("unknown session", func(t *testing.T) {
		server, client := net.Pipe()
		go d.handleSessionMessage(server, &protocol.SessionMessageHeader{
			Name:    "ghost",
			Payload: []byte("ping"),
		})
		reply, err := protocol.ReadSessionMessageReply(client)
		require.NoError(t, err)
		assert.Equal(t, protocol.OutcomeNotFound, reply.Outcome)
	})
}
