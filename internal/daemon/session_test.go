package daemon

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
	"github.com/shell-pool/shpool/internal/vt"
)

// fakeConn satisfies connWriter without a real socket.
type fakeConn struct {
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) Write(p []byte) (int, error)      { return len(p), nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// testSession builds a session with no real shell behind it, enough for the
// attach state machine.
func testSession(t *testing.T) *Session {
	t.Helper()
	return &Session{
		name:      "test",
		log:       zerolog.Nop(),
		cfg:       config.Default(),
		spool:     vt.NewSpool(24, 80, 100),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func defaultSize() protocol.WinSize {
	return protocol.WinSize{Rows: 24, Cols: 80}
}

func TestUniqueAttachment(t *testing.T) {
	s := testSession(t)

	first := newFakeConn()
	c1, err := s.Attach(first, defaultSize(), false)
	require.NoError(t, err)
	require.NotNil(t, c1)

	// Second attach without force is refused; the first client stays.
	_, err = s.Attach(newFakeConn(), defaultSize(), false)
	assert.ErrorIs(t, err, protocol.ErrSessionBusy)
	assert.Equal(t, protocol.StatusAttached, s.Info().Status)

	s.Detach(c1)
}

func TestForcedAttachStealsSession(t *testing.T) {
	s := testSession(t)

	first := newFakeConn()
	c1, err := s.Attach(first, defaultSize(), false)
	require.NoError(t, err)

	second := newFakeConn()
	c2, err := s.Attach(second, defaultSize(), true)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)

	// The old client's socket was closed during the steal.
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("stolen client's connection was not closed")
	}
	assert.Equal(t, protocol.StatusAttached, s.Info().Status)

	s.Detach(c2)
}

func TestDetachLeavesSessionAlive(t *testing.T) {
	s := testSession(t)

	conn := newFakeConn()
	c, err := s.Attach(conn, defaultSize(), false)
	require.NoError(t, err)

	require.True(t, s.Detach(c))
	info := s.Info()
	assert.Equal(t, protocol.StatusDisconnected, info.Status)
	assert.False(t, info.Attached)

	// Detaching a stale handle is a no-op.
	assert.False(t, s.Detach(c))
}

func TestAttachAfterExitFails(t *testing.T) {
	s := testSession(t)
	s.exited = true

	_, err := s.Attach(newFakeConn(), defaultSize(), false)
	assert.ErrorIs(t, err, errSessionExited)
}

func TestForwardDropsOnBackpressure(t *testing.T) {
	s := testSession(t)
	c, err := s.Attach(newFakeConn(), defaultSize(), false)
	require.NoError(t, err)

	// Pretend the writer is hopelessly behind.
	s.mu.Lock()
	c.queued = clientHighWater
	s.mu.Unlock()

	s.forward([]byte("overflow"))
	assert.Equal(t, uint64(len("overflow")), s.DroppedBytes())

	s.Detach(c)
}

func TestForwardWithoutClientFeedsNothing(t *testing.T) {
	s := testSession(t)
	// No client attached; forward must be a silent no-op.
	s.forward([]byte("nobody home"))
	assert.Zero(t, s.DroppedBytes())
}

func TestExitCode(t *testing.T) {
	t.Run("clean exit", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 0")
		err := cmd.Run()
		assert.Equal(t, int32(0), exitCode(cmd, err))
	})

	t.Run("nonzero exit", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 3")
		err := cmd.Run()
		assert.Equal(t, int32(3), exitCode(cmd, err))
	})

	t.Run("killed", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "kill -KILL $$")
		err := cmd.Run()
		assert.Equal(t, int32(137), exitCode(cmd, err))
	})
}
