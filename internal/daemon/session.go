package daemon

// session.go – per-session lifecycle: PTY ownership, shell reaping, the
// shell-to-client pump, and the attach/detach state machine.
//
// Architecture overview
// ─────────────────────
//
//  ┌──────────────────────────────────┐
//  │  Session                         │
//  │  ┌────────────┐                  │
//  │  │ user shell │◄──── PTY slave   │
//  │  └────────────┘                  │
//  │         ▲  ▼                     │
//  │       PTY master                 │
//  │         │                        │
//  │    pump goroutine                │
//  │     ├── feeds the output spool   │  (always, attached or not)
//  │     └── enqueues to the attached │
//  │         client's writer (lossy   │
//  │         beyond the high water)   │
//  │                                  │
//  │  serveClient goroutine per attach│
//  │    (data/resize/detach chunks    │
//  │     from the client socket)      │
//  └──────────────────────────────────┘

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
	"github.com/shell-pool/shpool/internal/vt"
)

const (
	// ptyReadSize is the pump's read granularity off the PTY master.
	ptyReadSize = 4096

	// clientHighWater bounds bytes queued toward a slow client. Beyond it
	// the pump drops: the shell must never stall on a missing or slow
	// remote terminal, and the spool keeps the canonical record anyway.
	clientHighWater = 64 * 1024

	// detachDrainTimeout bounds the flush of pending client writes when a
	// detach is in flight.
	detachDrainTimeout = 100 * time.Millisecond

	// killGrace is how long Kill waits between SIGHUP and SIGKILL.
	killGrace = 2 * time.Second
)

// Session represents one persistent shell.
type Session struct {
	// Immutable after creation.
	name      string
	log       zerolog.Logger
	cfg       config.Config // frozen at spawn time
	cmd       *exec.Cmd
	ptmx      *os.File
	spool     *vt.Spool
	startedAt time.Time
	ttl       time.Duration // zero means no deadline
	cleanup   func()        // prompt-injection temp files

	onExit func(*Session) // registry removal hook

	// Mutable; protected by mu. mu is the per-session attach lock and is
	// never held across a blocking write or PTY read.
	mu       sync.Mutex
	client   *attachedClient
	size     protocol.WinSize
	exited   bool
	exitCode int32
	dropped  uint64 // bytes dropped on client backpressure

	// done is closed once the shell has been reaped.
	done chan struct{}
}

// attachedClient is the daemon-side handle for the one client currently
// bound to the session.
type attachedClient struct {
	id   uuid.UUID
	conn connWriter

	out    chan []byte
	queued int // bytes sitting in out; guarded by the session mu

	quit chan struct{} // closed to ask the writer to drain and stop
	gone chan struct{} // closed when the writer has stopped
}

// connWriter is the slice of net.Conn the pump needs; tests substitute a
// pipe.
type connWriter interface {
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// newSession spawns the shell for name and starts its pump. The session is
// not yet attached; the caller installs the first client.
func (d *Daemon) newSession(name string, hdr *protocol.AttachHeader, cfg config.Config) (*Session, error) {
	log := d.log.With().Str("session", name).Logger()

	cmd, ptmx, cleanup, err := spawnShell(name, hdr, cfg)
	if err != nil {
		return nil, err
	}

	spoolRows, spoolCols := int(hdr.Size.Rows), int(hdr.Size.Cols)
	s := &Session{
		name:      name,
		log:       log,
		cfg:       cfg,
		cmd:       cmd,
		ptmx:      ptmx,
		spool:     vt.NewSpool(spoolRows, spoolCols, int(cfg.OutputSpoolLines)),
		startedAt: time.Now(),
		ttl:       time.Duration(hdr.TTLSecs) * time.Second,
		cleanup:   cleanup,
		onExit:    d.removeSession,
		size:      hdr.Size,
		done:      make(chan struct{}),
	}

	log.Info().Int("pid", cmd.Process.Pid).Msg("session spawned")
	go s.pump()
	if s.ttl > 0 {
		go s.ttlTimer()
	}
	return s, nil
}

// Info returns a serialisable snapshot of this session's state.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := protocol.StatusDisconnected
	if s.client != nil {
		status = protocol.StatusAttached
	}
	return protocol.SessionInfo{
		Name:          s.name,
		Status:        status,
		StartedAtUnix: s.startedAt.Unix(),
		Attached:      s.client != nil,
	}
}

// DroppedBytes reports how much shell output was discarded because of
// client backpressure.
func (s *Session) DroppedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ─── Shell-to-client pump ─────────────────────────────────────────────────────

// pump reads the PTY master until the shell exits. Every byte goes through
// the output spool; bytes additionally flow to the attached client when one
// is present and keeping up.
func (s *Session) pump() {
	buf := make([]byte, ptyReadSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			// The spool is the canonical record: it sees output during
			// disconnection too, which is what makes reattach work.
			if _, werr := s.spool.Write(buf[:n]); werr != nil {
				s.log.Warn().Err(werr).Msg("spool write failed")
			}
			s.forward(buf[:n])
		}
		if err != nil {
			// EIO here means the slave side closed (shell exited).
			break
		}
	}

	waitErr := s.cmd.Wait()
	code := exitCode(s.cmd, waitErr)

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	c := s.client
	s.client = nil
	s.mu.Unlock()

	s.ptmx.Close()
	if s.cleanup != nil {
		s.cleanup()
	}

	if c != nil {
		// Flush what is buffered, then report the exit and hang up.
		close(c.quit)
		<-c.gone
		c.conn.SetWriteDeadline(time.Now().Add(detachDrainTimeout))
		_ = protocol.WriteChunk(c.conn, protocol.ChunkExitStatus, protocol.EncodeExitStatus(code))
		c.conn.Close()
	}

	s.log.Info().Int32("exit_status", code).Msg("shell exited")
	s.onExit(s)
	close(s.done)
}

// forward offers shell output to the attached client without ever blocking
// the pump. Bytes beyond the high-water mark are dropped and counted; the
// reattach renderer resurfaces the current screen regardless.
func (s *Session) forward(p []byte) {
	s.mu.Lock()
	c := s.client
	if c == nil {
		s.mu.Unlock()
		return
	}
	if c.queued+len(p) > clientHighWater {
		s.dropped += uint64(len(p))
		s.mu.Unlock()
		return
	}
	c.queued += len(p)
	s.mu.Unlock()

	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case c.out <- chunk:
	default:
		// Queue slots exhausted by many tiny chunks; treat as backpressure.
		s.mu.Lock()
		c.queued -= len(chunk)
		s.dropped += uint64(len(chunk))
		s.mu.Unlock()
	}
}

// clientWriter drains the out queue onto the client socket. On quit it
// flushes whatever is pending within the drain deadline, then stops.
func (s *Session) clientWriter(c *attachedClient) {
	defer close(c.gone)
	for {
		select {
		case chunk := <-c.out:
			err := protocol.WriteChunk(c.conn, protocol.ChunkData, chunk)
			s.mu.Lock()
			c.queued -= len(chunk)
			s.mu.Unlock()
			if err != nil {
				// Dead peer: drop silently and let the reader side of the
				// attach notice and detach. The shell is unaffected.
				return
			}
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(detachDrainTimeout))
			for {
				select {
				case chunk := <-c.out:
					if err := protocol.WriteChunk(c.conn, protocol.ChunkData, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// ─── Attach / detach ──────────────────────────────────────────────────────────

var errSessionExited = errors.New("session shell has exited")

// Attach installs conn as the session's client. With force, an existing
// client is detached first; otherwise ErrSessionBusy is returned. The
// returned handle feeds the restore renderer and the serve loop.
func (s *Session) Attach(conn connWriter, size protocol.WinSize, force bool) (*attachedClient, error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil, errSessionExited
	}
	if s.client != nil && !force {
		s.mu.Unlock()
		return nil, protocol.ErrSessionBusy
	}
	old := s.client
	c := &attachedClient{
		id:   uuid.New(),
		conn: conn,
		out:  make(chan []byte, clientHighWater/256),
		quit: make(chan struct{}),
		gone: make(chan struct{}),
	}
	s.client = c
	s.size = size
	s.mu.Unlock()

	if old != nil {
		s.log.Info().Str("client", old.id.String()).Msg("detaching client for forced attach")
		releaseClient(old)
	}

	s.applySize(size)
	go s.clientWriter(c)
	s.log.Info().Str("client", c.id.String()).Msg("client attached")
	return c, nil
}

// Detach unbinds c if it is still the current client. Pending writes are
// drained up to the deadline and the socket is closed. The session itself
// stays alive.
func (s *Session) Detach(c *attachedClient) bool {
	s.mu.Lock()
	if s.client != c {
		s.mu.Unlock()
		return false
	}
	s.client = nil
	s.mu.Unlock()

	releaseClient(c)
	s.log.Info().Str("client", c.id.String()).Msg("client detached")
	return true
}

// DetachCurrent unbinds whichever client is attached, if any.
func (s *Session) DetachCurrent() bool {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return false
	}
	return s.Detach(c)
}

func releaseClient(c *attachedClient) {
	close(c.quit)
	<-c.gone
	c.conn.Close()
}

// ─── Client-to-shell pump ─────────────────────────────────────────────────────

// serveClient reads chunks off the attach connection and applies them until
// the client detaches, hangs up, or is replaced. Runs on the connection's
// handler goroutine.
func (s *Session) serveClient(c *attachedClient, r chunkReader) {
	for {
		tag, payload, err := r.ReadChunk()
		if err != nil {
			// EOF or a torn frame: either way the client is gone.
			s.Detach(c)
			return
		}

		switch tag {
		case protocol.ChunkData:
			if err := s.writeShell(payload); err != nil {
				s.log.Warn().Err(err).Msg("write to pty master failed")
				s.Detach(c)
				return
			}
		case protocol.ChunkResize:
			size, err := protocol.DecodeResize(payload)
			if err != nil {
				s.log.Warn().Err(err).Msg("bad resize chunk")
				continue
			}
			s.mu.Lock()
			current := s.client == c
			if current {
				s.size = size
			}
			s.mu.Unlock()
			if current {
				// The PTY gets the new size before any later data chunk is
				// written; the kernel raises SIGWINCH for the shell.
				s.applySize(size)
			}
		case protocol.ChunkHeartbeat:
			// Keepalive only.
		case protocol.ChunkDetach:
			s.Detach(c)
			return
		default:
			s.log.Warn().Uint8("tag", tag).Msg("unknown chunk tag")
		}
	}
}

// chunkReader abstracts the read half of the attach connection.
type chunkReader interface {
	ReadChunk() (byte, []byte, error)
}

// writeShell writes client input to the PTY master, retrying short writes.
func (s *Session) writeShell(p []byte) error {
	for len(p) > 0 {
		n, err := s.ptmx.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// applySize pushes a window size onto the PTY (pixel fields preserved) and
// the emulator.
func (s *Session) applySize(size protocol.WinSize) {
	if s.ptmx == nil {
		s.spool.Resize(int(size.Rows), int(size.Cols))
		return
	}
	ws := &pty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
		X:    size.XPixel,
		Y:    size.YPixel,
	}
	if err := pty.Setsize(s.ptmx, ws); err != nil {
		s.log.Warn().Err(err).Msg("TIOCSWINSZ failed")
	}
	s.spool.Resize(int(size.Rows), int(size.Cols))
}

// ─── Kill and TTL ─────────────────────────────────────────────────────────────

// Kill detaches any client, asks the shell's process group to hang up, and
// escalates to SIGKILL after the grace period. It returns once the shell
// has been reaped.
func (s *Session) Kill() {
	s.DetachCurrent()

	pid := s.cmd.Process.Pid
	killGroup(pid, syscall.SIGHUP)

	select {
	case <-s.done:
		return
	case <-time.After(killGrace):
	}

	killGroup(pid, syscall.SIGKILL)
	// Closing the master unblocks the pump's read if the shell is already
	// a zombie with the slave still open in a grandchild.
	s.ptmx.Close()
	<-s.done
}

func killGroup(pid int, sig syscall.Signal) {
	// The shell is its own session leader (pty spawn does setsid), so its
	// PGID equals its PID — but looking it up keeps this robust.
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
		return
	}
	syscall.Kill(pid, sig)
}

// ttlTimer kills the session when its deadline passes, attached or not.
func (s *Session) ttlTimer() {
	timer := time.NewTimer(s.ttl)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.log.Info().Dur("ttl", s.ttl).Msg("session ttl expired")
		s.Kill()
	case <-s.done:
	}
}

// exitCode maps a reaped shell onto the status reported to the client:
// the plain exit code, or 128+signal when the shell was killed.
func exitCode(cmd *exec.Cmd, waitErr error) int32 {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return int32(128 + int(ws.Signal()))
		}
		return int32(ee.ExitCode())
	}
	// Wait itself failed; synthesize a generic failure.
	return 1
}
