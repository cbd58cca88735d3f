package daemon

import (
	"time"

	"github.com/shell-pool/shpool/internal/config"
)

// restoreChunkSize splits large restore streams so no single chunk busts
// the frame cap.
const restoreChunkSize = 64 * 1024

// restore re-establishes visible context on a freshly attached client.
//
// screen replays the emulator's serialized primary screen; lines prepends
// scrollback rows; simple sends nothing. Every mode finishes with the
// resize dance so the shell repaints itself. While the emulator sits on
// the alternate screen the renderer always degrades to simple: redrawing a
// full-screen app's buffer behind its back corrupts it, and the SIGWINCH
// alone cues it to repaint.
func (s *Session) restore(c *attachedClient, mode config.RestoreMode) {
	if s.spool.AltScreen() {
		mode = config.RestoreMode{Kind: config.RestoreSimple}
	}

	switch mode.Kind {
	case config.RestoreScreen:
		s.enqueueRestore(c, s.spool.SerializeScreen())
	case config.RestoreLines:
		s.enqueueRestore(c, s.spool.SerializeLines(mode.Lines))
	}

	s.sigwinchDance()
}

// enqueueRestore pushes renderer output through the client's writer queue
// so it interleaves sanely with pump output. Restore bytes are bounded by
// the screen (plus requested scrollback), so they are counted in the queue
// but never dropped by the high-water check.
func (s *Session) enqueueRestore(c *attachedClient, data []byte) {
	for len(data) > 0 {
		n := len(data)
		if n > restoreChunkSize {
			n = restoreChunkSize
		}
		chunk := data[:n]
		data = data[n:]

		s.mu.Lock()
		current := s.client == c
		if current {
			c.queued += len(chunk)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		select {
		case c.out <- chunk:
		case <-c.quit:
			return
		}
	}
}

// sigwinchDance jolts the shell with two winsize changes — off by one row,
// then back — so the kernel delivers SIGWINCH and prompt-aware programs
// repaint at the real size.
func (s *Session) sigwinchDance() {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()
	if size.Rows == 0 || size.Cols == 0 {
		return
	}

	jolt := size
	if jolt.Rows > 1 {
		jolt.Rows--
	} else {
		jolt.Rows++
	}
	s.applySize(jolt)
	time.Sleep(10 * time.Millisecond)
	s.applySize(size)
}

