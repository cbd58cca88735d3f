// Package vt maintains the daemon-side record of what a session's terminal
// looks like: a vt10x emulator for the visible grid plus a ring of rows that
// scrolled off the primary screen. The shell-to-client pump feeds every byte
// the shell emits through here, attached client or not, so a reattach can
// redraw the screen the shell believes it is talking to.
package vt

import (
	"sync"

	"github.com/hinshun/vt10x"
)

// DefaultHistoryLines bounds the scrollback ring when the config does not
// say otherwise.
const DefaultHistoryLines = 10000

// Attribute bits of vt10x.Glyph.Mode. vt10x keeps these unexported; the
// values mirror its glyph attribute order.
const (
	attrReverse int16 = 1 << iota
	attrUnderline
	attrBold
	attrGfx
	attrItalic
	attrBlink
)

// Spool is the output spool: emulator grid plus scrollback. All methods are
// safe for concurrent use; the shell-to-client pump is the only writer.
type Spool struct {
	mu   sync.Mutex
	term vt10x.Terminal
	rows int
	cols int

	history *historyRing

	// prev is the primary screen as of the previous write, used to detect
	// how many rows scrolled off. wasAlt notes whether the emulator was on
	// the alternate screen at that point: rows leaving the alt screen never
	// enter history, and prev must be rebuilt on the way back.
	prev   [][]vt10x.Glyph
	wasAlt bool

	modes modeTracker
}

// NewSpool builds a spool with the given initial grid size and scrollback
// capacity.
func NewSpool(rows, cols, historyLines int) *Spool {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	s := &Spool{
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		rows:    rows,
		cols:    cols,
		history: newHistoryRing(historyLines),
	}
	s.prev = s.snapshotScreen()
	return s
}

// Write feeds shell output into the emulator and captures scrolled-off rows.
// The data is split at newlines before reaching the emulator so that a large
// burst of output cannot scroll more rows than one capture pass can see;
// vt10x carries parser state across writes, so splitting is safe.
func (s *Spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modes.scan(p)

	n := len(p)
	for len(p) > 0 {
		seg := p
		for i, b := range p {
			if b == '\n' {
				seg = p[:i+1]
				break
			}
		}
		if _, err := s.term.Write(seg); err != nil {
			return 0, err
		}
		s.captureScroll()
		p = p[len(seg):]
	}
	return n, nil
}

// Resize changes the grid dimensions; vt10x re-wraps per VT rules.
func (s *Spool) Resize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	s.term.Resize(cols, rows)
	s.prev = s.snapshotScreen()
}

// Size returns the current grid dimensions.
func (s *Spool) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// AltScreen reports whether the emulator is on the alternate screen buffer.
// The reattach renderer must not redraw a full-screen app's grid.
func (s *Spool) AltScreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altScreen()
}

func (s *Spool) altScreen() bool {
	return s.term.Mode()&vt10x.ModeAltScreen != 0
}

// HistoryLen returns the number of scrollback rows currently held.
func (s *Spool) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.len()
}

// HistoryLine returns a copy of the scrollback row at index i (0 = oldest).
func (s *Spool) HistoryLine(i int) (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.history.get(i)
	if l == nil {
		return Line{}, false
	}
	return *l, true
}

// snapshotScreen copies the primary screen grid. Caller holds mu.
func (s *Spool) snapshotScreen() [][]vt10x.Glyph {
	grid := make([][]vt10x.Glyph, s.rows)
	for y := 0; y < s.rows; y++ {
		row := make([]vt10x.Glyph, s.cols)
		for x := 0; x < s.cols; x++ {
			row[x] = s.term.Cell(x, y)
		}
		grid[y] = row
	}
	return grid
}

// captureScroll diffs the current primary screen against prev. If the whole
// visible region shifted up by k rows, the k rows that left the top are
// pushed into history. Writes on the alternate screen are excluded by
// invariant: alt-screen output never becomes scrollback. Caller holds mu.
func (s *Spool) captureScroll() {
	if s.altScreen() {
		s.wasAlt = true
		return
	}
	cur := s.snapshotScreen()
	if s.wasAlt {
		// Just returned from a full-screen app; prev is stale and any diff
		// against it would be noise.
		s.wasAlt = false
		s.prev = cur
		return
	}
	defer func() { s.prev = cur }()

	if len(s.prev) != len(cur) || s.rows < 2 || screensEqual(cur, s.prev) {
		return
	}

	// Find the smallest k>0 such that the old row k sits at the new top,
	// corroborated by the row below it. Rows near the bottom are allowed
	// to differ: the write that caused the scroll also put fresh content
	// there. An all-blank match carries no evidence of a scroll and is
	// rejected.
	for k := 1; k < s.rows; k++ {
		if !rowsEqual(cur[0], s.prev[k]) {
			continue
		}
		if k+1 < s.rows && !rowsEqual(cur[1], s.prev[k+1]) {
			continue
		}
		blank := rowBlank(s.prev[k]) && (k+1 >= s.rows || rowBlank(s.prev[k+1]))
		if blank {
			continue
		}
		for i := 0; i < k; i++ {
			cells := make([]vt10x.Glyph, len(s.prev[i]))
			copy(cells, s.prev[i])
			s.history.push(Line{Cells: cells})
		}
		return
	}
}

func screensEqual(a, b [][]vt10x.Glyph) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !rowsEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func rowsEqual(a, b []vt10x.Glyph) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i].Char, b[i].Char
		if ca == 0 {
			ca = ' '
		}
		if cb == 0 {
			cb = ' '
		}
		if ca != cb || a[i].Mode != b[i].Mode || a[i].FG != b[i].FG || a[i].BG != b[i].BG {
			return false
		}
	}
	return true
}

func rowBlank(row []vt10x.Glyph) bool {
	for _, g := range row {
		if g.Char != 0 && g.Char != ' ' {
			return false
		}
	}
	return true
}
