package vt

import (
	"fmt"

	"github.com/hinshun/vt10x"
)

// SerializeScreen produces a byte stream that repaints the current primary
// screen on a compliant terminal: clear and home, per-cell output with SGR
// emitted only where a run of cells changes attributes, cursor restore, and
// private-mode restores. Feeding the result into a fresh emulator of the
// same size reproduces the visible grid.
func (s *Spool) SerializeScreen() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializeScreenLocked()
}

// SerializeLines is SerializeScreen preceded by the newest min(n, len)
// scrollback rows. Each history row ends with an SGR reset and CRLF so
// colors cannot bleed between rows, then the screen repaint follows; the
// history rows survive in the client terminal's own scrollback.
func (s *Spool) SerializeLines(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	out = append(out, "\x1b[0m"...)
	for _, line := range s.history.last(n) {
		out = appendCells(out, trimBlanks(line.Cells), nil)
		out = append(out, "\x1b[0m\r\n"...)
	}
	return append(out, s.serializeScreenLocked()...)
}

func (s *Spool) serializeScreenLocked() []byte {
	var out []byte
	out = append(out, "\x1b[0m\x1b[2J\x1b[H"...)

	last := &sgrState{}
	for y := 0; y < s.rows; y++ {
		row := make([]vt10x.Glyph, s.cols)
		for x := 0; x < s.cols; x++ {
			row[x] = s.term.Cell(x, y)
		}
		row = trimBlanks(row)
		if len(row) == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("\x1b[%d;1H", y+1)...)
		out = appendCells(out, row, last)
	}

	out = append(out, "\x1b[0m"...)
	cursor := s.term.Cursor()
	out = append(out, fmt.Sprintf("\x1b[%d;%dH", cursor.Y+1, cursor.X+1)...)

	if s.modes.appCursor {
		out = append(out, "\x1b[?1h"...)
	}
	if s.modes.bracketedPaste {
		out = append(out, "\x1b[?2004h"...)
	}
	return out
}

// trimBlanks drops trailing cells that carry nothing: the repaint starts
// from a cleared screen, so default blanks need no bytes.
func trimBlanks(row []vt10x.Glyph) []vt10x.Glyph {
	end := len(row)
	for end > 0 {
		g := row[end-1]
		if (g.Char == 0 || g.Char == ' ') && g.Mode == 0 && g.FG == vt10x.DefaultFG && g.BG == vt10x.DefaultBG {
			end--
			continue
		}
		break
	}
	return row[:end]
}

// sgrState tracks the attributes currently in effect on the receiving
// terminal so runs of identically styled cells share one SGR sequence.
type sgrState struct {
	mode int16
	fg   vt10x.Color
	bg   vt10x.Color
}

// appendCells writes the row's cells, emitting SGR only at run boundaries.
// A nil state means every style change starts from a fresh reset (used for
// history rows, which always end in an explicit reset).
func appendCells(out []byte, row []vt10x.Glyph, last *sgrState) []byte {
	var local sgrState
	if last == nil {
		last = &local
	}
	for _, g := range row {
		if g.Mode != last.mode || g.FG != last.fg || g.BG != last.bg {
			out = appendSGR(out, g)
			last.mode, last.fg, last.bg = g.Mode, g.FG, g.BG
		}
		if g.Char == 0 {
			out = append(out, ' ')
		} else {
			out = append(out, string(g.Char)...)
		}
	}
	return out
}

// appendSGR emits a reset followed by the cell's full attribute set.
func appendSGR(out []byte, g vt10x.Glyph) []byte {
	out = append(out, "\x1b[0m"...)
	if g.Mode&attrBold != 0 {
		out = append(out, "\x1b[1m"...)
	}
	if g.Mode&attrItalic != 0 {
		out = append(out, "\x1b[3m"...)
	}
	if g.Mode&attrUnderline != 0 {
		out = append(out, "\x1b[4m"...)
	}
	if g.Mode&attrBlink != 0 {
		out = append(out, "\x1b[5m"...)
	}
	if g.Mode&attrReverse != 0 {
		out = append(out, "\x1b[7m"...)
	}
	// vt10x stores reverse-video cells with fg and bg already swapped; swap
	// them back so the receiving terminal's own reverse swaps them once.
	fg, bg := g.FG, g.BG
	if g.Mode&attrReverse != 0 {
		fg, bg = bg, fg
	}
	out = appendColor(out, fg, vt10x.DefaultFG, 30, 90, 38)
	out = appendColor(out, bg, vt10x.DefaultBG, 40, 100, 48)
	return out
}

// appendColor emits one color. vt10x stores palette colors as 0..255 and
// 24-bit colors packed r<<16|g<<8|b above that.
func appendColor(out []byte, c, def vt10x.Color, base, brightBase, extended int) []byte {
	if c == def {
		return out
	}
	switch {
	case c < 8:
		out = append(out, fmt.Sprintf("\x1b[%dm", base+int(c))...)
	case c < 16:
		out = append(out, fmt.Sprintf("\x1b[%dm", brightBase+int(c)-8)...)
	case c < 256:
		out = append(out, fmt.Sprintf("\x1b[%d;5;%dm", extended, int(c))...)
	default:
		r := (c >> 16) & 0xff
		g := (c >> 8) & 0xff
		b := c & 0xff
		out = append(out, fmt.Sprintf("\x1b[%d;2;%d;%d;%dm", extended, r, g, b)...)
	}
	return out
}
