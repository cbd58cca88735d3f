package vt

import (
	"strings"

	"github.com/hinshun/vt10x"
)

// Line is one row of styled cells captured from the primary screen as it
// scrolled off the top.
type Line struct {
	Cells []vt10x.Glyph
}

// Text renders the line as plain text with trailing blanks trimmed.
func (l Line) Text() string {
	var b strings.Builder
	for _, cell := range l.Cells {
		if cell.Char == 0 {
			b.WriteRune(' ')
		} else {
			b.WriteRune(cell.Char)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// historyRing is a fixed-capacity ring of scrolled-off lines. The Spool's
// mutex guards all access.
type historyRing struct {
	lines    []Line
	capacity int
	start    int
	count    int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = DefaultHistoryLines
	}
	return &historyRing{
		lines:    make([]Line, capacity),
		capacity: capacity,
	}
}

// push appends a line, evicting the oldest when full.
func (h *historyRing) push(line Line) {
	if h.count < h.capacity {
		h.lines[(h.start+h.count)%h.capacity] = line
		h.count++
		return
	}
	h.lines[h.start] = line
	h.start = (h.start + 1) % h.capacity
}

// get returns the line at logical index i (0 = oldest). Nil when out of range.
func (h *historyRing) get(i int) *Line {
	if i < 0 || i >= h.count {
		return nil
	}
	return &h.lines[(h.start+i)%h.capacity]
}

// last returns up to n of the newest lines, oldest first.
func (h *historyRing) last(n int) []Line {
	if n > h.count {
		n = h.count
	}
	out := make([]Line, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, *h.get(i))
	}
	return out
}

func (h *historyRing) len() int { return h.count }
