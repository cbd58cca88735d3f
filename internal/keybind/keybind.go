// Package keybind detects local keybindings in the client's raw-mode input
// stream. Bindings are sequences of chords typed one after another, like
// "Ctrl-Space Ctrl-q"; matched bytes are withheld from the session and the
// bound action fires instead. Anything that turns out not to be a binding is
// released to the session byte-for-byte.
package keybind

import (
	"fmt"
	"strings"
	"time"
)

// Action is what a completed binding triggers.
type Action int

const (
	// ActionNone is the zero value; Feed returns it when nothing completed.
	ActionNone Action = iota
	// ActionDetach disconnects the client, leaving the session running.
	ActionDetach
)

// DefaultTimeout bounds the pause between chords of one binding. A prefix
// left dangling longer than this is flushed to the session so typed text is
// never silently swallowed.
const DefaultTimeout = 800 * time.Millisecond

// Binding pairs a parsed chord sequence with its action.
type Binding struct {
	Chords []byte
	Action Action
}

// ParseAction maps a config action name to an Action.
func ParseAction(name string) (Action, error) {
	switch name {
	case "detach":
		return ActionDetach, nil
	default:
		return ActionNone, fmt.Errorf("unknown keybinding action %q", name)
	}
}

// ParseBinding parses a space-separated chord sequence. Each chord is a
// single key with an optional Ctrl- modifier; Ctrl maps the key onto its
// control byte the way a terminal in raw mode delivers it, so Ctrl-Space is
// 0x00 and Ctrl-q is 0x11.
func ParseBinding(spec string) ([]byte, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty keybinding")
	}
	chords := make([]byte, 0, len(fields))
	for _, tok := range fields {
		ctrl := false
		key := tok
		if rest, ok := strings.CutPrefix(tok, "Ctrl-"); ok {
			ctrl = true
			key = rest
		}
		b, err := keyByte(key)
		if err != nil {
			return nil, fmt.Errorf("keybinding %q: %w", spec, err)
		}
		if ctrl {
			b &= 0x1f
		}
		chords = append(chords, b)
	}
	return chords, nil
}

func keyByte(key string) (byte, error) {
	switch key {
	case "Space":
		return ' ', nil
	case "Tab":
		return '\t', nil
	case "Enter":
		return '\r', nil
	case "Escape":
		return 0x1b, nil
	}
	if len(key) == 1 && key[0] >= 0x20 && key[0] < 0x7f {
		return key[0], nil
	}
	return 0, fmt.Errorf("unrecognized key %q", key)
}

// node is one edge set of the prefix tree. Bindings share prefixes; a node
// with a non-none action is a terminal.
type node struct {
	next   map[byte]*node
	action Action
}

func newNode() *node {
	return &node{next: make(map[byte]*node)}
}

// Matcher runs input bytes through the prefix tree. It is not safe for
// concurrent use; the client's stdin pump is its only caller.
type Matcher struct {
	root    *node
	cur     *node
	buf     []byte
	timeout time.Duration
	last    time.Time
}

// NewMatcher builds a matcher over the given bindings. A zero timeout takes
// the default.
func NewMatcher(bindings []Binding, timeout time.Duration) *Matcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	root := newNode()
	for _, b := range bindings {
		cur := root
		for _, chord := range b.Chords {
			next, ok := cur.next[chord]
			if !ok {
				next = newNode()
				cur.next[chord] = next
			}
			cur = next
		}
		cur.action = b.Action
	}
	return &Matcher{root: root, cur: root, timeout: timeout}
}

// Feed advances the matcher by one input byte observed at time now. The
// returned flush bytes must be forwarded to the session in order; action is
// non-none when a binding completed on this byte.
//
// A byte with no matching edge releases the entire buffered prefix and is
// then retried from the root, so overlapping prefixes restart cleanly and no
// partial prefix is ever lost.
func (m *Matcher) Feed(b byte, now time.Time) (flush []byte, action Action) {
	if m.cur != m.root && now.Sub(m.last) > m.timeout {
		flush = append(flush, m.buf...)
		m.reset()
	}
	m.last = now

	next, ok := m.cur.next[b]
	if !ok && m.cur != m.root {
		flush = append(flush, m.buf...)
		m.reset()
		next, ok = m.cur.next[b]
	}
	if !ok {
		return append(flush, b), ActionNone
	}

	if next.action != ActionNone {
		m.reset()
		return flush, next.action
	}
	m.cur = next
	m.buf = append(m.buf, b)
	return flush, ActionNone
}

// Pending reports whether the matcher sits mid-binding; the client uses this
// to arm a flush timer so an abandoned prefix reaches the session even when
// no further byte arrives.
func (m *Matcher) Pending() bool {
	return m.cur != m.root
}

// FlushPending releases any buffered prefix and resets the matcher.
func (m *Matcher) FlushPending() []byte {
	out := m.buf
	m.reset()
	return out
}

func (m *Matcher) reset() {
	m.cur = m.root
	m.buf = nil
}
