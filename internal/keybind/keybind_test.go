package keybind_test

import (
	"testing"
	"time"

	"github.com/shell-pool/shpool/internal/keybind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultMatcher(t *testing.T) *keybind.Matcher {
	t.Helper()
	chords, err := keybind.ParseBinding("Ctrl-Space Ctrl-q")
	require.NoError(t, err)
	return keybind.NewMatcher([]keybind.Binding{
		{Chords: chords, Action: keybind.ActionDetach},
	}, 0)
}

// run feeds a byte stream at a fixed instant and collects everything the
// matcher releases plus any completed action.
func run(m *keybind.Matcher, input []byte, at time.Time) (out []byte, action keybind.Action) {
	for _, b := range input {
		flush, a := m.Feed(b, at)
		out = append(out, flush...)
		if a != keybind.ActionNone {
			action = a
		}
	}
	return out, action
}

func TestParseBinding(t *testing.T) {
	cases := []struct {
		spec string
		want []byte
	}{
		{"Ctrl-Space Ctrl-q", []byte{0x00, 0x11}},
		{"Ctrl-a d", []byte{0x01, 'd'}},
		{"Ctrl-b", []byte{0x02}},
		{"Escape", []byte{0x1b}},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := keybind.ParseBinding(tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := keybind.ParseBinding("")
	assert.Error(t, err)
	_, err = keybind.ParseBinding("Ctrl-Meta-x")
	assert.Error(t, err)
}

func TestDetachSequenceMatches(t *testing.T) {
	m := defaultMatcher(t)
	now := time.Now()

	out, action := run(m, []byte{0x00, 0x11}, now)
	assert.Empty(t, out, "matched bytes must not be forwarded")
	assert.Equal(t, keybind.ActionDetach, action)
}

func TestPassthroughUnrelatedInput(t *testing.T) {
	m := defaultMatcher(t)
	now := time.Now()

	input := []byte("ls -la\recho hi\r")
	out, action := run(m, input, now)
	assert.Equal(t, input, out, "input with no binding must pass through byte-identical")
	assert.Equal(t, keybind.ActionNone, action)
}

func TestAbandonedPrefixIsFlushedInOrder(t *testing.T) {
	m := defaultMatcher(t)
	now := time.Now()

	// Ctrl-Space followed by a plain byte: the prefix and the byte both
	// reach the session, in order.
	out, action := run(m, []byte{0x00, 'x'}, now)
	assert.Equal(t, []byte{0x00, 'x'}, out)
	assert.Equal(t, keybind.ActionNone, action)
}

func TestPrefixRestartAfterFlush(t *testing.T) {
	m := defaultMatcher(t)
	now := time.Now()

	// Ctrl-Space Ctrl-Space Ctrl-q: the first Ctrl-Space flushes, the
	// second re-enters the binding and completes with Ctrl-q.
	out, action := run(m, []byte{0x00, 0x00, 0x11}, now)
	assert.Equal(t, []byte{0x00}, out)
	assert.Equal(t, keybind.ActionDetach, action)
}

func TestInterChordTimeoutResets(t *testing.T) {
	m := defaultMatcher(t)
	start := time.Now()

	flush, action := m.Feed(0x00, start)
	assert.Empty(t, flush)
	assert.Equal(t, keybind.ActionNone, action)
	assert.True(t, m.Pending())

	// Second chord arrives too late: prefix flushes, and since Ctrl-q is
	// no binding start it passes straight through.
	flush, action = m.Feed(0x11, start.Add(keybind.DefaultTimeout+time.Millisecond))
	assert.Equal(t, []byte{0x00, 0x11}, flush)
	assert.Equal(t, keybind.ActionNone, action)
	assert.False(t, m.Pending())
}

func TestWithinTimeoutStillMatches(t *testing.T) {
	m := defaultMatcher(t)
	start := time.Now()

	_, action := m.Feed(0x00, start)
	require.Equal(t, keybind.ActionNone, action)

	flush, action := m.Feed(0x11, start.Add(keybind.DefaultTimeout-time.Millisecond))
	assert.Empty(t, flush)
	assert.Equal(t, keybind.ActionDetach, action)
}

func TestFlushPending(t *testing.T) {
	m := defaultMatcher(t)
	_, _ = m.Feed(0x00, time.Now())
	require.True(t, m.Pending())

	assert.Equal(t, []byte{0x00}, m.FlushPending())
	assert.False(t, m.Pending())
	assert.Empty(t, m.FlushPending())
}

func TestMultipleBindings(t *testing.T) {
	detach, err := keybind.ParseBinding("Ctrl-Space Ctrl-q")
	require.NoError(t, err)
	alt, err := keybind.ParseBinding("Ctrl-Space Ctrl-d")
	require.NoError(t, err)
	m := keybind.NewMatcher([]keybind.Binding{
		{Chords: detach, Action: keybind.ActionDetach},
		{Chords: alt, Action: keybind.ActionDetach},
	}, 0)

	out, action := run(m, []byte{0x00, 0x04}, time.Now())
	assert.Empty(t, out)
	assert.Equal(t, keybind.ActionDetach, action)
}
