package protocol_test

import (
	"bytes"
	"testing"

	"github.com/shell-pool/shpool/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		header *protocol.Header
	}{
		{
			"attach full",
			&protocol.Header{
				Kind: protocol.MsgAttach,
				Attach: &protocol.AttachHeader{
					Name: "main",
					Size: protocol.WinSize{Rows: 24, Cols: 80, XPixel: 640, YPixel: 480},
					Env: []protocol.EnvVar{
						{Name: "TERM", Value: "xterm-256color"},
						{Name: "DISPLAY", Value: ":0"},
					},
					TTLSecs: 3600,
					Cmd:     "htop -d 10",
					Cwd:     "/home/user/project",
					Force:   true,
				},
			},
		},
		{
			"attach minimal",
			&protocol.Header{
				Kind: protocol.MsgAttach,
				Attach: &protocol.AttachHeader{
					Name: "x",
					Size: protocol.WinSize{Rows: 24, Cols: 80},
				},
			},
		},
		{"list", &protocol.Header{Kind: protocol.MsgList}},
		{
			"detach several",
			&protocol.Header{
				Kind:   protocol.MsgDetach,
				Detach: &protocol.DetachHeader{Names: []string{"main", "scratch"}},
			},
		},
		{
			"kill one",
			&protocol.Header{
				Kind: protocol.MsgKill,
				Kill: &protocol.KillHeader{Names: []string{"main"}},
			},
		},
		{
			"session message",
			&protocol.Header{
				Kind: protocol.MsgSessionMessage,
				SessionMessage: &protocol.SessionMessageHeader{
					Name:    "main",
					Payload: []byte{0x01, 0x02, 0x00, 0xff},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, protocol.WriteHeader(&buf, tc.header))

			got, err := protocol.ReadHeader(&buf)
			require.NoError(t, err)
			assert.Equal(t, tc.header.Kind, got.Kind)
			switch tc.header.Kind {
			case protocol.MsgAttach:
				assert.Equal(t, tc.header.Attach, got.Attach)
			case protocol.MsgDetach:
				assert.Equal(t, tc.header.Detach, got.Detach)
			case protocol.MsgKill:
				assert.Equal(t, tc.header.Kill, got.Kill)
			case protocol.MsgSessionMessage:
				assert.Equal(t, tc.header.SessionMessage, got.SessionMessage)
			}
		})
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteHeader(&buf, &protocol.Header{
		Kind:   protocol.MsgAttach,
		Attach: &protocol.AttachHeader{Name: "main", Size: protocol.WinSize{Rows: 24, Cols: 80}},
	}))

	// Chop the frame body short; the length prefix now overruns the data.
	whole := buf.Bytes()
	_, err := protocol.ReadHeader(bytes.NewReader(whole[:len(whole)-3]))
	require.Error(t, err)
}

func TestReadHeaderUnknownKind(t *testing.T) {
	// Frame with a single-byte body holding an unassigned discriminant.
	frame := []byte{1, 0, 0, 0, 0xee}
	_, err := protocol.ReadHeader(bytes.NewReader(frame))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestAttachReplyRoundTrip(t *testing.T) {
	for _, outcome := range []byte{
		protocol.OutcomeAttachedFresh,
		protocol.OutcomeAttachedResumed,
		protocol.OutcomeBusy,
		protocol.OutcomeForbidden,
		protocol.OutcomeNotFound,
		protocol.OutcomeNameInvalid,
		protocol.OutcomeInternal,
	} {
		var buf bytes.Buffer
		require.NoError(t, protocol.WriteAttachReply(&buf, protocol.AttachReply{Outcome: outcome}))
		got, err := protocol.ReadAttachReply(&buf)
		require.NoError(t, err)
		assert.Equal(t, outcome, got.Outcome)
	}
}

func TestListReplyRoundTrip(t *testing.T) {
	want := protocol.ListReply{
		Sessions: []protocol.SessionInfo{
			{Name: "main", Status: protocol.StatusAttached, StartedAtUnix: 1710000000, Attached: true},
			{Name: "scratch", Status: protocol.StatusDisconnected, StartedAtUnix: 1710003600},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, protocol.WriteListReply(&buf, want))
	got, err := protocol.ReadListReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListReplyEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteListReply(&buf, protocol.ListReply{}))
	got, err := protocol.ReadListReply(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Sessions)
}

func TestDetachKillReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	wantDetach := protocol.DetachReply{
		Ok:          []string{"a"},
		NotFound:    []string{"b", "c"},
		NotAttached: []string{"d"},
	}
	require.NoError(t, protocol.WriteDetachReply(&buf, wantDetach))
	gotDetach, err := protocol.ReadDetachReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, wantDetach, gotDetach)

	buf.Reset()
	wantKill := protocol.KillReply{Ok: []string{"a", "b"}, NotFound: nil}
	require.NoError(t, protocol.WriteKillReply(&buf, wantKill))
	gotKill, err := protocol.ReadKillReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, wantKill.Ok, gotKill.Ok)
	assert.Empty(t, gotKill.NotFound)
}
