// Package protocol defines the wire format spoken between the shpool client
// and the shpoold daemon over a Unix domain socket.
//
// A connection opens with a version exchange (magic + semver from each side),
// then exactly one framed header (length-prefixed binary, see messages.go).
// Non-attach requests get one framed reply and the connection closes. Attach
// requests enter a streaming mode where both directions carry chunks:
//
//	[tag:1][length:4 little-endian][payload]
//
//	0 data         raw terminal bytes
//	1 resize       rows, cols, xpixel, ypixel as u16 little-endian
//	2 heartbeat    no payload; keeps NAT/ssh paths warm
//	3 detach       no payload; client wants a clean detach
//	4 exit_status  i32 little-endian; shell exited
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blang/semver"
)

// Magic opens every version exchange. A peer that does not lead with it is
// not speaking the shpool protocol and the connection is closed.
const Magic = "SHPL"

// Version is the protocol version advertised during the exchange.
const Version = "0.9.0"

// Chunk tags for the attach stream.
const (
	ChunkData       byte = 0
	ChunkResize     byte = 1
	ChunkHeartbeat  byte = 2
	ChunkDetach     byte = 3
	ChunkExitStatus byte = 4
)

// MaxChunkLen caps a single chunk payload. Anything larger is a framing
// error, not a legitimate write.
const MaxChunkLen = 1 << 20

// WinSize mirrors the kernel winsize struct. Pixel fields are carried
// verbatim; some terminals report zero there and that is preserved too.
type WinSize struct {
	Rows   uint16
	Cols   uint16
	XPixel uint16
	YPixel uint16
}

// WriteChunk writes one framed chunk. Header and payload go out in a single
// Write call so a concurrent writer on the same conn cannot interleave.
func WriteChunk(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > MaxChunkLen {
		return fmt.Errorf("%w: chunk payload %d exceeds %d", ErrMalformed, len(payload), MaxChunkLen)
	}
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadChunk reads one framed chunk. io.EOF is returned untouched so callers
// can distinguish a clean close from a torn frame.
func ReadChunk(r io.Reader) (tag byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxChunkLen {
		return 0, nil, fmt.Errorf("%w: chunk payload %d exceeds %d", ErrMalformed, n, MaxChunkLen)
	}
	if n == 0 {
		return hdr[0], nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// EncodeResize packs a WinSize into a resize chunk payload.
func EncodeResize(size WinSize) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], size.Rows)
	binary.LittleEndian.PutUint16(buf[2:4], size.Cols)
	binary.LittleEndian.PutUint16(buf[4:6], size.XPixel)
	binary.LittleEndian.PutUint16(buf[6:8], size.YPixel)
	return buf
}

// DecodeResize unpacks a resize chunk payload.
func DecodeResize(payload []byte) (WinSize, error) {
	if len(payload) < 8 {
		return WinSize{}, fmt.Errorf("%w: resize payload too short: %d", ErrMalformed, len(payload))
	}
	return WinSize{
		Rows:   binary.LittleEndian.Uint16(payload[0:2]),
		Cols:   binary.LittleEndian.Uint16(payload[2:4]),
		XPixel: binary.LittleEndian.Uint16(payload[4:6]),
		YPixel: binary.LittleEndian.Uint16(payload[6:8]),
	}, nil
}

// EncodeExitStatus packs a shell exit status into an exit_status payload.
func EncodeExitStatus(status int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(status))
	return buf
}

// DecodeExitStatus unpacks an exit_status payload.
func DecodeExitStatus(payload []byte) (int32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: exit_status payload too short: %d", ErrMalformed, len(payload))
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}

// WriteVersion sends this side's magic + semver.
func WriteVersion(w io.Writer) error {
	ver := []byte(Version)
	buf := make([]byte, len(Magic)+2+len(ver))
	copy(buf, Magic)
	binary.LittleEndian.PutUint16(buf[len(Magic):], uint16(len(ver)))
	copy(buf[len(Magic)+2:], ver)
	_, err := w.Write(buf)
	return err
}

// ReadVersion reads the peer's magic + semver.
func ReadVersion(r io.Reader) (string, error) {
	hdr := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return "", err
	}
	if string(hdr[:len(Magic)]) != Magic {
		return "", fmt.Errorf("%w: bad magic %q", ErrMalformed, hdr[:len(Magic)])
	}
	n := binary.LittleEndian.Uint16(hdr[len(Magic):])
	if n > 64 {
		return "", fmt.Errorf("%w: version string too long: %d", ErrMalformed, n)
	}
	ver := make([]byte, n)
	if _, err := io.ReadFull(r, ver); err != nil {
		return "", err
	}
	return string(ver), nil
}

// NegotiateVersion compares our version with the peer's. A differing major
// is a skew: callers warn and continue on the intersection of features
// rather than refusing the connection. An unparseable peer version is
// treated the same way.
func NegotiateVersion(peer string) error {
	ours, err := semver.ParseTolerant(Version)
	if err != nil {
		return err
	}
	theirs, err := semver.ParseTolerant(peer)
	if err != nil {
		return fmt.Errorf("%w: peer sent %q", ErrVersionSkew, peer)
	}
	if theirs.Major != ours.Major {
		return fmt.Errorf("%w: ours %s, peer %s", ErrVersionSkew, Version, peer)
	}
	return nil
}
