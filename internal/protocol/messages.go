package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header kinds. One header opens every connection after the version exchange.
const (
	MsgAttach         byte = 1
	MsgList           byte = 2
	MsgDetach         byte = 3
	MsgKill           byte = 4
	MsgSessionMessage byte = 5
)

// Attach outcomes. OutcomeAttachedFresh means a new shell was spawned for
// this name; OutcomeAttachedResumed means an existing disconnected session
// was picked up.
// OutcomeOK is the generic success outcome for replies that share the
// outcome space but are not attaches.
const OutcomeOK byte = 0

const (
	OutcomeAttachedFresh   byte = 0
	OutcomeAttachedResumed byte = 1
	OutcomeBusy            byte = 2
	OutcomeForbidden       byte = 3
	OutcomeNotFound        byte = 4
	OutcomeNameInvalid     byte = 5
	OutcomeInternal        byte = 6
)

// Session statuses reported by List.
const (
	StatusAttached     byte = 0
	StatusDisconnected byte = 1
	StatusBusy         byte = 2
)

// EnvVar is one environment override forwarded from the client.
type EnvVar struct {
	Name  string
	Value string
}

// AttachHeader asks the daemon to create-or-attach the named session.
type AttachHeader struct {
	Name string
	Size WinSize
	Env  []EnvVar
	// TTLSecs kills the session that long after spawn; zero means no TTL.
	TTLSecs uint64
	// Cmd, when non-empty, runs instead of the login shell. It is split
	// with POSIX shell-word rules on the daemon side.
	Cmd string
	// Cwd is the client's working directory, honored when the daemon's
	// default_dir config is ".".
	Cwd string
	// Force steals the session from an already-attached client instead of
	// failing with OutcomeBusy.
	Force bool
}

// DetachHeader detaches the named sessions' clients without killing shells.
type DetachHeader struct {
	Names []string
}

// KillHeader terminates the named sessions.
type KillHeader struct {
	Names []string
}

// SessionMessageHeader delivers an opaque payload to a session handler.
// The daemon understands the payloads "ping" and "detach".
type SessionMessageHeader struct {
	Name    string
	Payload []byte
}

// Header is the tagged union sent by the client after the version exchange.
type Header struct {
	Kind           byte
	Attach         *AttachHeader
	Detach         *DetachHeader
	Kill           *KillHeader
	SessionMessage *SessionMessageHeader
}

// AttachReply reports the outcome of an attach request.
type AttachReply struct {
	Outcome byte
}

// SessionInfo is one row of a List reply.
type SessionInfo struct {
	Name          string
	Status        byte
	StartedAtUnix int64
	Attached      bool
}

// ListReply is a snapshot of the session registry.
type ListReply struct {
	Sessions []SessionInfo
}

// DetachReply partitions the requested names by what happened to them.
type DetachReply struct {
	Ok          []string
	NotFound    []string
	NotAttached []string
}

// KillReply partitions the requested names by what happened to them.
type KillReply struct {
	Ok       []string
	NotFound []string
}

// SessionMessageReply carries the session handler's answer.
type SessionMessageReply struct {
	Outcome byte
	Payload []byte
}

// ─── Encoding ─────────────────────────────────────────────────────────────────
//
// Headers and replies are framed as [length:4 LE][body]. Bodies are a stable
// little-endian layout with fixed field order: u8 discriminants, u16-prefixed
// UTF-8 strings, u32-prefixed byte blobs and list counts.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte)    { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) winsize(w WinSize) {
	e.u16(w.Rows)
	e.u16(w.Cols)
	e.u16(w.XPixel)
	e.u16(w.YPixel)
}

func (e *encoder) string(s string) {
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) strings(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.string(s)
	}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s at offset %d", ErrMalformed, what, d.off)
	}
}

func (d *decoder) u8() byte {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail("u8")
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	if d.err != nil || d.off+2 > len(d.buf) {
		d.fail("u16")
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail("u64")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) winsize() WinSize {
	return WinSize{Rows: d.u16(), Cols: d.u16(), XPixel: d.u16(), YPixel: d.u16()}
}

func (d *decoder) string() string {
	n := int(d.u16())
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail("string")
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail("bytes")
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+n])
	d.off += n
	return b
}

func (d *decoder) strings() []string {
	n := int(d.u32())
	if d.err != nil || n > len(d.buf) {
		d.fail("string list")
		return nil
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ss = append(ss, d.string())
	}
	return ss
}

func writeFramed(w io.Writer, body []byte) error {
	if len(body) > MaxChunkLen {
		return fmt.Errorf("%w: frame body %d exceeds %d", ErrMalformed, len(body), MaxChunkLen)
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr)
	if n > MaxChunkLen {
		return nil, fmt.Errorf("%w: frame body %d exceeds %d", ErrMalformed, n, MaxChunkLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteHeader frames and writes the request header.
func WriteHeader(w io.Writer, h *Header) error {
	var e encoder
	e.u8(h.Kind)
	switch h.Kind {
	case MsgAttach:
		a := h.Attach
		e.string(a.Name)
		e.winsize(a.Size)
		e.u32(uint32(len(a.Env)))
		for _, kv := range a.Env {
			e.string(kv.Name)
			e.string(kv.Value)
		}
		e.u64(a.TTLSecs)
		e.string(a.Cmd)
		e.string(a.Cwd)
		e.bool(a.Force)
	case MsgList:
		// no body
	case MsgDetach:
		e.strings(h.Detach.Names)
	case MsgKill:
		e.strings(h.Kill.Names)
	case MsgSessionMessage:
		e.string(h.SessionMessage.Name)
		e.bytes(h.SessionMessage.Payload)
	default:
		return fmt.Errorf("%w: unknown header kind %d", ErrMalformed, h.Kind)
	}
	return writeFramed(w, e.buf)
}

// ReadHeader reads and decodes one framed request header.
func ReadHeader(r io.Reader) (*Header, error) {
	body, err := readFramed(r)
	if err != nil {
		return nil, err
	}
	d := decoder{buf: body}
	h := &Header{Kind: d.u8()}
	switch h.Kind {
	case MsgAttach:
		a := &AttachHeader{}
		a.Name = d.string()
		a.Size = d.winsize()
		n := int(d.u32())
		if n > len(body) {
			return nil, fmt.Errorf("%w: env count %d", ErrMalformed, n)
		}
		for i := 0; i < n; i++ {
			a.Env = append(a.Env, EnvVar{Name: d.string(), Value: d.string()})
		}
		a.TTLSecs = d.u64()
		a.Cmd = d.string()
		a.Cwd = d.string()
		a.Force = d.bool()
		h.Attach = a
	case MsgList:
	case MsgDetach:
		h.Detach = &DetachHeader{Names: d.strings()}
	case MsgKill:
		h.Kill = &KillHeader{Names: d.strings()}
	case MsgSessionMessage:
		h.SessionMessage = &SessionMessageHeader{Name: d.string(), Payload: d.bytes()}
	default:
		return nil, fmt.Errorf("%w: unknown header kind %d", ErrMalformed, h.Kind)
	}
	if d.err != nil {
		return nil, d.err
	}
	return h, nil
}

// WriteAttachReply frames and writes an attach outcome.
func WriteAttachReply(w io.Writer, reply AttachReply) error {
	var e encoder
	e.u8(reply.Outcome)
	return writeFramed(w, e.buf)
}

// ReadAttachReply reads an attach outcome.
func ReadAttachReply(r io.Reader) (AttachReply, error) {
	body, err := readFramed(r)
	if err != nil {
		return AttachReply{}, err
	}
	d := decoder{buf: body}
	reply := AttachReply{Outcome: d.u8()}
	return reply, d.err
}

// WriteListReply frames and writes a registry snapshot.
func WriteListReply(w io.Writer, reply ListReply) error {
	var e encoder
	e.u32(uint32(len(reply.Sessions)))
	for _, s := range reply.Sessions {
		e.string(s.Name)
		e.u8(s.Status)
		e.i64(s.StartedAtUnix)
		e.bool(s.Attached)
	}
	return writeFramed(w, e.buf)
}

// ReadListReply reads a registry snapshot.
func ReadListReply(r io.Reader) (ListReply, error) {
	body, err := readFramed(r)
	if err != nil {
		return ListReply{}, err
	}
	d := decoder{buf: body}
	n := int(d.u32())
	if n > len(body) {
		return ListReply{}, fmt.Errorf("%w: session count %d", ErrMalformed, n)
	}
	var reply ListReply
	for i := 0; i < n; i++ {
		reply.Sessions = append(reply.Sessions, SessionInfo{
			Name:          d.string(),
			Status:        d.u8(),
			StartedAtUnix: d.i64(),
			Attached:      d.bool(),
		})
	}
	return reply, d.err
}

// WriteDetachReply frames and writes a detach result.
func WriteDetachReply(w io.Writer, reply DetachReply) error {
	var e encoder
	e.strings(reply.Ok)
	e.strings(reply.NotFound)
	e.strings(reply.NotAttached)
	return writeFramed(w, e.buf)
}

// ReadDetachReply reads a detach result.
func ReadDetachReply(r io.Reader) (DetachReply, error) {
	body, err := readFramed(r)
	if err != nil {
		return DetachReply{}, err
	}
	d := decoder{buf: body}
	reply := DetachReply{Ok: d.strings(), NotFound: d.strings(), NotAttached: d.strings()}
	return reply, d.err
}

// WriteKillReply frames and writes a kill result.
func WriteKillReply(w io.Writer, reply KillReply) error {
	var e encoder
	e.strings(reply.Ok)
	e.strings(reply.NotFound)
	return writeFramed(w, e.buf)
}

// ReadKillReply reads a kill result.
func ReadKillReply(r io.Reader) (KillReply, error) {
	body, err := readFramed(r)
	if err != nil {
		return KillReply{}, err
	}
	d := decoder{buf: body}
	reply := KillReply{Ok: d.strings(), NotFound: d.strings()}
	return reply, d.err
}

// WriteSessionMessageReply frames and writes a session-message answer.
func WriteSessionMessageReply(w io.Writer, reply SessionMessageReply) error {
	var e encoder
	e.u8(reply.Outcome)
	e.bytes(reply.Payload)
	return writeFramed(w, e.buf)
}

// ReadSessionMessageReply reads a session-message answer.
func ReadSessionMessageReply(r io.Reader) (SessionMessageReply, error) {
	body, err := readFramed(r)
	if err != nil {
		return SessionMessageReply{}, err
	}
	d := decoder{buf: body}
	reply := SessionMessageReply{Outcome: d.u8(), Payload: d.bytes()}
	return reply, d.err
}
