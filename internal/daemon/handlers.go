package daemon

import (
	"bytes"
	"errors"
	"net"
	"sort"

	"github.com/rs/zerolog"

	"github.com/shell-pool/shpool/internal/protocol"
)

func (d *Daemon) handleAttach(conn net.Conn, hdr *protocol.AttachHeader, log zerolog.Logger) {
	if hdr == nil || !protocol.ValidSessionName(hdr.Name) {
		_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: protocol.OutcomeNameInvalid})
		return
	}
	if hdr.Size.Rows == 0 || hdr.Size.Cols == 0 {
		hdr.Size.Rows, hdr.Size.Cols = 24, 80
	}
	log = log.With().Str("session", hdr.Name).Logger()

	s, fresh, err := d.createOrLookup(hdr.Name, hdr)
	if err != nil {
		outcome := protocol.OutcomeInternal
		if errors.Is(err, protocol.ErrSessionBusy) {
			outcome = protocol.OutcomeBusy
		}
		log.Warn().Err(err).Msg("attach failed")
		_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: outcome})
		return
	}

	c, err := s.Attach(conn, hdr.Size, hdr.Force)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrSessionBusy):
			_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: protocol.OutcomeBusy})
		case errors.Is(err, errSessionExited):
			// The shell exited between lookup and attach.
			_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: protocol.OutcomeNotFound})
		default:
			_ = protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: protocol.OutcomeInternal})
		}
		return
	}

	outcome := protocol.OutcomeAttachedResumed
	if fresh {
		outcome = protocol.OutcomeAttachedFresh
	}
	if err := protocol.WriteAttachReply(conn, protocol.AttachReply{Outcome: outcome}); err != nil {
		s.Detach(c)
		return
	}

	cfg := d.cfg.Get()
	s.showMotd(conn, c, cfg.Motd)
	if !fresh {
		// Restore mode is attach-time behavior: it follows the live config
		// even though the session froze everything else at spawn.
		s.restore(c, cfg.SessionRestoreMode)
	}

	// The connection now belongs to the client-to-shell pump until the
	// client detaches or hangs up.
	s.serveClient(c, connChunks{conn})
	log.Info().Msg("attach finished")
}

// connChunks adapts a net.Conn to the session's chunk reader.
type connChunks struct {
	conn net.Conn
}

func (c connChunks) ReadChunk() (byte, []byte, error) {
	return protocol.ReadChunk(c.conn)
}

func (d *Daemon) handleList(conn net.Conn) {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	_ = protocol.WriteListReply(conn, protocol.ListReply{Sessions: infos})
}

func (d *Daemon) handleDetach(conn net.Conn, hdr *protocol.DetachHeader) {
	var reply protocol.DetachReply
	for _, name := range hdr.Names {
		s := d.getSession(name)
		switch {
		case s == nil:
			reply.NotFound = append(reply.NotFound, name)
		case s.DetachCurrent():
			reply.Ok = append(reply.Ok, name)
		default:
			reply.NotAttached = append(reply.NotAttached, name)
		}
	}
	_ = protocol.WriteDetachReply(conn, reply)
}

func (d *Daemon) handleKill(conn net.Conn, hdr *protocol.KillHeader) {
	var reply protocol.KillReply
	for _, name := range hdr.Names {
		s := d.getSession(name)
		if s == nil {
			reply.NotFound = append(reply.NotFound, name)
			continue
		}
		d.log.Info().Str("session", name).Msg("killing session")
		s.Kill()
		reply.Ok = append(reply.Ok, name)
	}
	_ = protocol.WriteKillReply(conn, reply)
}

// handleSessionMessage delivers an opaque payload to a session. Supported
// payloads: "ping" answers "pong" (liveness probing from wrapper scripts),
// "detach" detaches the current client.
func (d *Daemon) handleSessionMessage(conn net.Conn, hdr *protocol.SessionMessageHeader) {
	s := d.getSession(hdr.Name)
	if s == nil {
		_ = protocol.WriteSessionMessageReply(conn, protocol.SessionMessageReply{
			Outcome: protocol.OutcomeNotFound,
		})
		return
	}

	reply := protocol.SessionMessageReply{Outcome: protocol.OutcomeOK}
	switch {
	case bytes.Equal(hdr.Payload, []byte("ping")):
		reply.Payload = []byte("pong")
	case bytes.Equal(hdr.Payload, []byte("detach")):
		s.DetachCurrent()
	default:
		reply.Outcome = protocol.OutcomeInternal
	}
	_ = protocol.WriteSessionMessageReply(conn, reply)
}
