package daemon

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/shell-pool/shpool/internal/config"
	"github.com/shell-pool/shpool/internal/protocol"
)

const motdPath = "/etc/motd"

// showMotd renders the message of the day to a just-attached client. It
// runs before the session pumps take over the connection, so the pager
// variant may splice the connection with the pager's own PTY. Attaches are
// the only way sessions start, so there is always a client terminal here;
// errors only degrade the attach, never fail it.
func (s *Session) showMotd(conn net.Conn, c *attachedClient, motd config.MotdMode) {
	switch motd.Kind {
	case config.MotdDump:
		data, err := os.ReadFile(motdPath)
		if err != nil || len(data) == 0 {
			return
		}
		// Raw-mode terminals need explicit carriage returns.
		data = bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
		s.enqueueRestore(c, data)
	case config.MotdPager:
		if err := s.pageMotd(conn, motd.PagerBin); err != nil {
			s.log.Warn().Err(err).Str("pager", motd.PagerBin).Msg("motd pager failed")
		}
	}
}

// pageMotd runs the configured pager over /etc/motd on its own PTY, spliced
// inline with the client connection. The attach proceeds once the pager
// exits.
func (s *Session) pageMotd(conn net.Conn, bin string) error {
	if _, err := os.Stat(motdPath); err != nil {
		return nil
	}

	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	cmd := exec.Command(bin, motdPath)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return err
	}
	defer ptmx.Close()

	pagerDone := make(chan struct{})
	go func() {
		buf := make([]byte, ptyReadSize)
		for {
			n, rerr := ptmx.Read(buf)
			if n > 0 {
				if werr := protocol.WriteChunk(conn, protocol.ChunkData, buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		close(pagerDone)
	}()

	// Forward client keys to the pager until it quits. Reads poll with a
	// short deadline so pager exit is noticed promptly.
	for {
		select {
		case <-pagerDone:
			cmd.Wait()
			conn.SetReadDeadline(time.Time{})
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		tag, payload, err := protocol.ReadChunk(conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			conn.SetReadDeadline(time.Time{})
			ptmx.Close()
			<-pagerDone
			cmd.Wait()
			return err
		}
		if tag == protocol.ChunkData {
			ptmx.Write(payload)
		}
	}
}
