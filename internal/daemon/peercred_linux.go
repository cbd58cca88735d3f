//go:build linux

package daemon

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shell-pool/shpool/internal/protocol"
)

// checkPeer verifies via SO_PEERCRED that the connecting process runs as
// the daemon's own uid.  The socket mode already restricts access, but the
// credential check holds even if the socket directory permissions are
// loosened by accident.
func checkPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if credErr != nil {
		return credErr
	}
	if cred.Uid != uint32(os.Getuid()) {
		return fmt.Errorf("%w: uid %d", protocol.ErrForbidden, cred.Uid)
	}
	return nil
}
