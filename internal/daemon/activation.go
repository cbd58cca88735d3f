package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFdsStart is where systemd places inherited descriptors, immediately
// after stdio.
const listenFdsStart = 3

// activationListener picks up a socket passed by systemd socket activation.
// ok is false when the environment carries no activation fds for us; the
// caller then binds the socket itself.
func activationListener() (l net.Listener, ok bool, err error) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, false, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil, false, nil
	}
	nfds, err := strconv.Atoi(fdsStr)
	if err != nil || nfds < 1 {
		return nil, false, nil
	}

	// Only the first inherited fd is meaningful to shpoold.
	f := os.NewFile(uintptr(listenFdsStart), "shpool.socket")
	if f == nil {
		return nil, false, fmt.Errorf("activation fd %d is not open", listenFdsStart)
	}
	l, err = net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, true, fmt.Errorf("activation fd is not a listener: %w", err)
	}
	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	return l, true, nil
}
