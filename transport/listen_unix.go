//go:build unix

package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP4 creates an IPv4 stream socket with SO_REUSEADDR, binds it and
// listens with the requested backlog. Bind and listen failures are reported
// separately so callers can tell them apart.
func listenTCP4(host string, port, backlog int) (net.Listener, error) {
	ip := net.IPv4zero
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrBind, host)
		}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", ErrBind, err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: SO_REUSEADDR: %w", ErrBind, err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrBind, ip, port, err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}

	// FileListener dups the descriptor, so the original is closed either way.
	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp4-listener-%d", port))
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	return ln, nil
}
