//go:build !unix

package transport

import (
	"fmt"
	"net"
	"strconv"
)

// listenTCP4 falls back to the runtime listener, which does not expose the
// backlog or separate bind from listen.
func listenTCP4(host string, port, _ int) (net.Listener, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return ln, nil
}
