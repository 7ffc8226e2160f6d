// Package transport is the stream-socket layer under the auction protocol.
//
// It knows nothing about message contents: it binds, listens, accepts,
// connects, and moves newline-framed text over TCP (IPv4) or vsock.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

const (
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

var (
	ErrClosed     = errors.New("endpoint closed")
	ErrTimeout    = errors.New("receive timeout expired")
	ErrPeerClosed = errors.New("peer closed connection")
	ErrBind       = errors.New("bind failed")
	ErrListen     = errors.New("listen failed")
	ErrConnect    = errors.New("connect failed")
	ErrSend       = errors.New("send failed")
	ErrReceive    = errors.New("receive failed")
)

// Addr names an endpoint. For vsock, Host is the context ID in decimal.
type Addr struct {
	Network string
	Host    string
	Port    int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Addr) network() string {
	if a.Network == "" {
		return NetworkTCP
	}
	return a.Network
}

// ParseAddr parses "host:port" for the given network.
func ParseAddr(network, hostport string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Addr{}, fmt.Errorf("parse address %q: invalid port", hostport)
	}
	switch network {
	case "", NetworkTCP:
		network = NetworkTCP
	case NetworkVsock:
		if _, err := parseContextID(host); err != nil {
			return Addr{}, err
		}
	default:
		return Addr{}, fmt.Errorf("unsupported network %q", network)
	}
	return Addr{Network: network, Host: host, Port: port}, nil
}

func parseContextID(host string) (uint32, error) {
	cid, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid vsock context id %q: %w", host, err)
	}
	return uint32(cid), nil
}

// addrFrom converts a net.Addr reported by a socket into host and port.
func addrFrom(a net.Addr) (string, int, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP.String(), v.Port, nil
	case *vsock.Addr:
		return strconv.FormatUint(uint64(v.ContextID), 10), int(v.Port), nil
	default:
		return "", 0, fmt.Errorf("unsupported address type %T", a)
	}
}
