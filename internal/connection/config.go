package connection

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/transport"
)

var (
	ErrInvalidConfig     = errors.New("invalid connection config")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotConnected      = errors.New("connection is not connected")
	ErrClosed            = errors.New("connection manager closed")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks a connection kind without touching the system and returns it normalized:
// UDP addresses without a port get transport.DefaultUDPPort, replay speed defaults to 1.
func Validate(kind domain.ConnectionKind) (domain.ConnectionKind, error) {
	switch k := kind.(type) {
	case domain.SerialKind:
		k.Path = strings.TrimSpace(k.Path)
		if k.Path == "" {
			return nil, invalid("serial path is empty")
		}
		if k.Baud <= 0 {
			return nil, invalid("serial baud rate must be positive, got %d", k.Baud)
		}
		return k, nil
	case domain.UDPKind:
		local, err := NormalizeUDPAddr(k.LocalAddr, true)
		if err != nil {
			return nil, invalid("udp local address: %v", err)
		}
		k.LocalAddr = local
		if strings.TrimSpace(k.PeerAddr) != "" {
			peer, err := NormalizeUDPAddr(k.PeerAddr, false)
			if err != nil {
				return nil, invalid("udp peer address: %v", err)
			}
			k.PeerAddr = peer
		}
		return k, nil
	case domain.ReplayKind:
		k.Path = strings.TrimSpace(k.Path)
		if k.Path == "" {
			return nil, invalid("replay path is empty")
		}
		info, err := os.Stat(k.Path)
		if err != nil {
			return nil, invalid("replay file: %v", err)
		}
		if !info.Mode().IsRegular() {
			return nil, invalid("replay file %q is not a regular file", k.Path)
		}
		if k.Speed < 0 {
			return nil, invalid("replay speed must not be negative, got %g", k.Speed)
		}
		if k.Speed == 0 {
			k.Speed = 1
		}
		return k, nil
	case nil:
		return nil, invalid("connection kind is missing")
	default:
		return nil, invalid("unsupported connection kind %T", kind)
	}
}

// NormalizeUDPAddr accepts "host:port", ":port", "port" or a bare host. Local addresses may
// omit the host and may use port 0; peer addresses need both.
func NormalizeUDPAddr(raw string, local bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if local {
			return net.JoinHostPort("", strconv.Itoa(transport.DefaultUDPPort)), nil
		}
		return "", errors.New("address is empty")
	}
	if _, err := strconv.Atoi(raw); err == nil {
		raw = ":" + raw
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || !strings.Contains(addrErr.Err, "missing port") {
			return "", err
		}
		host, port = strings.Trim(raw, "[]"), strconv.Itoa(transport.DefaultUDPPort)
	}
	if strings.ContainsAny(host, " \t/") {
		return "", fmt.Errorf("malformed host %q", host)
	}
	if host == "" && !local {
		return "", errors.New("host is empty")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("malformed port %q", port)
	}
	if n == 0 && !local {
		return "", errors.New("peer port must not be 0")
	}

	return net.JoinHostPort(host, port), nil
}

// NewTransport builds the link for a validated live kind.
func NewTransport(kind domain.ConnectionKind) (transport.Transport, error) {
	switch k := kind.(type) {
	case domain.SerialKind:
		return transport.NewSerialTransport(k.Path, k.Baud), nil
	case domain.UDPKind:
		return transport.NewUDPTransport(k.LocalAddr, k.PeerAddr), nil
	default:
		return nil, invalid("no transport for %s connections", kind.KindName())
	}
}
