package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultUDPPort is used when an address carries no port.
const DefaultUDPPort = 42069

const udpReadBufferSize = 65535

// UDPTransport receives datagrams on a local socket. Writes go to the configured peer, or to the
// most recent sender when no peer is configured.
type UDPTransport struct {
	localAddr string
	peerAddr  string

	mu         sync.Mutex
	conn       *net.UDPConn
	peer       *net.UDPAddr
	lastSender *net.UDPAddr
	writeMu    sync.Mutex
	readBuf    []byte
}

func NewUDPTransport(localAddr, peerAddr string) *UDPTransport {
	return &UDPTransport{
		localAddr: localAddr,
		peerAddr:  peerAddr,
		readBuf:   make([]byte, udpReadBufferSize),
	}
}

func (t *UDPTransport) Name() string {
	return "udp"
}

func (t *UDPTransport) Target() string {
	if t.peerAddr == "" {
		return t.localAddr
	}

	return t.localAddr + "->" + t.peerAddr
}

// LocalAddr returns the bound address, which differs from the configured one for port 0.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}

	return t.conn.LocalAddr()
}

func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("udp", "local", t.localAddr, "peer", t.peerAddr)
	if t.conn != nil {
		logger.Debug("open skipped: already open")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	local, err := net.ResolveUDPAddr("udp", t.localAddr)
	if err != nil {
		return wrapErr("udp", "open", err)
	}
	var peer *net.UDPAddr
	if t.peerAddr != "" {
		peer, err = net.ResolveUDPAddr("udp", t.peerAddr)
		if err != nil {
			return wrapErr("udp", "open", err)
		}
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		logger.Warn("open failed", "error", err)
		return wrapErr("udp", "open", err)
	}
	t.conn = conn
	t.peer = peer
	logger.Info("opened", "bound", conn.LocalAddr().String())

	return nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.lastSender = nil
	transportLogger("udp", "local", t.localAddr).Info("closed")

	return err
}

// ReadChunk returns one datagram.
func (t *UDPTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, wrapErr("udp", "read", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	// Unblock the read as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		n, from, err := conn.ReadFromUDP(t.readBuf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, wrapErr("udp", "read", err)
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		t.lastSender = from
		t.mu.Unlock()

		return append([]byte(nil), t.readBuf[:n]...), nil
	}
}

func (t *UDPTransport) Write(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return wrapErr("udp", "write", err)
	}

	t.mu.Lock()
	dst := t.peer
	if dst == nil {
		dst = t.lastSender
	}
	t.mu.Unlock()
	if dst == nil {
		return wrapErr("udp", "write", ErrNoPeer)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return wrapErr("udp", "write", ErrNotOpen)
		}
		return wrapErr("udp", "write", err)
	}

	return nil
}

func (t *UDPTransport) currentConn() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotOpen
	}

	return t.conn, nil
}
