package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialReadBufferSize     = 1024
)

type serialOpener func(portName string, mode *serial.Mode) (serial.Port, error)

type SerialTransport struct {
	portName string
	baudRate int
	open     serialOpener

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
	readBuf []byte
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
		open:     serial.Open,
		readBuf:  make([]byte, serialReadBufferSize),
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) Target() string {
	return fmt.Sprintf("%s@%d", t.portName, t.baudRate)
}

func (t *SerialTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	logger := transportLogger("serial", "port", t.portName, "baud", t.baudRate)
	if t.port != nil {
		logger.Debug("open skipped: already open")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := t.open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		logger.Warn("open failed", "error", err)
		return wrapErr("serial", "open", fmt.Errorf("open serial port %q: %w", t.portName, err))
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return wrapErr("serial", "open", fmt.Errorf("set serial read timeout: %w", err))
	}
	t.port = port
	logger.Info("opened")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	transportLogger("serial", "port", t.portName).Info("closed")

	return err
}

// ReadChunk polls the port with a short read timeout so that cancellation is observed.
func (t *SerialTransport) ReadChunk(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, wrapErr("serial", "read", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(t.readBuf)
		if err != nil {
			return nil, wrapErr("serial", "read", err)
		}
		if n == 0 {
			continue
		}

		return append([]byte(nil), t.readBuf[:n]...), nil
	}
}

func (t *SerialTransport) Write(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return wrapErr("serial", "write", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, port, payload); err != nil {
		return wrapErr("serial", "write", err)
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotOpen
	}

	return t.port, nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		written += n
	}

	return nil
}
