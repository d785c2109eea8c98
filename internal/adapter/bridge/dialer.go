package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// errReadTimeout is returned by a link when no bytes arrived within the read timeout.
var errReadTimeout = errors.New("read timeout")

// errWriteTimeout is returned when a frame could not be written within the write timeout.
var errWriteTimeout = errors.New("write timeout")

// link is one open byte stream to the controller.
type link interface {
	read(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
	write(ctx context.Context, p []byte, timeout time.Duration) error
	Close() error
}

type dialFunc func(ctx context.Context) (link, error)

// ============================================================
// TCP
// ============================================================

type tcpLink struct {
	conn net.Conn
}

func dialTCP(address string) dialFunc {
	return func(ctx context.Context) (link, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
			_ = tc.SetKeepAlive(true)
		}
		return &tcpLink{conn: conn}, nil
	}
}

func (l *tcpLink) read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	// a past deadline unblocks the read when ctx ends
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := l.conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, errReadTimeout
		}
	}
	return n, err
}

func (l *tcpLink) write(ctx context.Context, p []byte, timeout time.Duration) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	_, err := l.conn.Write(p)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}

// ============================================================
// Serial
// ============================================================

// SerialConfig describes a directly attached RS232 port.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

type serialLink struct {
	port serial.Port
}

func dialSerial(cfg SerialConfig) dialFunc {
	return func(ctx context.Context) (link, error) {
		mode, err := cfg.mode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, err
		}
		if err := port.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, err
		}
		return &serialLink{port: port}, nil
	}
}

func (c SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToLower(c.Parity) {
	case "", "none", "n":
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return mode, nil
}

func (l *serialLink) read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	n, err := l.port.Read(buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errReadTimeout
	}
	return n, nil
}

// write bounds Port.Write, which has no deadline of its own. A write that outlives the
// timeout is abandoned; the transport then closes the port, which releases it.
func (l *serialLink) write(ctx context.Context, p []byte, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		_, err := l.port.Write(p)
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.port.Write(p)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *serialLink) Close() error {
	return l.port.Close()
}
