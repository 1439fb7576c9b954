// Package xfer implements the byte-level serial transport (component C1):
// open/write/read with caller-supplied timeouts, flush, and reopen-on-error.
// It knows nothing about the ST bootloader wire format — that lives in
// package protocol.
//
// Grounded on OpenChirp-ccboot's Device, which wraps a plain
// io.ReadWriteCloser opened via github.com/jacobsa/go-serial/serial, and on
// the original stm32_uart_prog.serial_port.SerialPort's reconnect-on-error
// behavior.
package xfer

import (
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/stmerr"
)

// Parity mirrors go-serial's three parity modes. The ST bootloader line
// uses ParityEven; buscontrol's control frames use ParityNone.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// Options configures the serial line. Defaults match AN3155: 8E1 at
// 115200 baud.
type Options struct {
	Port     string
	Baud     uint
	Parity   Parity
	StopBits uint
	DataBits uint
}

// DefaultOptions returns AN3155's required line settings for the given port.
func DefaultOptions(port string) Options {
	return Options{
		Port:     port,
		Baud:     115200,
		Parity:   ParityEven,
		StopBits: 1,
		DataBits: 8,
	}
}

// ErrTimeout, ErrClosed, and ErrIO are local aliases of the shared
// stmerr taxonomy, kept so callers within this package read naturally.
var (
	ErrTimeout = stmerr.ErrTransportTimeout
	ErrClosed  = stmerr.ErrTransportClosed
	ErrIO      = stmerr.ErrTransportIO
)

// Port is the serial transport lent exclusively to one session at a time.
// It does not interpret payload bytes.
type Port struct {
	mu     sync.Mutex
	opts   Options
	rwc    io.ReadWriteCloser
	reopen func(Options) (io.ReadWriteCloser, error)
}

// Open opens the serial port with the given options.
func Open(opts Options) (*Port, error) {
	rwc, err := openJacobsa(opts)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return &Port{opts: opts, rwc: rwc, reopen: openJacobsa}, nil
}

// Wrap builds a Port directly over an already-open io.ReadWriteCloser,
// bypassing go-serial. reopenFn is called by Reopen/Reconfigure instead of
// go-serial's dialer; this exists for test doubles (and any future
// non-go-serial transport) that need Port's retry/timeout machinery without
// a real line.
func Wrap(rwc io.ReadWriteCloser, opts Options, reopenFn func(Options) (io.ReadWriteCloser, error)) *Port {
	return &Port{opts: opts, rwc: rwc, reopen: reopenFn}
}

func openJacobsa(opts Options) (io.ReadWriteCloser, error) {
	var parity serial.ParityMode
	switch opts.Parity {
	case ParityNone:
		parity = serial.PARITY_NONE
	case ParityOdd:
		parity = serial.PARITY_ODD
	default:
		parity = serial.PARITY_EVEN
	}

	return serial.Open(serial.OpenOptions{
		PortName:        opts.Port,
		BaudRate:        uint(opts.Baud),
		DataBits:        uint(opts.DataBits),
		StopBits:        uint(opts.StopBits),
		ParityMode:      parity,
		MinimumReadSize: 0,
		// InterCharacterTimeout is set generously; per-call deadlines are
		// enforced above this layer in Write/ReadExact/ReadUntilByte so
		// that callers can vary timeouts per-command (sync vs erase vs
		// normal ACK) without reopening the port.
		InterCharacterTimeout: 50,
	})
}

// Write sends bytes, failing with ErrTimeout if the write does not
// complete within timeout.
func (p *Port) Write(b []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := p.rwc.Write(b)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return classify(r.err)
		}
		if r.n != len(b) {
			return errors.Wrapf(ErrIO, "short write: %d/%d bytes", r.n, len(b))
		}
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// ReadExact reads exactly n bytes, failing with ErrTimeout if they do not
// all arrive within timeout.
func (p *Port) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, n)
	type result struct {
		n   int
		err error
	}
	deadline := time.Now().Add(timeout)
	done := make(chan result, 1)
	go func() {
		read := 0
		for read < n {
			m, err := p.rwc.Read(buf[read:])
			read += m
			if err != nil {
				done <- result{read, err}
				return
			}
			if m == 0 {
				if !time.Now().Before(deadline) {
					done <- result{read, io.ErrNoProgress}
					return
				}
				continue
			}
		}
		done <- result{read, nil}
	}()

	select {
	case r := <-done:
		if r.err != nil && r.err != io.ErrNoProgress {
			return buf[:r.n], classify(r.err)
		}
		if r.n != n {
			return buf[:r.n], ErrTimeout
		}
		return buf, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// ReadUntilByte reads one byte at a time until b is seen (inclusive) or the
// deadline expires.
func (p *Port) ReadUntilByte(b byte, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var out []byte
	one := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, err := p.rwc.Read(one)
		if err != nil {
			return out, classify(err)
		}
		if n == 1 {
			out = append(out, one[0])
			if one[0] == b {
				return out, nil
			}
		}
	}
	return out, ErrTimeout
}

// Drain discards any bytes currently buffered. It is mandatory after a
// NACK/garbage response, so stale bytes are never mistaken for the next
// reply's header.
func (p *Port) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, 256)
	// Best-effort: a short non-blocking-ish pass is sufficient because the
	// underlying port already has a short InterCharacterTimeout.
	for {
		n, err := p.rwc.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

// Close closes the underlying port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rwc.Close()
}

// Reopen re-establishes the port with the same settings after ErrClosed.
// It does not reset bootloader state on the device side — the caller
// decides whether to retry the in-flight operation or restart the session.
func (p *Port) Reopen() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.rwc.Close()
	rwc, err := p.reopen(p.opts)
	if err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	p.rwc = rwc
	return nil
}

// Options returns the line settings the port is currently open with.
func (p *Port) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Reconfigure closes and reopens the port with new line settings, for
// callers that must drop out of bootloader framing temporarily (buscontrol
// runs its mute/enter-bootloader frames at 115200/8N1 regardless of the
// bootloader's own baud rate). It returns the previous Options so the
// caller can restore them afterward.
func (p *Port) Reconfigure(opts Options) (prev Options, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev = p.opts
	_ = p.rwc.Close()
	rwc, err := p.reopen(opts)
	if err != nil {
		return prev, errors.Wrap(ErrIO, err.Error())
	}
	p.rwc = rwc
	p.opts = opts
	return prev, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrClosedPipe {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return errors.Wrap(ErrIO, err.Error())
}
