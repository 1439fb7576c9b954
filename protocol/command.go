package protocol

import (
	"time"

	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/stmerr"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

// CommandID is the tagged command-descriptor key (REDESIGN FLAGS §9): one
// table, one encode/decode path, driven by command byte instead of N
// similar-looking routines. Grounded on OpenChirp-ccboot's CommandType,
// restated with ST AN3155's command byte values instead of TI CC2650's.
type CommandID byte

const (
	CmdGet           CommandID = 0x00
	CmdGetID         CommandID = 0x02
	CmdReadMemory    CommandID = 0x11
	CmdGo            CommandID = 0x21
	CmdWriteMemory   CommandID = 0x31
	CmdErase         CommandID = 0x43
	CmdExtendedErase CommandID = 0x44
)

var commandNames = map[CommandID]string{
	CmdGet:           "GET",
	CmdGetID:         "GET_ID",
	CmdReadMemory:    "READ_MEMORY",
	CmdGo:            "GO",
	CmdWriteMemory:   "WRITE_MEMORY",
	CmdErase:         "ERASE",
	CmdExtendedErase: "EXTENDED_ERASE",
}

func (c CommandID) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return errors.Errorf("0x%02X", byte(c)).Error()
}

// Timeouts holds the per-operation wall-clock budgets from spec §4.3.
type Timeouts struct {
	Sync       time.Duration
	Command    time.Duration
	Erase      time.Duration
	ReadStream time.Duration
}

// DefaultTimeouts matches spec §4.3's defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Sync:       200 * time.Millisecond,
		Command:    500 * time.Millisecond,
		Erase:      5 * time.Second,
		ReadStream: 1 * time.Second,
	}
}

// Device is the bootloader command layer (C3): one method per ST command,
// each wrapping its request/response pair in bounded low-level retry.
// Grounded on OpenChirp-ccboot's Device (same role, same
// io.ReadWriteCloser-via-xfer.Port dependency shape), generalized from the
// CC2650 packet format to AN3155 framing.
type Device struct {
	port       *xfer.Port
	timeouts   Timeouts
	retriesCmd int

	BootloaderVersion byte
	SupportedCommands map[CommandID]bool
}

// NewDevice constructs a command layer over an already-open transport.
// retriesCmd is R_cmd (default 3).
func NewDevice(port *xfer.Port, timeouts Timeouts, retriesCmd int) *Device {
	if retriesCmd < 1 {
		retriesCmd = 1
	}
	return &Device{port: port, timeouts: timeouts, retriesCmd: retriesCmd, SupportedCommands: map[CommandID]bool{}}
}

// Sync emits the single sync byte exactly once per session and awaits ACK.
// On NACK it does not silently treat the bootloader as already-synced (see
// SPEC_FULL.md §9 open-question resolution): it returns strayByte=true so
// the caller can log a warning, since a NACK here may indicate a stray
// byte on the line rather than a prior sync.
func (d *Device) Sync() (strayByte bool, err error) {
	if err := d.port.Write([]byte{SyncByte}, d.timeouts.Sync); err != nil {
		return false, classifyTransport(err)
	}
	b, err := d.port.ReadExact(1, d.timeouts.Sync)
	if err != nil {
		return false, classifyTransport(err)
	}
	ack, err := DecodeAck(b[0])
	if err != nil {
		d.port.Drain()
		return false, err
	}
	if !ack {
		return true, nil
	}
	return false, nil
}

// exchange writes frame and awaits a single ACK/NACK byte, retrying up to
// retriesCmd times on transport failure or garbage (draining first). A
// decoded NACK is returned immediately as ErrCommandRejected without
// low-level retry — the session layer decides whether the enclosing
// operation (write/erase) should retry.
func (d *Device) exchange(frame []byte, timeout time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < d.retriesCmd; attempt++ {
		if attempt > 0 {
			d.port.Drain()
		}
		if err := d.port.Write(frame, timeout); err != nil {
			lastErr = classifyTransport(err)
			if stmerr.IsTransportClosed(lastErr) {
				_ = d.port.Reopen()
			}
			if stmerr.IsRetryableTransport(lastErr) {
				continue
			}
			return lastErr
		}
		b, err := d.port.ReadExact(1, timeout)
		if err != nil {
			lastErr = classifyTransport(err)
			if stmerr.IsTransportClosed(lastErr) {
				_ = d.port.Reopen()
			}
			if stmerr.IsRetryableTransport(lastErr) {
				continue
			}
			return lastErr
		}
		ack, err := DecodeAck(b[0])
		if err != nil {
			lastErr = err
			d.port.Drain()
			continue
		}
		if !ack {
			return errors.Wrap(stmerr.ErrCommandRejected, "NACK")
		}
		return nil
	}
	return lastErr
}

func (d *Device) command(id CommandID) error {
	return d.exchange(EncodeCommandFrame(byte(id)), d.timeouts.Command)
}

// Get retrieves the bootloader version and supported command set, used to
// pick standard vs. extended erase.
func (d *Device) Get() error {
	if err := d.command(CmdGet); err != nil {
		return err
	}
	lenByte, err := d.port.ReadExact(1, d.timeouts.Command)
	if err != nil {
		return classifyTransport(err)
	}
	n := int(lenByte[0]) + 1
	body, err := d.port.ReadExact(n, d.timeouts.Command)
	if err != nil {
		return classifyTransport(err)
	}
	ackByte, err := d.port.ReadExact(1, d.timeouts.Command)
	if err != nil {
		return classifyTransport(err)
	}
	ack, err := DecodeAck(ackByte[0])
	if err != nil {
		return err
	}
	if !ack {
		return errors.Wrap(stmerr.ErrCommandRejected, "GET NACK")
	}

	d.BootloaderVersion = body[0]
	d.SupportedCommands = map[CommandID]bool{}
	for _, c := range body[1:] {
		d.SupportedCommands[CommandID(c)] = true
	}
	return nil
}

// GetID retrieves the 12-bit product ID.
func (d *Device) GetID() (pid uint16, err error) {
	if err := d.command(CmdGetID); err != nil {
		return 0, err
	}
	lenByte, err := d.port.ReadExact(1, d.timeouts.Command)
	if err != nil {
		return 0, classifyTransport(err)
	}
	n := int(lenByte[0]) + 1
	body, err := d.port.ReadExact(n, d.timeouts.Command)
	if err != nil {
		return 0, classifyTransport(err)
	}
	ackByte, err := d.port.ReadExact(1, d.timeouts.Command)
	if err != nil {
		return 0, classifyTransport(err)
	}
	ack, err := DecodeAck(ackByte[0])
	if err != nil {
		return 0, err
	}
	if !ack {
		return 0, errors.Wrap(stmerr.ErrCommandRejected, "GET_ID NACK")
	}
	if len(body) < 2 {
		return 0, errors.New("protocol: short GET_ID response")
	}
	return uint16(body[0])<<8 | uint16(body[1]), nil
}

// ReadMemory reads n bytes (1..256) starting at addr.
func (d *Device) ReadMemory(addr uint32, n int) ([]byte, error) {
	if err := d.command(CmdReadMemory); err != nil {
		return nil, err
	}
	if err := d.exchange(EncodeAddressFrame(addr), d.timeouts.Command); err != nil {
		return nil, err
	}
	lenFrame, err := EncodeReadLengthFrame(n)
	if err != nil {
		return nil, err
	}
	if err := d.port.Write(lenFrame, d.timeouts.Command); err != nil {
		return nil, classifyTransport(err)
	}
	ackByte, err := d.port.ReadExact(1, d.timeouts.Command)
	if err != nil {
		return nil, classifyTransport(err)
	}
	ack, err := DecodeAck(ackByte[0])
	if err != nil {
		return nil, err
	}
	if !ack {
		return nil, errors.Wrap(stmerr.ErrCommandRejected, "READ_MEMORY length NACK")
	}
	data, err := d.port.ReadExact(n, d.timeouts.ReadStream)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return data, nil
}

// WriteMemory writes data (len <= 256, multiple of 4) at word-aligned addr.
func (d *Device) WriteMemory(addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > MaxPayload || len(data)%4 != 0 {
		return errors.Errorf("protocol: write_memory payload invalid length %d", len(data))
	}
	if addr%4 != 0 {
		return errors.Errorf("protocol: write_memory address 0x%08X not word-aligned", addr)
	}
	if err := d.command(CmdWriteMemory); err != nil {
		return err
	}
	if err := d.exchange(EncodeAddressFrame(addr), d.timeouts.Command); err != nil {
		return err
	}
	frame, err := EncodeLengthPayloadFrame(data)
	if err != nil {
		return err
	}
	return d.exchange(frame, d.timeouts.Command)
}

// Erase runs the standard ERASE command (one call per sector, per spec: the
// planner never coalesces erases).
func (d *Device) Erase(page byte) error {
	if err := d.command(CmdErase); err != nil {
		return err
	}
	return d.exchange(EncodeStandardEraseList([]byte{page}), d.timeouts.Erase)
}

// ExtendedErase runs the EXTENDED_ERASE command for a single sector.
func (d *Device) ExtendedErase(page uint16) error {
	if err := d.command(CmdExtendedErase); err != nil {
		return err
	}
	return d.exchange(EncodeExtendedEraseList([]uint16{page}), d.timeouts.Erase)
}

// Go jumps to addr. No ACK is expected after the device leaves the
// bootloader, so a timeout here is not treated as failure by the caller.
func (d *Device) Go(addr uint32) error {
	if err := d.command(CmdGo); err != nil {
		return err
	}
	if err := d.port.Write(EncodeAddressFrame(addr), d.timeouts.Command); err != nil {
		return classifyTransport(err)
	}
	return nil
}

func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	return err
}
