// Package buscontrol is a reference session.Hooks implementation: the
// CRC-8/GSM-A framed mute/enter-bootloader control protocol that drives a
// shared-bus topology of devices, each listening for its own target ID
// while idling in application firmware.
//
// Grounded entirely on original_source's stm32_uart_prog.context (be_quiet,
// enter_bootloader, getCrc8): same preamble byte, same little-endian
// <BBHBBBBB frame layout, same command bytes, same CRC-8/GSM-A polynomial,
// translated from struct.pack into explicit byte assembly and from
// pyserial's settable .baudrate/.parity into xfer.Port.Reconfigure.
package buscontrol

import (
	"time"

	"github.com/FT9R/stm32-uart-prog/session"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

const (
	preamble       byte = 0xAA
	frameLenField  byte = 1 // "frame length // 10", fixed by the protocol
	cmdTypeControl byte = 0x03
	cmdMute        byte = 0xDA
	cmdEnterBoot   byte = 0xDF

	broadcastID uint16 = 0xFFFF

	controlBaud = 115200
)

// Controller implements session.Hooks over a shared xfer.Port. BLBaud is
// the bootloader's own line rate, restored after every control frame burst.
type Controller struct {
	Port   *xfer.Port
	BLBaud uint
}

// New returns a Controller driving port, restoring blBaud (the bootloader
// UART rate, per spec typically 115200 at 8E1) after each control burst.
func New(port *xfer.Port, blBaud uint) *Controller {
	return &Controller{Port: port, BLBaud: blBaud}
}

func crc8GSMA(buf []byte) byte {
	var crc byte
	for _, b := range buf {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x1D
			} else {
				crc = crc << 1
			}
		}
	}
	return crc
}

func buildFrame(devID uint16, command byte) []byte {
	frame := []byte{
		preamble,
		frameLenField,
		byte(devID),
		byte(devID >> 8),
		cmdTypeControl,
		command,
		0, 0, 0, // reserved
	}
	return append(frame, crc8GSMA(frame))
}

// BeQuiet broadcasts the mute command so every device on the bus drops out
// of its application and stops driving the line, before any one target is
// addressed. The targets argument is accepted for interface symmetry but
// unused: the original protocol only supports a broadcast mute, not a
// per-target one.
func (c *Controller) BeQuiet(targets []session.TargetID) error {
	return c.sendBurst(broadcastID, cmdMute, 5, 500*time.Millisecond)
}

// EnterBootloader addresses a single device and commands it into the ST
// bootloader. The bootloader takes up to several seconds to initialize
// after this returns; callers proceed straight to protocol.Device.Sync,
// which sends its sync byte once and does not retry. A sync timeout makes
// session.Run restart the session (calling EnterBootloader again), up to
// Config.SessionRestartCeiling times.
func (c *Controller) EnterBootloader(target session.TargetID) error {
	return c.sendBurst(uint16(target), cmdEnterBoot, 5, 200*time.Millisecond)
}

// ReleaseAll is a no-op: the control protocol has no explicit "resume"
// command. Devices return to their application on their own once the
// session stops driving the bootloader protocol at them, matching the
// original implementation (context.py defines no release step).
func (c *Controller) ReleaseAll() error {
	return nil
}

func (c *Controller) sendBurst(devID uint16, command byte, repeats int, gap time.Duration) error {
	current := c.Port.Options()
	controlOpts := current
	controlOpts.Baud = controlBaud
	controlOpts.Parity = xfer.ParityNone
	controlOpts.StopBits = 1
	controlOpts.DataBits = 8

	bootloaderOpts := current
	bootloaderOpts.Baud = c.BLBaud
	bootloaderOpts.Parity = xfer.ParityEven

	if _, err := c.Port.Reconfigure(controlOpts); err != nil {
		return err
	}
	defer func() {
		time.Sleep(500 * time.Millisecond)
		c.Port.Drain()
		_, _ = c.Port.Reconfigure(bootloaderOpts)
	}()

	frame := buildFrame(devID, command)
	time.Sleep(500 * time.Millisecond)
	for i := 0; i < repeats; i++ {
		if err := c.Port.Write(frame, time.Second); err != nil {
			return err
		}
		time.Sleep(gap)
	}
	return nil
}
