// Package protocol implements the ST AN3155 UART bootloader wire format
// (component C2, frame codec) and the per-command bootloader layer built on
// top of it (component C3).
//
// Framing is grounded on OpenChirp-ccboot's checksum/encodePacket/decodePacket
// trio in ccboot.go (same XOR-checksum shape, different command byte
// layout), cross-checked against lvdlvd-AN3155loader's sendBytes/sendCmd/
// sendData helpers and the original stm32_uart_prog.bootloader.STM32BL's
// _checksum.
package protocol

import (
	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/stmerr"
)

const (
	// ACK and NACK are the single-byte responses AN3155 ever sends outside
	// of requested payload data.
	ACK  byte = 0x79
	NACK byte = 0x1F

	// SyncByte is emitted once per session to enter the bootloader's
	// command loop.
	SyncByte byte = 0x7F

	// MaxPayload is the largest read/write chunk the ST bootloader will
	// accept in a single command, per AN3155.
	MaxPayload = 256
)

// ErrGarbage is returned when a byte arrives that is neither ACK nor NACK
// where one was expected.
var ErrGarbage = stmerr.ErrProtocolGarbage

// checksum is the running XOR of every frame AN3155 defines.
func checksum(data []byte) byte {
	var c byte
	for _, b := range data {
		c ^= b
	}
	return c
}

// EncodeCommandFrame builds the two-byte command frame: [CMD, CMD^0xFF].
func EncodeCommandFrame(cmd byte) []byte {
	return []byte{cmd, cmd ^ 0xFF}
}

// EncodeAddressFrame builds the five-byte big-endian address frame used by
// read_memory, write_memory, and go.
func EncodeAddressFrame(addr uint32) []byte {
	b := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	return append(b, checksum(b))
}

// EncodeLengthPayloadFrame builds [N-1, payload..., XOR(N-1, payload)] for
// 1 <= len(payload) <= 256, used by write_memory's data phase. An empty
// payload is rejected; read_memory's count frame and the erase page lists
// have their own encoders below.
func EncodeLengthPayloadFrame(payload []byte) ([]byte, error) {
	n := len(payload)
	if n < 1 || n > MaxPayload {
		return nil, errors.Errorf("protocol: length-payload frame out of range: %d bytes", n)
	}
	buf := make([]byte, 0, 1+n+1)
	buf = append(buf, byte(n-1))
	buf = append(buf, payload...)
	buf = append(buf, checksum(buf))
	return buf, nil
}

// EncodeReadLengthFrame builds the single-byte-count length frame used by
// read_memory: [N-1, (N-1)^0xFF]. This is the "count, not payload" variant
// described in AN3155 for READ_MEMORY's second sub-frame.
func EncodeReadLengthFrame(n int) ([]byte, error) {
	if n < 1 || n > MaxPayload {
		return nil, errors.Errorf("protocol: read length out of range: %d", n)
	}
	c := byte(n - 1)
	return []byte{c, c ^ 0xFF}, nil
}

// EncodeStandardEraseList builds a standard ERASE page-list frame for the
// given 0-based page indices: [N-1, pages..., XOR]. An empty list means
// mass erase (sentinel 0xFF 0x00).
func EncodeStandardEraseList(pages []byte) []byte {
	if len(pages) == 0 {
		return []byte{0xFF, 0x00}
	}
	buf := make([]byte, 0, 1+len(pages)+1)
	buf = append(buf, byte(len(pages)-1))
	buf = append(buf, pages...)
	buf = append(buf, checksum(buf))
	return buf
}

// Extended-erase sentinels, AN3155 §3.5.
const (
	ExtendedEraseMassErase uint16 = 0xFFFF
	ExtendedEraseBank1     uint16 = 0xFFFE
	ExtendedEraseBank2     uint16 = 0xFFFD
)

// EncodeExtendedEraseList builds an EXTENDED_ERASE page-list frame:
// [N-1 (u16 BE), pages... (u16 BE each), XOR]. Pass a single sentinel value
// in pages to request mass/bank erase instead of individual sectors.
func EncodeExtendedEraseList(pages []uint16) []byte {
	if len(pages) == 1 && isExtendedEraseSentinel(pages[0]) {
		buf := []byte{byte(pages[0] >> 8), byte(pages[0])}
		return append(buf, checksum(buf))
	}
	buf := make([]byte, 0, 2+len(pages)*2+1)
	n := uint16(len(pages) - 1)
	buf = append(buf, byte(n>>8), byte(n))
	for _, p := range pages {
		buf = append(buf, byte(p>>8), byte(p))
	}
	buf = append(buf, checksum(buf))
	return buf
}

func isExtendedEraseSentinel(v uint16) bool {
	return v == ExtendedEraseMassErase || v == ExtendedEraseBank1 || v == ExtendedEraseBank2
}

// DecodeAck interprets a single response byte. Any byte other than ACK/NACK
// is ErrGarbage; the caller (command layer) decides whether to drain and
// retry.
func DecodeAck(b byte) (ack bool, err error) {
	switch b {
	case ACK:
		return true, nil
	case NACK:
		return false, nil
	default:
		return false, ErrGarbage
	}
}
