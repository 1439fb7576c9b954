package session

import (
	"bytes"
	"io"
	"sync"

	"github.com/FT9R/stm32-uart-prog/protocol"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

// simBootloader is an io.ReadWriteCloser test double speaking just enough
// of the AN3155 wire format to drive the scenarios in spec §8: sync,
// get/get_id, read/write/erase/extended-erase, with hooks to inject NACKs,
// verify mismatches, and a one-shot transport closure.
type simBootloader struct {
	mu sync.Mutex
	in bytes.Buffer

	pending []func(data []byte) []byte

	pid         uint16
	flash       map[uint32]byte
	sectorStart map[int]uint32
	sectorSize  map[int]uint32

	writeCount map[uint32]int
	eraseCount map[int]int
	syncCount  int
	reopenCount int

	nackWriteAt      map[uint32]int // remaining NACKs to issue for write_memory at this address
	mismatchReadsAt  map[uint32]int // remaining wrong-byte reads of programmed (non-0xFF) data at this address; erase-check reads of blank flash do not consume it
	closeOnNextWrite bool
	closeAfterAddrWrite uint32 // arms closeOnNextWrite once this address's payload write completes
	closed           bool
}

// closeOnNextWriteAfter arms a one-shot TransportClosed right after addr's
// write_memory payload is acknowledged, so the following low-level Write
// call (the next command's request) fails once, per spec §8 scenario S6.
func (s *simBootloader) closeOnNextWriteAfter(addr uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAfterAddrWrite = addr
}

func newSimBootloader(pid uint16) *simBootloader {
	return &simBootloader{
		pid:             pid,
		flash:           map[uint32]byte{},
		sectorStart:     map[int]uint32{},
		sectorSize:      map[int]uint32{},
		writeCount:      map[uint32]int{},
		eraseCount:      map[int]int{},
		nackWriteAt:     map[uint32]int{},
		mismatchReadsAt: map[uint32]int{},
	}
}

func (s *simBootloader) withSector(idx int, start, size uint32) *simBootloader {
	s.sectorStart[idx] = start
	s.sectorSize[idx] = size
	for a := start; a < start+size; a++ {
		s.flash[a] = 0x00 // unerased
	}
	return s
}

func (s *simBootloader) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.in.Len() == 0 {
		return 0, nil
	}
	return s.in.Read(p)
}

func (s *simBootloader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// reconnect simulates a fresh bootloader-side socket after xfer.Port's
// Reopen: the simulator itself is never actually closed for real (it's a
// value, not a dialer), so Reopen just clears the closed flag.
func (s *simBootloader) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.reopenCount++
}

func (s *simBootloader) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.closeOnNextWrite {
		s.closeOnNextWrite = false
		s.closed = true
		return 0, io.ErrClosedPipe
	}

	if len(s.pending) > 0 {
		step := s.pending[0]
		s.pending = s.pending[1:]
		if resp := step(p); resp != nil {
			s.in.Write(resp)
		}
		return len(p), nil
	}

	if len(p) == 1 && p[0] == protocol.SyncByte {
		s.syncCount++
		s.in.WriteByte(protocol.ACK)
		return len(p), nil
	}

	if len(p) == 2 && p[0]^p[1] == 0xFF {
		s.handleCommand(protocol.CommandID(p[0]))
		return len(p), nil
	}

	return len(p), nil
}

func (s *simBootloader) handleCommand(cmd protocol.CommandID) {
	s.in.WriteByte(protocol.ACK)

	switch cmd {
	case protocol.CmdGet:
		body := append([]byte{0x31, byte(protocol.CmdGet), byte(protocol.CmdGetID), byte(protocol.CmdReadMemory),
			byte(protocol.CmdWriteMemory), byte(protocol.CmdErase), byte(protocol.CmdExtendedErase), byte(protocol.CmdGo)})
		s.in.WriteByte(byte(len(body) - 1))
		s.in.Write(body)
		s.in.WriteByte(protocol.ACK)
	case protocol.CmdGetID:
		s.in.WriteByte(1)
		s.in.WriteByte(byte(s.pid >> 8))
		s.in.WriteByte(byte(s.pid))
		s.in.WriteByte(protocol.ACK)
	case protocol.CmdReadMemory:
		s.pending = append(s.pending, s.stepReadAddress)
	case protocol.CmdWriteMemory:
		s.pending = append(s.pending, s.stepWriteAddress)
	case protocol.CmdErase:
		s.pending = append(s.pending, s.stepStandardEraseList)
	case protocol.CmdExtendedErase:
		s.pending = append(s.pending, s.stepExtendedEraseList)
	case protocol.CmdGo:
		// no further response expected
	}
}

func (s *simBootloader) stepReadAddress(addrFrame []byte) []byte {
	s.pending = append(s.pending, s.stepReadLength(be32(addrFrame)))
	return []byte{protocol.ACK}
}

func (s *simBootloader) stepReadLength(addr uint32) func([]byte) []byte {
	return func(lenFrame []byte) []byte {
		n := int(lenFrame[0]) + 1
		out := []byte{protocol.ACK}
		for i := 0; i < n; i++ {
			a := addr + uint32(i)
			b := s.flash[a]
			if left := s.mismatchReadsAt[a]; left > 0 && b != 0xFF {
				s.mismatchReadsAt[a] = left - 1
				b = b ^ 0xFF
			}
			out = append(out, b)
		}
		return out
	}
}

func (s *simBootloader) stepWriteAddress(addrFrame []byte) []byte {
	addr := be32(addrFrame)
	s.pending = append(s.pending, s.stepWritePayload(addr))
	return []byte{protocol.ACK}
}

func (s *simBootloader) stepWritePayload(addr uint32) func([]byte) []byte {
	return func(frame []byte) []byte {
		n := int(frame[0]) + 1
		payload := frame[1 : 1+n]

		s.writeCount[addr]++
		if left := s.nackWriteAt[addr]; left > 0 {
			s.nackWriteAt[addr] = left - 1
			return []byte{protocol.NACK}
		}
		for i, b := range payload {
			s.flash[addr+uint32(i)] = b
		}
		if s.closeAfterAddrWrite == addr {
			s.closeAfterAddrWrite = 0
			s.closeOnNextWrite = true
		}
		return []byte{protocol.ACK}
	}
}

func (s *simBootloader) stepStandardEraseList(frame []byte) []byte {
	s.eraseFrame(frame, 1)
	return []byte{protocol.ACK}
}

func (s *simBootloader) stepExtendedEraseList(frame []byte) []byte {
	s.eraseFrame(frame, 2)
	return []byte{protocol.ACK}
}

// eraseFrame decodes a [N-1, pages..., XOR] (width=1) or
// [N-1(u16), pages(u16)..., XOR] (width=2) frame and erases each listed
// sector to 0xFF.
func (s *simBootloader) eraseFrame(frame []byte, width int) {
	var sectors []int
	if width == 1 {
		if frame[0] == 0xFF {
			return // mass erase sentinel, not exercised by these tests
		}
		for _, b := range frame[1 : len(frame)-1] {
			sectors = append(sectors, int(b))
		}
	} else {
		n := int(frame[0])<<8 | int(frame[1])
		if n == 0xFFFF || n == 0xFFFE || n == 0xFFFD {
			return
		}
		for i := 0; i <= n; i++ {
			off := 2 + i*2
			sectors = append(sectors, int(frame[off])<<8|int(frame[off+1]))
		}
	}
	for _, idx := range sectors {
		s.eraseCount[idx]++
		start, size := s.sectorStart[idx], s.sectorSize[idx]
		for a := start; a < start+size; a++ {
			s.flash[a] = 0xFF
		}
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func newSimPort(sim *simBootloader) *xfer.Port {
	return xfer.Wrap(sim, xfer.DefaultOptions("sim"), func(xfer.Options) (io.ReadWriteCloser, error) {
		sim.reconnect()
		return sim, nil
	})
}
