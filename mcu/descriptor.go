// Package mcu holds the immutable per-family flash/command descriptors
// (component C4). Selection is keyed by the 12-bit product ID (PID)
// returned by protocol.Device.GetID.
//
// The F405/407/415/417 sector table is lifted directly from
// stm32_uart_prog.bootloader.STM32BL.FLASH_SECTORS (original_source), in
// the same static-table style as bbnote-gostlink/cpus.go's
// supportedStmCpus map — there keyed by device name string, here by PID
// since that is what the bootloader actually reports.
package mcu

import (
	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/stmerr"
)

// Sector is one erasable flash region.
type Sector struct {
	Index int
	Start uint32
	Size  uint32
}

// EraseKind names the erase command variant a family uses. The rest of the
// command set is fixed by AN3155, so descriptors record only this choice.
type EraseKind int

const (
	EraseStandard EraseKind = iota
	EraseExtended
)

// Descriptor is an immutable per-family flash layout plus protocol
// capabilities (spec §3: "descriptors ... are constructed once before
// programming and are read-only").
type Descriptor struct {
	Family     string
	PID        uint16
	Sectors    []Sector
	PageSize   uint32
	Erase      EraseKind
	FlashLo    uint32
	FlashHi    uint32
	MaxPayload int
}

// SectorForAddress returns the index of the sector containing addr, or
// false if addr falls outside every sector.
func (d *Descriptor) SectorForAddress(addr uint32) (int, bool) {
	for _, s := range d.Sectors {
		if addr >= s.Start && addr < s.Start+s.Size {
			return s.Index, true
		}
	}
	return 0, false
}

// Validate enforces the §4.6 planner precondition: page size must divide
// every sector size, and sectors must be contiguous and ascending.
func (d *Descriptor) Validate() error {
	if d.PageSize == 0 {
		return errors.New("mcu: descriptor has zero page size")
	}
	var next uint32
	for i, s := range d.Sectors {
		if s.Index != i {
			return errors.Errorf("mcu: sector %d has out-of-order index %d", i, s.Index)
		}
		if i > 0 && s.Start != next {
			return errors.Errorf("mcu: sector %d is not contiguous with the previous sector", i)
		}
		if s.Size%d.PageSize != 0 {
			return errors.Errorf("mcu: sector %d size %d not divisible by page size %d", i, s.Size, d.PageSize)
		}
		next = s.Start + s.Size
	}
	return nil
}

const f4PageSize = 256

// stm32f40x is the F405/407/415/417 family: 12 sectors (4x16KiB, 1x64KiB,
// 7x128KiB) starting at 0x08000000, PID 0x413, extended erase supported.
var stm32f40x = Descriptor{
	Family: "STM32F405/407/415/417",
	PID:    0x413,
	Sectors: []Sector{
		{0, 0x08000000, 16 * 1024},
		{1, 0x08004000, 16 * 1024},
		{2, 0x08008000, 16 * 1024},
		{3, 0x0800C000, 16 * 1024},
		{4, 0x08010000, 64 * 1024},
		{5, 0x08020000, 128 * 1024},
		{6, 0x08040000, 128 * 1024},
		{7, 0x08060000, 128 * 1024},
		{8, 0x08080000, 128 * 1024},
		{9, 0x080A0000, 128 * 1024},
		{10, 0x080C0000, 128 * 1024},
		{11, 0x080E0000, 128 * 1024},
	},
	PageSize:   f4PageSize,
	Erase:      EraseExtended,
	FlashLo:    0x08000000,
	FlashHi:    0x08100000,
	MaxPayload: 256,
}

var byPID = map[uint16]*Descriptor{
	stm32f40x.PID: &stm32f40x,
}

// ErrUnsupportedDevice is returned by ForPID when no descriptor matches.
var ErrUnsupportedDevice = stmerr.ErrUnsupportedDevice

// ForPID selects the descriptor for a reported product ID. An unknown PID
// aborts the session with ErrUnsupportedDevice per spec §4.4.
func ForPID(pid uint16) (*Descriptor, error) {
	d, ok := byPID[pid]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "PID 0x%03X", pid)
	}
	return d, nil
}

// Default returns the descriptor the fleet driver plans against before any
// target has been identified. Only one family is registered today, so
// "the family we expect" and "the only family we support" coincide; a
// per-target PID mismatch against it surfaces as ErrUnsupportedDevice for
// that target alone, not as a plan-time failure.
func Default() *Descriptor {
	return &stm32f40x
}
