// Package image implements the sparse address->byte map (component C5)
// that the chunk planner reads from. Population is the external HEX
// reader's job (package ihex implements one); this package only defines
// the read-only contract the core requires: occupied extent, point lookup,
// iteration over maximal contiguous runs, and the 0xFF pad policy for
// holes inside a touched page.
//
// Grounded on the original stm32_uart_prog.bootloader.STM32BL's use of
// IntelHex.tobinarray() with padding=0xFF, generalized here to a real
// sparse map instead of a dense padded array (so a HEX file that only
// touches two distant sectors doesn't force allocating everything between
// them).
package image

import (
	"sort"

	"github.com/pkg/errors"
)

// PadByte is used to fill unmapped addresses inside a touched page.
const PadByte = 0xFF

// Image is an immutable-once-built sparse address->byte map.
type Image struct {
	data map[uint32]byte
}

// New returns an empty image ready for Set calls.
func New() *Image {
	return &Image{data: make(map[uint32]byte)}
}

// Set records the byte at addr. Returns an error if addr was already set,
// since the HEX reader contract (spec §6) treats duplicate addresses as an
// error.
func (im *Image) Set(addr uint32, b byte) error {
	if _, exists := im.data[addr]; exists {
		return errors.Errorf("image: duplicate address 0x%08X", addr)
	}
	im.data[addr] = b
	return nil
}

// Get returns the byte at addr and whether it is mapped.
func (im *Image) Get(addr uint32) (byte, bool) {
	b, ok := im.data[addr]
	return b, ok
}

// Len returns the number of mapped addresses.
func (im *Image) Len() int { return len(im.data) }

// Extent returns the lowest and highest+1 mapped addresses. ok is false
// for an empty image.
func (im *Image) Extent() (lo, hi uint32, ok bool) {
	if len(im.data) == 0 {
		return 0, 0, false
	}
	first := true
	for addr := range im.data {
		if first {
			lo, hi = addr, addr+1
			first = false
			continue
		}
		if addr < lo {
			lo = addr
		}
		if addr+1 > hi {
			hi = addr + 1
		}
	}
	return lo, hi, true
}

// Run is a maximal contiguous occupied byte range [Start, Start+len(Data)).
type Run struct {
	Start uint32
	Data  []byte
}

// Runs returns the image's maximal contiguous occupied ranges, in
// ascending address order.
func (im *Image) Runs() []Run {
	if len(im.data) == 0 {
		return nil
	}
	addrs := make([]uint32, 0, len(im.data))
	for a := range im.data {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var runs []Run
	start := addrs[0]
	data := []byte{im.data[addrs[0]]}
	for i := 1; i < len(addrs); i++ {
		if addrs[i] == addrs[i-1]+1 {
			data = append(data, im.data[addrs[i]])
			continue
		}
		runs = append(runs, Run{Start: start, Data: data})
		start = addrs[i]
		data = []byte{im.data[addrs[i]]}
	}
	runs = append(runs, Run{Start: start, Data: data})
	return runs
}

// TouchedPages returns the sorted, de-duplicated set of page-aligned
// addresses that contain at least one mapped byte, for the given page
// size.
func (im *Image) TouchedPages(pageSize uint32) []uint32 {
	seen := make(map[uint32]bool)
	for addr := range im.data {
		seen[addr-(addr%pageSize)] = true
	}
	pages := make([]uint32, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// PageBytes returns pageSize bytes starting at the page-aligned address
// pageAddr, padding unmapped addresses with PadByte.
func (im *Image) PageBytes(pageAddr, pageSize uint32) []byte {
	out := make([]byte, pageSize)
	for i := uint32(0); i < pageSize; i++ {
		if b, ok := im.data[pageAddr+i]; ok {
			out[i] = b
		} else {
			out[i] = PadByte
		}
	}
	return out
}
