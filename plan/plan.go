// Package plan implements the chunk planner (component C6): it turns a
// sparse image.Image plus an mcu.Descriptor into an ordered Plan of
// page-sized write/verify Chunks, aligned to flash pages and keyed by
// owning sector.
//
// Grounded on the original stm32_uart_prog.main.program_hex's
// "for sector in used_sectors: for i in range(chunks_in_sector)" loop
// shape, hoisted out of the per-target programming loop into a
// precomputed, immutable value per spec §3 ("a plan is derived once per
// target").
package plan

import (
	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/image"
	"github.com/FT9R/stm32-uart-prog/mcu"
	"github.com/FT9R/stm32-uart-prog/stmerr"
)

// Chunk is one page-sized write/verify unit.
type Chunk struct {
	SectorIndex int
	PageIndex   int
	Address     uint32
	Bytes       []byte
}

// Plan is the ordered list of chunks covering exactly the pages the image
// touches: ascending address within a sector, sectors ascending by index.
type Plan struct {
	Chunks  []Chunk
	Sectors []int // dirty sectors, ascending
}

// TotalChunks reports the chunk count, for progress reporting.
func (p *Plan) TotalChunks() int { return len(p.Chunks) }

// ErrPlan is returned (wrapping stmerr.ErrPlan) when the image cannot be
// expressed as a valid plan against the descriptor — fatal for the fleet,
// raised before any bus activity.
var ErrPlan = stmerr.ErrPlan

// Build derives the plan for img against desc. desc must already satisfy
// Descriptor.Validate(); Build re-derives the sector-containment invariant
// per chunk regardless, since that is the property this layer owns.
func Build(img *image.Image, desc *mcu.Descriptor) (*Plan, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrap(ErrPlan, err.Error())
	}

	lo, hi, ok := img.Extent()
	if !ok {
		return nil, errors.Wrap(ErrPlan, "image is empty")
	}
	if lo < desc.FlashLo || hi > desc.FlashHi {
		return nil, errors.Wrapf(ErrPlan, "image range [0x%08X, 0x%08X) exceeds flash window [0x%08X, 0x%08X)",
			lo, hi, desc.FlashLo, desc.FlashHi)
	}

	pages := img.TouchedPages(desc.PageSize)
	plan := &Plan{}
	dirty := map[int]bool{}

	for _, addr := range pages {
		sectorIdx, ok := desc.SectorForAddress(addr)
		if !ok {
			return nil, errors.Wrapf(ErrPlan, "page at 0x%08X is not covered by any flash sector", addr)
		}
		lastByte := addr + desc.PageSize - 1
		endSectorIdx, ok := desc.SectorForAddress(lastByte)
		if !ok || endSectorIdx != sectorIdx {
			return nil, errors.Wrapf(ErrPlan, "page at 0x%08X crosses a sector boundary mid-page", addr)
		}

		sector := desc.Sectors[sectorIdx]
		pageIdx := int((addr - sector.Start) / desc.PageSize)

		plan.Chunks = append(plan.Chunks, Chunk{
			SectorIndex: sectorIdx,
			PageIndex:   pageIdx,
			Address:     addr,
			Bytes:       img.PageBytes(addr, desc.PageSize),
		})
		dirty[sectorIdx] = true
	}

	for i := range desc.Sectors {
		if dirty[i] {
			plan.Sectors = append(plan.Sectors, i)
		}
	}

	return plan, nil
}

// ChunksInSector returns the chunks belonging to sectorIdx, in the plan's
// existing (ascending-address) order.
func (p *Plan) ChunksInSector(sectorIdx int) []Chunk {
	var out []Chunk
	for _, c := range p.Chunks {
		if c.SectorIndex == sectorIdx {
			out = append(out, c)
		}
	}
	return out
}
