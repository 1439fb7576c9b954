package session

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/FT9R/stm32-uart-prog/image"
	"github.com/FT9R/stm32-uart-prog/mcu"
	"github.com/FT9R/stm32-uart-prog/plan"
)

// testDescriptor is a one-sector, two-page layout sized to match the 512 B
// image the scenario tests below write, mirroring spec §8's S1-S6 setup
// without pulling in the full 12-sector F405 table.
func testDescriptor() *mcu.Descriptor {
	return &mcu.Descriptor{
		Family:     "test",
		PID:        0x413,
		Sectors:    []mcu.Sector{{Index: 0, Start: 0x08000000, Size: 512}},
		PageSize:   256,
		Erase:      mcu.EraseExtended,
		FlashLo:    0x08000000,
		FlashHi:    0x08000200,
		MaxPayload: 256,
	}
}

// buildTestPlan populates a 512 B image of 0xAA starting at desc's sole
// sector and plans it, failing the test on any planning error.
func buildTestPlan(t *testing.T, desc *mcu.Descriptor) *plan.Plan {
	t.Helper()
	img := image.New()
	base := desc.Sectors[0].Start
	for i := uint32(0); i < 512; i++ {
		if err := img.Set(base+i, 0xAA); err != nil {
			t.Fatalf("image.Set: %v", err)
		}
	}
	p, err := plan.Build(img, desc)
	if err != nil {
		t.Fatalf("plan.Build: %v", err)
	}
	return p
}

type noopHooks struct{}

func (noopHooks) BeQuiet([]TargetID) error        { return nil }
func (noopHooks) EnterBootloader(TargetID) error  { return nil }
func (noopHooks) ReleaseAll() error               { return nil }

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestHappyPath(t *testing.T) {
	sim := newSimBootloader(0x413).withSector(0, 0x08000000, 512)
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, DefaultConfig(), silentLog())

	if res.State != StateDone {
		t.Fatalf("expected Done, got %s (%v)", res.State, res.Err)
	}
	if sim.eraseCount[0] != 1 {
		t.Fatalf("expected 1 erase, got %d", sim.eraseCount[0])
	}
	if sim.writeCount[0x08000000] != 1 || sim.writeCount[0x08000100] != 1 {
		t.Fatalf("expected 1 write per chunk, got %v", sim.writeCount)
	}
}

func TestTransientNack(t *testing.T) {
	sim := newSimBootloader(0x413).withSector(0, 0x08000000, 512)
	sim.nackWriteAt[0x08000000] = 1
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, DefaultConfig(), silentLog())

	if res.State != StateDone {
		t.Fatalf("expected Done, got %s (%v)", res.State, res.Err)
	}
	total := sim.writeCount[0x08000000] + sim.writeCount[0x08000100]
	if total != 3 {
		t.Fatalf("expected 3 total writes, got %d", total)
	}
}

func TestVerifyMismatchRecovers(t *testing.T) {
	sim := newSimBootloader(0x413).withSector(0, 0x08000000, 512)
	sim.mismatchReadsAt[0x08000000] = 2
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, DefaultConfig(), silentLog())

	if res.State != StateDone {
		t.Fatalf("expected Done, got %s (%v)", res.State, res.Err)
	}
	if sim.writeCount[0x08000000] != 3 {
		t.Fatalf("expected 3 writes for the mismatching chunk, got %d", sim.writeCount[0x08000000])
	}
}

func TestSectorRecoveryBoundedOnPersistentMismatch(t *testing.T) {
	sim := newSimBootloader(0x413).withSector(0, 0x08000000, 512)
	sim.mismatchReadsAt[0x08000100] = 1 << 20 // never resolves
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	cfg := DefaultConfig()
	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, cfg, silentLog())

	if res.State != StateFailed {
		t.Fatalf("expected Failed, got %s", res.State)
	}
	maxWrites := cfg.RetriesChunk * (1 + cfg.RetriesSectorRecover)
	if sim.writeCount[0x08000100] > maxWrites {
		t.Fatalf("write count %d exceeds bound %d", sim.writeCount[0x08000100], maxWrites)
	}
	maxErases := cfg.RetriesErase * (1 + cfg.RetriesSectorRecover)
	if sim.eraseCount[0] > maxErases {
		t.Fatalf("erase count %d exceeds bound %d", sim.eraseCount[0], maxErases)
	}
}

func TestUnsupportedPID(t *testing.T) {
	sim := newSimBootloader(0x999).withSector(0, 0x08000000, 512)
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, DefaultConfig(), silentLog())

	if res.State != StateFailed {
		t.Fatalf("expected Failed, got %s", res.State)
	}
	if res.Err != mcu.ErrUnsupportedDevice {
		t.Fatalf("expected ErrUnsupportedDevice, got %v", res.Err)
	}
	if sim.eraseCount[0] != 0 {
		t.Fatalf("expected no erase attempted, got %d", sim.eraseCount[0])
	}
}

func TestReopenOnTransportClosed(t *testing.T) {
	sim := newSimBootloader(0x413).withSector(0, 0x08000000, 512)
	port := newSimPort(sim)
	desc := testDescriptor()
	p := buildTestPlan(t, desc)

	sim.closeOnNextWriteAfter(0x08000000) // sever the line right after chunk 0's write_memory ack

	res := Run(context.Background(), port, TargetID(1), []TargetID{1}, noopHooks{}, p, desc, DefaultConfig(), silentLog())

	if res.State != StateDone {
		t.Fatalf("expected Done, got %s (%v)", res.State, res.Err)
	}
	if sim.reopenCount < 1 {
		t.Fatalf("expected at least one reopen, got %d", sim.reopenCount)
	}
}
