// Package session implements the per-target state machine (component C7):
// connect, handshake, identify, program sector-by-sector, and release.
//
// The erase/write/verify retry ladder is grounded on the original
// stm32_uart_prog.main.program_hex loop (erase-with-retries, then
// write-then-read-verify-with-retries, escalating to a sector re-erase
// when chunk retries are exhausted) and on
// stm32_uart_prog.bootloader.STM32BL._read_ack's probe-and-resync
// behavior. The session-restart-on-persistent-protocol-error path is
// grounded on spec §4.7's explicit statement that a successful
// transport.Reopen does not reset bootloader state.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/FT9R/stm32-uart-prog/mcu"
	"github.com/FT9R/stm32-uart-prog/plan"
	"github.com/FT9R/stm32-uart-prog/protocol"
	"github.com/FT9R/stm32-uart-prog/stmerr"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

// TargetID is the opaque, application-level bus address. The core treats
// it as an uninterpreted value; buscontrol happens to encode it as a
// 16-bit field in its control frame.
type TargetID uint16

// Hooks is the entire boundary between the generic core and the caller's
// bus topology (spec §6). The three methods are the "user must supply
// this" contract, explicit at the type level per the §9 design note.
type Hooks interface {
	BeQuiet(targets []TargetID) error
	EnterBootloader(target TargetID) error
	ReleaseAll() error
}

// State is a SessionState value from spec §3.
type State int

const (
	StateIdle State = iota
	StateSilenced
	StateBootloaderEntered
	StateHandshaked
	StateIdentified
	StateErasing
	StateWriting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSilenced:
		return "Silenced"
	case StateBootloaderEntered:
		return "BootloaderEntered"
	case StateHandshaked:
		return "Handshaked"
	case StateIdentified:
		return "Identified"
	case StateErasing:
		return "Erasing"
	case StateWriting:
		return "Writing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config holds the attempt ceilings and timing from spec §4.7/§6.
type Config struct {
	RetriesCmd            int // R_cmd, forwarded to protocol.Device
	RetriesErase          int // R_erase
	RetriesChunk          int // R_chunk
	RetriesSectorRecover  int // R_sector_recover
	SessionRestartCeiling int
	InterTargetDelay      time.Duration
	RunApplication        bool // the spec §9 "--no-go" default is false
	StartAddress          uint32
	Timeouts              protocol.Timeouts
}

// DefaultConfig matches the defaults named throughout spec §4.3/§4.7/§5.
func DefaultConfig() Config {
	return Config{
		RetriesCmd:            3,
		RetriesErase:          3,
		RetriesChunk:          3,
		RetriesSectorRecover:  2,
		SessionRestartCeiling: 2,
		InterTargetDelay:      50 * time.Millisecond,
		RunApplication:        false,
		StartAddress:          0x08000000,
		Timeouts:              protocol.DefaultTimeouts(),
	}
}

// Result is the terminal, reportable outcome of one target's session.
type Result struct {
	Target        TargetID
	State         State // StateDone or StateFailed
	Err           error
	FailedSector  int // -1 if not applicable
	FailedPage    int // -1 if not applicable
	Warnings      []string
	SessionRetries int
}

// Run drives one target's session to completion. port is lent exclusively
// to this session for its duration; the fleet driver owns serializing
// calls to Run across targets.
func Run(ctx context.Context, port *xfer.Port, target TargetID, allTargets []TargetID, hooks Hooks, p *plan.Plan, desc *mcu.Descriptor, cfg Config, log *logrus.Entry) Result {
	res := Result{Target: target, FailedSector: -1, FailedPage: -1}

	if err := hooks.BeQuiet(allTargets); err != nil {
		res.State = StateFailed
		res.Err = wrapHook(err, "be_quiet")
		return res
	}

	for restart := 0; ; restart++ {
		if ctx.Err() != nil {
			res.State = StateFailed
			res.Err = stmerr.ErrCancelled
			_ = hooks.ReleaseAll()
			return res
		}

		if err := hooks.EnterBootloader(target); err != nil {
			res.State = StateFailed
			res.Err = wrapHook(err, "enter_bootloader")
			_ = hooks.ReleaseAll()
			return res
		}

		outcome := runOnce(ctx, port, p, desc, cfg, log)
		res.Warnings = append(res.Warnings, outcome.warnings...)

		if outcome.needsRestart && restart < cfg.SessionRestartCeiling {
			log.WithField("restart", restart+1).Warn("persistent protocol error, restarting session")
			res.SessionRetries++
			continue
		}

		res.State = outcome.state
		res.Err = outcome.err
		if outcome.needsRestart {
			res.State = StateFailed
			res.Err = errors.Errorf("session restart ceiling (%d) reached on persistent transport errors", cfg.SessionRestartCeiling)
		}
		res.FailedSector = outcome.failedSector
		res.FailedPage = outcome.failedPage
		break
	}

	_ = hooks.ReleaseAll()
	return res
}

func wrapHook(err error, which string) error {
	return &hookError{cause: err, which: which}
}

type hookError struct {
	cause error
	which string
}

func (e *hookError) Error() string { return e.which + ": " + e.cause.Error() }
func (e *hookError) Unwrap() error { return stmerr.ErrHook }
func (e *hookError) Cause() error  { return e.cause }

type runResult struct {
	state        State
	err          error
	failedSector int
	failedPage   int
	needsRestart bool
	warnings     []string
}

// runOnce executes steps 3 through 6 of spec §4.7 (handshake through the
// optional go) once; releasing the bus is left to Run. It never restarts itself — persistent protocol errors
// are reported via needsRestart for Run's outer loop to act on.
func runOnce(ctx context.Context, port *xfer.Port, p *plan.Plan, desc *mcu.Descriptor, cfg Config, log *logrus.Entry) runResult {
	dev := protocol.NewDevice(port, cfg.Timeouts, cfg.RetriesCmd)
	res := runResult{failedSector: -1, failedPage: -1}

	strayByte, err := dev.Sync()
	if err != nil {
		return restartOrFail(res, err, "sync")
	}
	if strayByte {
		res.warnings = append(res.warnings, "sync() received NACK: bootloader may already be synced, or a stray byte preceded sync — continuing")
	}

	if err := dev.Get(); err != nil {
		return restartOrFail(res, err, "get")
	}

	pid, err := dev.GetID()
	if err != nil {
		return restartOrFail(res, err, "get_id")
	}
	if pid != desc.PID {
		res.state = StateFailed
		res.err = mcu.ErrUnsupportedDevice
		return res
	}

	useExtended := desc.Erase == mcu.EraseExtended && dev.SupportedCommands[protocol.CmdExtendedErase]

	for _, sectorIdx := range p.Sectors {
		if ctx.Err() != nil {
			res.state = StateFailed
			res.err = stmerr.ErrCancelled
			return res
		}

		if outcome := programSector(ctx, dev, p, desc, sectorIdx, useExtended, cfg, log); outcome != nil {
			return *outcome
		}
	}

	if cfg.RunApplication {
		if err := dev.Go(cfg.StartAddress); err != nil {
			log.WithError(err).Warn("go() failed; application may not have started")
			res.warnings = append(res.warnings, "go() did not receive confirmation")
		}
	}

	res.state = StateDone
	return res
}

// programSector erases sectorIdx and writes/verifies every chunk in it,
// implementing spec §4.7 step 5's full retry ladder. It returns nil on
// success, or a terminal/needs-restart runResult otherwise.
func programSector(ctx context.Context, dev *protocol.Device, p *plan.Plan, desc *mcu.Descriptor, sectorIdx int, useExtended bool, cfg Config, log *logrus.Entry) *runResult {
	chunks := p.ChunksInSector(sectorIdx)

	for attemptNum := 0; attemptNum <= cfg.RetriesSectorRecover; attemptNum++ {
		erased := false
		var eraseErr error
		for attempt := 0; attempt < cfg.RetriesErase; attempt++ {
			if ctx.Err() != nil {
				return &runResult{state: StateFailed, err: stmerr.ErrCancelled, failedSector: sectorIdx, failedPage: -1}
			}
			eraseErr = eraseAndCheck(dev, desc, sectorIdx, useExtended)
			if eraseErr == nil {
				erased = true
				break
			}
			if needsSessionRestart(eraseErr) {
				return &runResult{needsRestart: true, failedSector: sectorIdx, failedPage: -1}
			}
			log.WithFields(logrus.Fields{"sector": sectorIdx, "attempt": attempt + 1}).Warn("erase attempt failed")
		}
		if !erased {
			if attemptNum == cfg.RetriesSectorRecover {
				return &runResult{state: StateFailed, err: errors.Wrap(stmerr.ErrSectorUnrecoverable, eraseErr.Error()), failedSector: sectorIdx, failedPage: -1}
			}
			continue
		}

		ok, failedPage, werr := writeChunks(ctx, dev, chunks, cfg, log, sectorIdx)
		if ok {
			return nil
		}
		if werr != nil && needsSessionRestart(werr) {
			return &runResult{needsRestart: true, failedSector: sectorIdx, failedPage: failedPage}
		}
		if attemptNum == cfg.RetriesSectorRecover {
			return &runResult{state: StateFailed, err: stmerr.ErrSectorUnrecoverable, failedSector: sectorIdx, failedPage: failedPage}
		}
		log.WithField("sector", sectorIdx).Warn("chunk retries exhausted, re-erasing sector")
	}

	return &runResult{state: StateFailed, err: stmerr.ErrSectorUnrecoverable, failedSector: sectorIdx, failedPage: -1}
}

func eraseAndCheck(dev *protocol.Device, desc *mcu.Descriptor, sectorIdx int, useExtended bool) error {
	var err error
	if useExtended {
		err = dev.ExtendedErase(uint16(sectorIdx))
	} else {
		err = dev.Erase(byte(sectorIdx))
	}
	if err != nil {
		return err
	}

	sector := desc.Sectors[sectorIdx]
	if err := assertErased(dev, sector.Start, desc.MaxPayload); err != nil {
		return err
	}
	lastPageStart := sector.Start + sector.Size - uint32(desc.MaxPayload)
	if lastPageStart != sector.Start {
		if err := assertErased(dev, lastPageStart, desc.MaxPayload); err != nil {
			return err
		}
	}
	return nil
}

func assertErased(dev *protocol.Device, addr uint32, n int) error {
	data, err := dev.ReadMemory(addr, n)
	if err != nil {
		return err
	}
	for _, b := range data {
		if b != 0xFF {
			return stmerr.ErrEraseCheckFailed
		}
	}
	return nil
}

// writeChunks writes and verifies every chunk in a sector, applying R_chunk
// retries per chunk. It returns ok=true only if every chunk verified.
func writeChunks(ctx context.Context, dev *protocol.Device, chunks []plan.Chunk, cfg Config, log *logrus.Entry, sectorIdx int) (ok bool, failedPage int, err error) {
	for _, c := range chunks {
		verified := false
		var lastErr error
		for attempt := 0; attempt < cfg.RetriesChunk; attempt++ {
			if ctx.Err() != nil {
				return false, c.PageIndex, stmerr.ErrCancelled
			}
			if werr := dev.WriteMemory(c.Address, c.Bytes); werr != nil {
				lastErr = werr
				if needsSessionRestart(werr) {
					return false, c.PageIndex, werr
				}
				log.WithFields(logrus.Fields{"sector": sectorIdx, "chunk": c.PageIndex, "attempt": attempt + 1}).Warn("write_memory failed")
				continue
			}
			readBack, rerr := dev.ReadMemory(c.Address, len(c.Bytes))
			if rerr != nil {
				lastErr = rerr
				if needsSessionRestart(rerr) {
					return false, c.PageIndex, rerr
				}
				log.WithFields(logrus.Fields{"sector": sectorIdx, "chunk": c.PageIndex, "attempt": attempt + 1}).Warn("read-back failed")
				continue
			}
			if !bytesEqual(readBack, c.Bytes) {
				lastErr = stmerr.ErrVerifyMismatch
				log.WithFields(logrus.Fields{"sector": sectorIdx, "chunk": c.PageIndex, "attempt": attempt + 1}).Warn("verify mismatch")
				continue
			}
			verified = true
			break
		}
		if !verified {
			return false, c.PageIndex, lastErr
		}
	}
	return true, -1, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// needsSessionRestart reports whether err is a persistent transport-layer
// failure (one that survived protocol.Device's own R_cmd retries) rather
// than a command-level rejection or verify/erase-check failure. Per spec
// §4.7, such failures mean the bootloader's command stream has desynced in
// a way retrying the same command cannot fix, so the whole session
// restarts from "enter bootloader" instead.
func needsSessionRestart(err error) bool {
	return stmerr.IsRetryableTransport(err)
}

func restartOrFail(res runResult, err error, step string) runResult {
	if needsSessionRestart(err) {
		res.needsRestart = true
		return res
	}
	res.state = StateFailed
	res.err = errors.Wrap(err, step)
	return res
}
