// Package fleet drives programming across a list of targets sharing one
// transport (component C8). It builds the chunk plan once, before any bus
// activity, then sequences session.Run across targets, collecting a
// per-target outcome instead of aborting the whole run on one target's
// failure.
//
// Grounded on OpenChirp-ccboot's top-level Flash loop (iterate devices,
// program each, collect results), generalized with the upfront
// plan-before-bus-activity ordering spec §7 requires for PlanError.
package fleet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FT9R/stm32-uart-prog/image"
	"github.com/FT9R/stm32-uart-prog/mcu"
	"github.com/FT9R/stm32-uart-prog/plan"
	"github.com/FT9R/stm32-uart-prog/session"
	"github.com/FT9R/stm32-uart-prog/xfer"
)

// Report is the fleet-wide outcome: one session.Result per target, in the
// order targets were given.
type Report struct {
	Results []session.Result
}

// Failed returns the targets whose session ended in StateFailed.
func (r Report) Failed() []session.Result {
	var out []session.Result
	for _, res := range r.Results {
		if res.State == session.StateFailed {
			out = append(out, res)
		}
	}
	return out
}

// Run builds the plan once against desc (mcu.Default() when the caller has
// not identified a family ahead of time), then programs every target in
// turn over port, pausing cfg.InterTargetDelay between targets. A plan
// error aborts before any target is touched, matching spec §7's
// PlanError semantics; it never opens the bus.
func Run(ctx context.Context, port *xfer.Port, targets []session.TargetID, hooks session.Hooks, img *image.Image, desc *mcu.Descriptor, cfg session.Config, log *logrus.Logger) (Report, error) {
	p, err := plan.Build(img, desc)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i, target := range targets {
		entry := log.WithField("target", target)
		entry.WithField("chunks", p.TotalChunks()).Info("starting target")

		res := session.Run(ctx, port, target, targets, hooks, p, desc, cfg, entry)
		report.Results = append(report.Results, res)

		if res.State == session.StateFailed {
			entry.WithError(res.Err).Error("target failed")
		} else {
			entry.Info("target done")
		}
		for _, w := range res.Warnings {
			entry.Warn(w)
		}

		if ctx.Err() != nil {
			break
		}
		if i < len(targets)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.InterTargetDelay):
			}
		}
	}

	return report, nil
}
