package main

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/FT9R/stm32-uart-prog/session"
)

// targetSpec implements pflag.Value so --targets accepts spec.md's exact
// syntax: a comma-separated list of single IDs and inclusive ranges, e.g.
// "1,3-5,8", matching the original CLI's range semantics (arg_parser.py)
// rather than a bare repeatable-int-slice flag.
type targetSpec struct {
	raw     string
	targets []session.TargetID
}

func (t *targetSpec) String() string { return t.raw }
func (t *targetSpec) Type() string   { return "targetSpec" }

func (t *targetSpec) Set(s string) error {
	var out []session.TargetID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return errors.Errorf("invalid target range %q: %v", part, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return errors.Errorf("invalid target range %q: %v", part, err)
			}
			if hiN < loN {
				return errors.Errorf("invalid target range %q: end before start", part)
			}
			for n := loN; n <= hiN; n++ {
				out = append(out, session.TargetID(n))
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return errors.Errorf("invalid target id %q: %v", part, err)
		}
		out = append(out, session.TargetID(n))
	}
	if len(out) == 0 {
		return errors.New("--targets must name at least one target")
	}
	t.raw = s
	t.targets = out
	return nil
}
