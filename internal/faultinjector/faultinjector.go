// Package faultinjector implements the client-side fault injection harness
// described in SPEC_FULL.md §4.7 step 4: independent random drop and delay
// of received segments, used to exercise the sender's retransmission and
// congestion-control paths in tests.
package faultinjector

import (
	"math/rand"
	"time"

	"github.com/ventosilenzioso/udpft/internal/config"
)

// Injector applies drop and/or delay with independent per-segment
// probability p, matching the source's two independent coin flips.
type Injector struct {
	mode config.ControlMode
	p    float64
	rng  *rand.Rand
}

// New returns an Injector. percent is a percentage, clamped to [0, 100];
// mode selects which of drop/delay (or both, or neither) are active.
func New(mode config.ControlMode, percent int, rng *rand.Rand) *Injector {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Injector{mode: mode, p: float64(percent) / 100.0, rng: rng}
}

// ShouldDrop reports whether this segment should be silently discarded.
func (inj *Injector) ShouldDrop() bool {
	if !inj.mode.DropsEnabled() {
		return false
	}
	return inj.rng.Float64() < inj.p
}

// Delay blocks for a pseudo-random duration in [0, 10) milliseconds when
// delay injection is enabled and its independent coin flip lands.
func (inj *Injector) Delay() {
	if !inj.mode.DelaysEnabled() {
		return
	}
	if inj.rng.Float64() < inj.p {
		time.Sleep(time.Duration(inj.rng.Intn(10)) * time.Millisecond)
	}
}
