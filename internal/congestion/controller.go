// Package congestion implements the TCP-Reno-flavored congestion controller
// described in SPEC_FULL.md §4.4: slow start, congestion avoidance and fast
// recovery, driven by a tagged Phase instead of the source's three booleans.
//
// Several transitions here depart from textbook Reno on purpose, preserved
// verbatim from the original implementation; see DESIGN.md Open Questions.
package congestion

import "github.com/ventosilenzioso/udpft/internal/config"

// Phase is the congestion-control state. Exactly one is active at a time.
type Phase int

const (
	SlowStart Phase = iota
	CongestionAvoidance
	FastRecovery
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "slow_start"
	case CongestionAvoidance:
		return "congestion_avoidance"
	case FastRecovery:
		return "fast_recovery"
	default:
		return "unknown"
	}
}

// Controller holds cwnd, ssthresh and the current phase.
type Controller struct {
	cwnd     int
	ssthresh int
	phase    Phase
}

// New returns a controller seeded with the source's fixed initial values.
func New() *Controller {
	return &Controller{
		cwnd:     config.InitialCwnd,
		ssthresh: config.InitialSsthresh,
		phase:    SlowStart,
	}
}

func (c *Controller) Cwnd() int     { return c.cwnd }
func (c *Controller) Ssthresh() int { return c.ssthresh }
func (c *Controller) Phase() Phase  { return c.phase }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// OnAdvancingAck applies fast recovery's exit action: if currently in
// FAST_RECOVERY, grow cwnd by one and fall through to CONGESTION_AVOIDANCE.
// Called once per ACK that strictly advances send_base, independent of
// whether that ACK also drained the window.
func (c *Controller) OnAdvancingAck() {
	if c.phase == FastRecovery {
		c.cwnd++
		c.phase = CongestionAvoidance
	}
}

// MaybeExitSlowStart performs the SLOW_START -> CONGESTION_AVOIDANCE
// transition check from the transmitter loop: if cwnd has caught up to
// ssthresh while still in slow start, reset cwnd to 1 and ssthresh to 64.
// This reset-on-transition (instead of leaving cwnd at ssthresh, as
// textbook Reno would) is preserved from the source; see DESIGN.md.
func (c *Controller) MaybeExitSlowStart() {
	if c.phase == SlowStart && c.cwnd >= c.ssthresh {
		c.cwnd = 1
		c.ssthresh = 64
		c.phase = CongestionAvoidance
	}
}

// OnWindowDrained applies the per-phase cwnd growth rule for an ACK that
// drained the in-flight window to empty (last_acked_index ==
// last_packet_sent_index). Growth is coarser than per-ACK on purpose:
// preserved from the source.
func (c *Controller) OnWindowDrained() {
	switch c.phase {
	case SlowStart:
		c.cwnd *= 2
	case CongestionAvoidance:
		c.cwnd++
	}
}

// OnTimeout applies the RTO trigger: set ssthresh to half of cwnd (at least
// 1), reset cwnd to 1, and fall back to (or stay in) slow start. It interrupts fast recovery if
// active.
func (c *Controller) OnTimeout() {
	c.ssthresh = maxInt(1, c.cwnd/2)
	c.cwnd = 1
	c.phase = SlowStart
}

// OnTripleDupAck applies the fast-retransmit trigger.
func (c *Controller) OnTripleDupAck() {
	c.cwnd = maxInt(1, c.cwnd/2)
	c.ssthresh = c.cwnd
	c.phase = FastRecovery
}

// SendLimit is the effective in-flight cap for this round: min(rwnd, cwnd).
func (c *Controller) SendLimit(rwnd int) int {
	if rwnd < c.cwnd {
		return rwnd
	}
	return c.cwnd
}
