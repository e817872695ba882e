// Package rtt implements the Jacobson/Karels smoothed RTT estimator that
// derives the sender's retransmission timeout.
package rtt

import (
	"math/rand"
	"time"

	"github.com/ventosilenzioso/udpft/internal/config"
)

// Estimator tracks srtt, rttvar and the derived rto, all with microsecond
// resolution internally (exposed as time.Duration).
//
// Karn's algorithm is deliberately not applied: a sample taken from an
// acknowledged retransmission uses the entry's last send time.
type Estimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	rng    *rand.Rand
}

// New returns an estimator seeded with the source's fixed initial values.
func New(rng *rand.Rand) *Estimator {
	return &Estimator{
		srtt:   config.InitialSRTT,
		rttvar: config.InitialRTTVar,
		rto:    config.InitialRTO,
		rng:    rng,
	}
}

// RTO returns the current retransmission timeout.
func (e *Estimator) RTO() time.Duration {
	return e.rto
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Sample folds one new RTT measurement into the estimator, using fixed
// Jacobson/Karels gains (alpha=0.125, beta=0.25).
func (e *Estimator) Sample(measured time.Duration) {
	e.srtt = e.srtt + (measured-e.srtt)/8
	e.rttvar = (e.rttvar*3 + abs(e.srtt-measured)) / 4
	e.rto = e.srtt + 4*e.rttvar

	if e.rto > config.RTOClampCeiling {
		e.rto = time.Duration(e.rng.Int63n(int64(config.RTOClampResetMax)))
	}
}
