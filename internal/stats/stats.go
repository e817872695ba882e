// Package stats implements the server's packet statistics component as a
// Prometheus collector: counters partitioned by congestion phase, plus RTO
// timeout, duplicate-ACK and malformed-segment counters shared across
// phases.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ventosilenzioso/udpft/internal/congestion"
)

const namespace = "udpft"

// Stats is a prometheus.Collector tracking per-phase send/retransmit
// counts plus the cross-cutting error counters from SPEC_FULL.md §7. It is
// safe for concurrent Collect calls, as prometheus.Collector requires: every
// recording method and Collect hold mu.
type Stats struct {
	mu sync.Mutex

	segmentsSent          map[congestion.Phase]uint64
	segmentsRetransmitted map[congestion.Phase]uint64

	timeouts         uint64
	dupAckTriples    uint64
	malformedDropped uint64
	windowOverflows  uint64
	staleSegments    uint64

	cwnd  float64
	phase congestion.Phase

	rttSamples []float64 // seconds; summarized lazily on Collect
}

// New returns an empty Stats ready to be registered with a
// prometheus.Registry.
func New() *Stats {
	return &Stats{
		segmentsSent:          make(map[congestion.Phase]uint64),
		segmentsRetransmitted: make(map[congestion.Phase]uint64),
	}
}

func (s *Stats) RecordSend(phase congestion.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentsSent[phase]++
}

func (s *Stats) RecordRetransmit(phase congestion.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentsRetransmitted[phase]++
}

func (s *Stats) RecordTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts++
}

func (s *Stats) RecordTripleDupAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dupAckTriples++
}

func (s *Stats) RecordMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedDropped++
}

func (s *Stats) RecordWindowOverflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowOverflows++
}

func (s *Stats) RecordStaleSegment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleSegments++
}

func (s *Stats) RecordRTTSample(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rttSamples = append(s.rttSamples, seconds)
}

func (s *Stats) SetCongestionState(phase congestion.Phase, cwnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.cwnd = float64(cwnd)
}

var (
	segmentsSentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "segments_sent_total"),
		"Total data segments transmitted, by congestion phase.",
		[]string{"phase"}, nil,
	)
	segmentsRetransmittedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "segments_retransmitted_total"),
		"Total data segments retransmitted, by congestion phase.",
		[]string{"phase"}, nil,
	)
	timeoutsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "rto_timeouts_total"),
		"Total retransmission timeouts observed by the transmitter loop.",
		nil, nil,
	)
	dupAckTriplesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "fast_retransmits_total"),
		"Total fast retransmits triggered by triple duplicate ACKs.",
		nil, nil,
	)
	malformedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "malformed_segments_total"),
		"Total datagrams dropped for failing to parse.",
		nil, nil,
	)
	windowOverflowDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "window_overflows_total"),
		"Total segments dropped by the receiver's window admission gate.",
		nil, nil,
	)
	staleSegmentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "stale_segments_total"),
		"Total segments the receiver identified as already-acknowledged.",
		nil, nil,
	)
	cwndDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "cwnd_segments"),
		"Current congestion window, in segments.",
		nil, nil,
	)
	phaseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "congestion_phase"),
		"1 for the currently active congestion phase, 0 otherwise.",
		[]string{"phase"}, nil,
	)
	rttSecondsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "rtt_seconds"),
		"Observed RTT samples, in seconds.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- segmentsSentDesc
	ch <- segmentsRetransmittedDesc
	ch <- timeoutsDesc
	ch <- dupAckTriplesDesc
	ch <- malformedDesc
	ch <- windowOverflowDesc
	ch <- staleSegmentDesc
	ch <- cwndDesc
	ch <- phaseDesc
	ch <- rttSecondsDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, phase := range []congestion.Phase{congestion.SlowStart, congestion.CongestionAvoidance, congestion.FastRecovery} {
		ch <- prometheus.MustNewConstMetric(segmentsSentDesc, prometheus.CounterValue, float64(s.segmentsSent[phase]), phase.String())
		ch <- prometheus.MustNewConstMetric(segmentsRetransmittedDesc, prometheus.CounterValue, float64(s.segmentsRetransmitted[phase]), phase.String())

		active := 0.0
		if phase == s.phase {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(phaseDesc, prometheus.GaugeValue, active, phase.String())
	}

	ch <- prometheus.MustNewConstMetric(timeoutsDesc, prometheus.CounterValue, float64(s.timeouts))
	ch <- prometheus.MustNewConstMetric(dupAckTriplesDesc, prometheus.CounterValue, float64(s.dupAckTriples))
	ch <- prometheus.MustNewConstMetric(malformedDesc, prometheus.CounterValue, float64(s.malformedDropped))
	ch <- prometheus.MustNewConstMetric(windowOverflowDesc, prometheus.CounterValue, float64(s.windowOverflows))
	ch <- prometheus.MustNewConstMetric(staleSegmentDesc, prometheus.CounterValue, float64(s.staleSegments))
	ch <- prometheus.MustNewConstMetric(cwndDesc, prometheus.GaugeValue, s.cwnd)

	var rttSum float64
	rttBuckets := make(map[float64]uint64, len(prometheus.DefBuckets))
	for _, sample := range s.rttSamples {
		rttSum += sample
		for _, upper := range prometheus.DefBuckets {
			if sample <= upper {
				rttBuckets[upper]++
			}
		}
	}
	ch <- prometheus.MustNewConstHistogram(rttSecondsDesc, uint64(len(s.rttSamples)), rttSum, rttBuckets)
}
