// Package transmitter drives the server-side sliding-window transmitter
// loop described in SPEC_FULL.md §4.5–§4.6: windowed send bursts, RTO-based
// retransmission, and cumulative/duplicate ACK processing.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/congestion"
	"github.com/ventosilenzioso/udpft/internal/rtt"
	"github.com/ventosilenzioso/udpft/internal/segment"
	"github.com/ventosilenzioso/udpft/internal/sendwindow"
	"github.com/ventosilenzioso/udpft/internal/stats"
)

// ErrFileTooLarge is returned by New when the file's length does not fit in
// the sequence-number space addressable from InitialSeqNumber.
var ErrFileTooLarge = errors.New("transmitter: file too large for a 32-bit sequence space")

// Options configures behavior beyond the protocol defaults.
type Options struct {
	// InitialSeqNumber is the byte-offset sequence number of the first
	// byte of the transfer. Defaults to config.InitialSeqNumber.
	InitialSeqNumber uint32
	// ReceiveWindow is the peer's advertised rwnd, in segments, mirrored
	// here by configuration convention (see SPEC_FULL.md §9 item 4).
	ReceiveWindow int
	// MaxRetries caps consecutive RTO timeouts with no intervening ACK
	// before the transfer is abandoned. Zero means unlimited, matching
	// the source's default behavior (SPEC_FULL.md §9 item 6). This is an
	// explicit opt-in; it is never enabled unless a caller sets it.
	MaxRetries int
	// Rand backs the RTT estimator's clamp reset. Defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

func (o *Options) setDefaults() {
	if o.InitialSeqNumber == 0 {
		o.InitialSeqNumber = config.InitialSeqNumber
	}
	if o.ReceiveWindow == 0 {
		o.ReceiveWindow = config.DefaultReceiveWindow
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Transmitter owns one file transfer's send-side state for its duration.
type Transmitter struct {
	conn net.PacketConn
	peer net.Addr
	file io.ReaderAt

	fileLength int64
	opts       Options

	window     *sendwindow.Store
	controller *congestion.Controller
	estimator  *rtt.Estimator
	stats      *stats.Stats
	log        *logrus.Entry

	lastPacketSentIndex int
	lastAckedIndex      int
	sendBase            uint32
	dupAckCount         int
}

// New builds a Transmitter ready to serve one file to one peer.
func New(conn net.PacketConn, peer net.Addr, file io.ReaderAt, fileLength int64, st *stats.Stats, log *logrus.Entry, opts Options) (*Transmitter, error) {
	opts.setDefaults()
	if fileLength < 0 || uint64(fileLength) > uint64(^uint32(0))-uint64(opts.InitialSeqNumber) {
		return nil, ErrFileTooLarge
	}

	return &Transmitter{
		conn:                conn,
		peer:                peer,
		file:                file,
		fileLength:          fileLength,
		opts:                opts,
		window:              sendwindow.New(),
		controller:          congestion.New(),
		estimator:           rtt.New(opts.Rand),
		stats:               st,
		log:                 log,
		lastPacketSentIndex: -1,
		lastAckedIndex:      -1,
		sendBase:            opts.InitialSeqNumber,
	}, nil
}

var errReadTimeout = errors.New("transmitter: read timed out")

// Run drives the transmitter loop to completion: it returns nil once every
// byte of the file has been sent and acknowledged, or a non-nil error if the
// context is canceled between send bursts or the retry ceiling (if
// configured) is exceeded.
func (t *Transmitter) Run(ctx context.Context) error {
	startByte := int64(0)
	consecutiveTimeouts := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t.sendBurst(&startByte)

		if startByte > t.fileLength && t.lastAckedIndex == t.lastPacketSentIndex {
			t.log.Info("transfer complete")
			return nil
		}

	waitLoop:
		for {
			seg, err := t.waitForReadable(t.estimator.RTO())
			switch {
			case errors.Is(err, errReadTimeout):
				consecutiveTimeouts++
				if t.opts.MaxRetries > 0 && consecutiveTimeouts > t.opts.MaxRetries {
					return fmt.Errorf("transmitter: exceeded %d consecutive retransmission timeouts", t.opts.MaxRetries)
				}
				t.onTimeout()
				break waitLoop
			case err != nil:
				return fmt.Errorf("transmitter: read failed: %w", err)
			}

			consecutiveTimeouts = 0
			advanced, drained := t.onAck(seg)
			if advanced {
				t.controller.MaybeExitSlowStart()
			}
			if drained {
				t.controller.OnWindowDrained()
				t.stats.SetCongestionState(t.controller.Phase(), t.controller.Cwnd())
				break waitLoop
			}
			// Otherwise keep waiting for the next ACK without re-bursting.
		}
	}
}

// sendBurst emits new segments while the in-flight window has room,
// advancing startByte and the window store. The send limit is computed once
// per burst and reused for both checks in the loop guard, preserving the
// source's double-counted min(rwnd, cwnd) gate (SPEC_FULL.md §9 item 3).
func (t *Transmitter) sendBurst(startByte *int64) {
	limit := t.controller.SendLimit(t.opts.ReceiveWindow)
	sentInBurst := 1

	for (t.lastPacketSentIndex-t.lastAckedIndex) <= limit && sentInBurst <= limit && *startByte <= t.fileLength {
		dataLength := t.fileLength - *startByte
		if dataLength > config.MaxDataSize {
			dataLength = config.MaxDataSize
		}

		if err := t.sendNew(*startByte, int(dataLength)); err != nil {
			t.log.WithError(err).Error("failed to send segment")
			return
		}

		*startByte += config.MaxDataSize
		sentInBurst++
	}
}

func (t *Transmitter) sendNew(firstByte int64, dataLength int) error {
	payload := make([]byte, dataLength)
	if dataLength > 0 {
		if _, err := t.file.ReadAt(payload, firstByte); err != nil && err != io.EOF {
			return fmt.Errorf("reading file at offset %d: %w", firstByte, err)
		}
	}

	seqNum := t.opts.InitialSeqNumber + uint32(firstByte)
	fin := firstByte+int64(dataLength) >= t.fileLength

	now := time.Now()
	index := t.window.Append(sendwindow.Entry{
		FirstByte:  firstByte,
		DataLength: dataLength,
		SeqNum:     seqNum,
		TimeSent:   now,
	})
	t.lastPacketSentIndex = index

	if err := t.writeSegment(segment.NewData(seqNum, payload, fin)); err != nil {
		return err
	}

	t.stats.RecordSend(t.controller.Phase())
	t.log.WithFields(logrus.Fields{"seq": seqNum, "len": dataLength, "fin": fin}).Debug("sent segment")
	return nil
}

func (t *Transmitter) retransmit(index int) error {
	entry := t.window.Get(index)

	payload := make([]byte, entry.DataLength)
	if entry.DataLength > 0 {
		if _, err := t.file.ReadAt(payload, entry.FirstByte); err != nil && err != io.EOF {
			return fmt.Errorf("reading file at offset %d: %w", entry.FirstByte, err)
		}
	}
	fin := entry.FirstByte+int64(entry.DataLength) >= t.fileLength

	t.window.UpdateTime(index, time.Now())

	if err := t.writeSegment(segment.NewData(entry.SeqNum, payload, fin)); err != nil {
		return err
	}

	t.stats.RecordRetransmit(t.controller.Phase())
	t.log.WithFields(logrus.Fields{"seq": entry.SeqNum, "index": index}).Debug("retransmitted segment")
	return nil
}

func (t *Transmitter) writeSegment(s *segment.Segment) error {
	wire, err := segment.Serialize(s)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(wire, t.peer)
	return err
}

// onTimeout applies the RTO trigger: congestion reset, then retransmission
// of every unacknowledged entry with a refreshed send time.
func (t *Transmitter) onTimeout() {
	t.controller.OnTimeout()
	t.stats.RecordTimeout()
	t.stats.SetCongestionState(t.controller.Phase(), t.controller.Cwnd())
	t.log.Warn("retransmission timeout")

	for i := t.lastAckedIndex + 1; i <= t.lastPacketSentIndex; i++ {
		if err := t.retransmit(i); err != nil {
			t.log.WithError(err).Error("failed to retransmit on timeout")
		}
	}
}

// onAck processes exactly one received ACK segment, returning whether it
// strictly advanced send_base and whether the in-flight window is now fully
// drained.
func (t *Transmitter) onAck(seg *segment.Segment) (advanced, drained bool) {
	if !seg.AckFlag {
		return false, false
	}

	switch {
	case seg.Ack == t.sendBase:
		t.dupAckCount++
		if t.dupAckCount == 3 {
			t.fastRetransmit()
			t.dupAckCount = 0
		}
	case seg.Ack > t.sendBase:
		t.sendBase = seg.Ack
		t.dupAckCount = 0
		t.controller.OnAdvancingAck()

		for t.lastAckedIndex+1 <= t.lastPacketSentIndex {
			next := t.lastAckedIndex + 1
			entry := t.window.Get(next)
			if entry.CumulativeEnd() > seg.Ack {
				break
			}
			t.lastAckedIndex = next
			if entry.CumulativeEnd() == seg.Ack {
				t.estimator.Sample(time.Since(entry.TimeSent))
				t.stats.RecordRTTSample(time.Since(entry.TimeSent).Seconds())
			}
		}
		advanced = true
		t.stats.SetCongestionState(t.controller.Phase(), t.controller.Cwnd())
	default:
		// ack < send_base: stale, ignored.
	}

	drained = t.lastAckedIndex == t.lastPacketSentIndex
	return advanced, drained
}

func (t *Transmitter) fastRetransmit() {
	hole := t.lastAckedIndex + 1
	if hole > t.lastPacketSentIndex {
		return
	}

	t.controller.OnTripleDupAck()
	t.stats.RecordTripleDupAck()
	t.stats.SetCongestionState(t.controller.Phase(), t.controller.Cwnd())
	t.log.WithField("index", hole).Warn("fast retransmit on triple duplicate ACK")

	if err := t.retransmit(hole); err != nil {
		t.log.WithError(err).Error("failed to fast-retransmit")
	}
}

// waitForReadable blocks for one incoming datagram from the configured
// peer, honoring timeout. Datagrams from any other source are skipped, and
// datagrams that fail to parse are counted as malformed and skipped, without
// consuming the caller's "process exactly one ACK" budget, as long as time
// remains in the deadline.
func (t *Transmitter) waitForReadable(timeout time.Duration) (*segment.Segment, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errReadTimeout
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		buf := make([]byte, config.MaxPacketSize)
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errReadTimeout
			}
			return nil, err
		}

		if addr.String() != t.peer.String() {
			continue
		}

		seg, err := segment.Parse(buf[:n])
		if err != nil {
			t.stats.RecordMalformed()
			t.log.WithError(err).Debug("dropped malformed datagram")
			continue
		}
		return seg, nil
	}
}
