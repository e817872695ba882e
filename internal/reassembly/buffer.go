// Package reassembly implements the client's out-of-order reassembly
// buffer: the admission gate, slot placement, and in-order flush to the
// output file described in SPEC_FULL.md §4.7 steps 5-13.
package reassembly

import (
	"io"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/segment"
	"github.com/ventosilenzioso/udpft/internal/stats"
)

// Outcome reports what Ingest did with one received segment, so the
// receiver loop knows whether and what to ACK.
type Outcome struct {
	// Ack is the cumulative ACK to send, valid whenever ShouldAck is true.
	Ack uint32
	// ShouldAck is false only when the segment was silently dropped by
	// the window admission gate (SPEC_FULL.md §4.7 step 8).
	ShouldAck bool
	// Complete is true once the FIN has been received and every byte up
	// to it has been flushed.
	Complete bool
}

// Buffer is the receiver's sparse reassembly buffer. Unlike the source's
// seq=-1 sentinel embedded in a value type, an empty slot here is simply a
// nil *segment.Segment (SPEC_FULL.md §9, "sparse reassembly").
type Buffer struct {
	initialSeq uint32
	rwnd       int
	stats      *stats.Stats

	slots                   []*segment.Segment
	lastInOrderIndex        int
	lastPacketReceivedIndex int
	finReceived             bool
}

// New returns an empty buffer. rwnd is the receiver's advertised window, in
// segments.
func New(initialSeq uint32, rwnd int, st *stats.Stats) *Buffer {
	return &Buffer{
		initialSeq:              initialSeq,
		rwnd:                    rwnd,
		stats:                   st,
		lastInOrderIndex:        -1,
		lastPacketReceivedIndex: -1,
	}
}

// ExpectedSeq is the next in-order byte-offset sequence number.
func (b *Buffer) ExpectedSeq() uint32 {
	if b.lastInOrderIndex == -1 {
		return b.initialSeq
	}
	last := b.slots[b.lastInOrderIndex]
	return last.Seq + uint32(last.Length())
}

func (b *Buffer) currentAck() uint32 {
	return b.ExpectedSeq()
}

// FinReceived reports whether a FIN-flagged segment has ever been admitted.
func (b *Buffer) FinReceived() bool {
	return b.finReceived
}

// Complete reports whether the transfer is fully reassembled: FIN seen and
// every byte up to it flushed.
func (b *Buffer) Complete() bool {
	return b.finReceived && b.lastInOrderIndex == b.lastPacketReceivedIndex
}

// Ingest admits (or rejects) one received segment and flushes any
// newly-contiguous run of segments to w.
func (b *Buffer) Ingest(seg *segment.Segment, w io.Writer) (Outcome, error) {
	expected := b.ExpectedSeq()

	// Stale-segment shortcut (step 6): a non-FIN segment that starts
	// before what we still need is already accounted for.
	if expected > seg.Seq && !seg.FinFlag {
		b.stats.RecordStaleSegment()
		return Outcome{Ack: expected, ShouldAck: true}, nil
	}

	idx := b.lastInOrderIndex + 1 + int(int64(seg.Seq)-int64(expected))/config.MaxDataSize

	// A duplicate FIN for a slot already flushed: re-assert completion
	// without touching the buffer.
	if idx <= b.lastInOrderIndex {
		if seg.FinFlag {
			b.finReceived = true
		}
		return Outcome{Ack: b.currentAck(), ShouldAck: true, Complete: b.Complete()}, nil
	}

	if idx-b.lastInOrderIndex > b.rwnd {
		b.stats.RecordWindowOverflow()
		return Outcome{ShouldAck: false}, nil
	}

	if seg.FinFlag {
		b.finReceived = true
	}

	b.insert(idx, seg)
	if err := b.flush(w); err != nil {
		return Outcome{}, err
	}

	return Outcome{Ack: b.currentAck(), ShouldAck: true, Complete: b.Complete()}, nil
}

func (b *Buffer) insert(idx int, seg *segment.Segment) {
	if idx > b.lastPacketReceivedIndex {
		for len(b.slots) <= idx {
			b.slots = append(b.slots, nil)
		}
		b.lastPacketReceivedIndex = idx
	}
	cp := *seg
	b.slots[idx] = &cp
}

func (b *Buffer) flush(w io.Writer) error {
	for i := b.lastInOrderIndex + 1; i < len(b.slots) && b.slots[i] != nil; i++ {
		if _, err := w.Write(b.slots[i].Payload); err != nil {
			return err
		}
		b.lastInOrderIndex = i
	}
	return nil
}
