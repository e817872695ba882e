// Package sendwindow implements the server's grow-only, index-addressable
// store of in-flight segment metadata. Entries are never removed; a
// retransmission reuses its original entry and only refreshes its send time.
package sendwindow

import "time"

// Entry describes one segment's place in the file and its last send time.
type Entry struct {
	FirstByte  int64
	DataLength int
	SeqNum     uint32
	TimeSent   time.Time
}

// CumulativeEnd is the sequence number one past the last byte this entry
// covers: SeqNum + DataLength.
func (e Entry) CumulativeEnd() uint32 {
	return e.SeqNum + uint32(e.DataLength)
}

// Store is the sliding-window store described in SPEC_FULL.md §4.2.
type Store struct {
	entries []Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Append records a newly first-transmitted segment and returns its index.
func (s *Store) Append(e Entry) int {
	s.entries = append(s.entries, e)
	return len(s.entries) - 1
}

// Get returns the entry at index. It panics on an out-of-range index, since
// the transmitter never addresses an index it has not itself appended.
func (s *Store) Get(index int) Entry {
	return s.entries[index]
}

// UpdateTime refreshes the time_sent of an existing entry, e.g. on
// retransmission.
func (s *Store) UpdateTime(index int, now time.Time) {
	s.entries[index].TimeSent = now
}

// Len reports how many entries have ever been appended.
func (s *Store) Len() int {
	return len(s.entries)
}
