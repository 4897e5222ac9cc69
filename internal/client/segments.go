package client

import (
	"io"

	"github.com/kelindar/bitmap"

	"github.com/Pablu23/Uget/internal/common"
)

// SegmentStore holds the segments of one transfer keyed by sequence.
type SegmentStore struct {
	segments map[uint16][]byte
	received bitmap.Bitmap
	highest  int
	total    int
}

func NewSegmentStore() *SegmentStore {
	return &SegmentStore{
		segments: make(map[uint16][]byte),
		highest:  -1,
	}
}

// Put stores a segment. A later write for the same sequence replaces the
// earlier one.
func (store *SegmentStore) Put(sequence uint16, data []byte) {
	store.segments[sequence] = data
	store.received.Set(uint32(sequence))
	if int(sequence) > store.highest {
		store.highest = int(sequence)
	}
}

func (store *SegmentStore) Has(sequence uint16) bool {
	return store.received.Contains(uint32(sequence))
}

// ExpectTotal records the segment count announced by the sender. Counts
// that do not fit the sequence space are rejected and leave the store
// unchanged.
func (store *SegmentStore) ExpectTotal(total int) bool {
	if total < 0 || total > common.MaxSegments {
		return false
	}
	if total > store.total {
		store.total = total
	}
	return true
}

func (store *SegmentStore) Len() int {
	return len(store.segments)
}

// Expected is the number of segments the transfer should have.
func (store *SegmentStore) Expected() int {
	if store.highest+1 > store.total {
		return store.highest + 1
	}
	return store.total
}

// Missing returns the absent sequences below Expected in ascending order.
func (store *SegmentStore) Missing() []uint16 {
	expected := store.Expected()
	if expected == 0 {
		return nil
	}

	var missing bitmap.Bitmap
	missing.Grow(uint32(expected - 1))
	missing.Ones()
	missing.Xor(store.received)

	lost := make([]uint16, 0)
	missing.Range(func(x uint32) {
		if x < uint32(expected) {
			lost = append(lost, uint16(x))
		}
	})
	return lost
}

// WriteTo writes the segments in sequence order, skipping gaps.
func (store *SegmentStore) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for seq := 0; seq < store.Expected(); seq++ {
		data, ok := store.segments[uint16(seq)]
		if !ok {
			continue
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
