package detect

import (
	"time"
)

// scoreItem is one feature vector queued for scoring, tagged with its flow
// identity so the alert can be attributed.
type scoreItem struct {
	key FlowKey
	vec []float64
	ts  float64
}

// MicroBatcher accumulates feature vectors in a bounded buffer and decides
// when a batch is due: either the buffer is full, or the batch timeout has
// elapsed since the first vector entered.
type MicroBatcher struct {
	size    int
	timeout time.Duration

	items []scoreItem
	timer *time.Timer
}

// NewMicroBatcher creates a batcher with the given capacity and timeout.
func NewMicroBatcher(size int, timeout time.Duration) *MicroBatcher {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &MicroBatcher{
		size:    size,
		timeout: timeout,
		items:   make([]scoreItem, 0, size),
	}
}

// Add buffers an item. It returns a complete batch when the buffer fills.
func (mb *MicroBatcher) Add(item scoreItem) ([]scoreItem, bool) {
	if len(mb.items) == 0 {
		if mb.timer == nil {
			mb.timer = time.NewTimer(mb.timeout)
		} else {
			mb.timer.Reset(mb.timeout)
		}
	}
	mb.items = append(mb.items, item)
	if len(mb.items) >= mb.size {
		return mb.Flush(), true
	}
	return nil, false
}

// Deadline exposes the timeout channel armed by the first buffered item.
// It is nil while the buffer is empty, which conveniently disables the
// select case.
func (mb *MicroBatcher) Deadline() <-chan time.Time {
	if mb.timer == nil || len(mb.items) == 0 {
		return nil
	}
	return mb.timer.C
}

// Flush drains and returns the buffered items.
func (mb *MicroBatcher) Flush() []scoreItem {
	if mb.timer != nil {
		if !mb.timer.Stop() {
			select {
			case <-mb.timer.C:
			default:
			}
		}
	}
	batch := mb.items
	mb.items = make([]scoreItem, 0, mb.size)
	return batch
}

// Len reports the number of buffered items.
func (mb *MicroBatcher) Len() int {
	return len(mb.items)
}
