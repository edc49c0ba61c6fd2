package pubsub

import "github.com/librescoot/fitterbap-go/pkg/fbperr"

// messageRing is the bounded staging area spec.md §4.4 calls the
// "message ring buffer": Publish copies any non-CONST pointer payload
// into it so the caller's buffer can be reused immediately, and entries
// are freed once Process has dispatched them to every subscriber.
//
// It is modeled as a capacity-bounded FIFO of byte counts rather than a
// literal circular byte array: Process always drains in enqueue order
// and every entry is freed in full, so a true ring of raw bytes would
// buy nothing here beyond what a size-accounted queue already gives.
type messageRing struct {
	capacity int
	used     int
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = 16 * 1024
	}
	return &messageRing{capacity: capacity}
}

// reserve accounts for n bytes of a newly staged payload, returning
// fbperr.ErrNotEnoughMemory if the ring has no room.
func (r *messageRing) reserve(n int) error {
	if r.used+n > r.capacity {
		return fbperr.ErrNotEnoughMemory
	}
	r.used += n
	return nil
}

// release returns n bytes to the ring once an entry has been dispatched.
func (r *messageRing) release(n int) {
	r.used -= n
	if r.used < 0 {
		r.used = 0
	}
}
