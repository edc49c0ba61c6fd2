// Package eventmanager implements the timer-wheel scheduler that the
// Data Link's retransmit timers and Port0's periodic RPCs are built on
// (spec.md §6). The heap of pending events is guarded by a mutex, so
// Schedule and Cancel may be called from any goroutine; callbacks fire
// from Process on whichever goroutine calls it (cmd/fbpd drives it from
// one ticker goroutine).
package eventmanager

import (
	"container/heap"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/librescoot/fitterbap-go/pkg/fbperr"
	"github.com/librescoot/fitterbap-go/pkg/fbptime"
)

// Callback is invoked when a scheduled event fires. now is the manager's
// current timestamp at the moment of firing, user is the opaque value
// passed to Schedule.
type Callback func(now fbptime.Timestamp, user interface{})

// EventID identifies a scheduled event for Cancel. The zero value is
// never a valid ID (schedule failures return it, matching the §6
// contract of "event_id | 0").
type EventID string

type event struct {
	id    EventID
	at    fbptime.Timestamp
	cb    Callback
	user  interface{}
	index int
}

type eventHeap []*event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Manager is the event-manager collaborator of spec.md §6.
type Manager struct {
	counter fbptime.Counter
	log     *log.Logger

	mu     sync.Mutex
	heap   eventHeap
	byID   map[EventID]*event
}

// New creates a Manager driven by the given Counter. logger may be nil,
// in which case log.Default() is used (matching the teacher's reliance
// on the package-level logger when no logger is threaded through).
func New(counter fbptime.Counter, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		counter: counter,
		log:     logger,
		byID:    make(map[EventID]*event),
	}
}

// Schedule registers cb to fire at timestamp ts. Returns 0 (EventID(""))
// on invalid parameters, matching the "event_id | 0" contract.
func (m *Manager) Schedule(ts fbptime.Timestamp, cb Callback, user interface{}) EventID {
	if cb == nil {
		m.log.Printf("eventmanager: Schedule called with nil callback")
		return ""
	}
	e := &event{id: EventID(uuid.New().String()), at: ts, cb: cb, user: user}

	m.mu.Lock()
	heap.Push(&m.heap, e)
	m.byID[e.id] = e
	m.mu.Unlock()

	return e.id
}

// Cancel removes a previously scheduled event. Returns fbperr.ErrNotFound
// if id is unknown or already fired.
func (m *Manager) Cancel(id EventID) error {
	if id == "" {
		return fbperr.ErrParameterInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return fbperr.ErrNotFound
	}
	heap.Remove(&m.heap, e.index)
	delete(m.byID, id)
	return nil
}

// Timestamp returns the manager's current 34Q30 time.
func (m *Manager) Timestamp() fbptime.Timestamp {
	return m.counter.Now()
}

// IntervalNext returns the delay until the next scheduled event relative
// to now, or (0, false) if no events are pending (the Go stand-in for
// "infinity"). An overdue event yields (0, true).
func (m *Manager) IntervalNext(now fbptime.Timestamp) (delay fbptime.Timestamp, hasEvent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.heap) == 0 {
		return 0, false
	}
	next := m.heap[0].at
	if next <= now {
		return 0, true
	}
	return next - now, true
}

// Process fires every event whose deadline is <= now, in deadline order,
// and returns how many fired. Callbacks run on the caller's goroutine.
func (m *Manager) Process(now fbptime.Timestamp) int {
	var fired []*event

	m.mu.Lock()
	for len(m.heap) > 0 && m.heap[0].at <= now {
		e := heap.Pop(&m.heap).(*event)
		delete(m.byID, e.id)
		fired = append(fired, e)
	}
	m.mu.Unlock()

	for _, e := range fired {
		e.cb(now, e.user)
	}
	return len(fired)
}

// Pending reports the number of scheduled-but-not-fired events, mainly
// for tests and metrics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}
