// Package timesync derives a clock offset and round-trip delay estimate
// from a port0.TimeSync exchange, using the same four-timestamp
// midpoint formula NTP uses. It is a pure function of timestamps, with
// no I/O of its own — port0 owns the wire exchange.
package timesync

import "github.com/librescoot/fitterbap-go/pkg/fbptime"

// Sample is the four 34Q30 timestamps a single TIMESYNC round trip
// produces: srcTx when the request left, tgtRx/tgtTx when the peer
// received/replied, and dstRx when the response arrived back here.
type Sample struct {
	SrcTx fbptime.Timestamp
	TgtRx fbptime.Timestamp
	TgtTx fbptime.Timestamp
	DstRx fbptime.Timestamp
}

// Estimate is the derived offset and round-trip delay.
type Estimate struct {
	// Offset is how far ahead the peer's clock is of ours (add it to a
	// local timestamp to convert to peer time).
	Offset fbptime.Timestamp
	Delay  fbptime.Timestamp
}

// Compute applies the NTP midpoint formula. Returns false if both
// peer timestamps are zero, meaning "UTC unknown" per spec.md §6.
func Compute(s Sample) (Estimate, bool) {
	if s.TgtRx == 0 && s.TgtTx == 0 {
		return Estimate{}, false
	}
	offset := ((s.TgtRx - s.SrcTx) + (s.TgtTx - s.DstRx)) / 2
	delay := (s.DstRx - s.SrcTx) - (s.TgtTx - s.TgtRx)
	if delay < 0 {
		delay = 0
	}
	return Estimate{Offset: offset, Delay: delay}, true
}

// Estimator keeps a running best (lowest-delay) Estimate across
// multiple samples, the simplest practical filter against asymmetric
// network jitter.
type Estimator struct {
	best    Estimate
	haveAny bool
}

// Update folds in a new sample, keeping it only if it improves on (has
// lower delay than) the current best estimate.
func (e *Estimator) Update(s Sample) (Estimate, bool) {
	est, ok := Compute(s)
	if !ok {
		return e.best, e.haveAny
	}
	if !e.haveAny || est.Delay < e.best.Delay {
		e.best = est
		e.haveAny = true
	}
	return e.best, e.haveAny
}

// Best returns the current best estimate, if any sample has resolved.
func (e *Estimator) Best() (Estimate, bool) {
	return e.best, e.haveAny
}
