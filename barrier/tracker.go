// Package barrier tracks one live round of fingerprint arrivals and resolves
// it into an outcome once every expected participant has reported.
package barrier

import (
	"github.com/replicheck/replicheck/fingerprint"
	"github.com/replicheck/replicheck/log"
)

// Report is one participant's contribution to a round.
type Report struct {
	Instance    int32
	Point       int32
	Fingerprint string
}

// Outcome is the resolution of one round. Arrived preserves arrival order;
// index 0 is the comparison baseline.
type Outcome struct {
	Seq     int64
	Point   int32
	Passed  bool
	Detail  string
	Arrived []Report
}

// PeerFingerprint returns the other participant's fingerprint when exactly
// two arrived, so a two-instance run can verify locally. Empty otherwise.
func (o Outcome) PeerFingerprint(instance int32) string {
	if len(o.Arrived) != 2 {
		return ""
	}
	for _, r := range o.Arrived {
		if r.Instance != instance {
			return r.Fingerprint
		}
	}
	return ""
}

// Tracker accumulates arrivals for the current sync point. It is owned by the
// coordinator's control goroutine; exactly one goroutine ever touches it, so
// it carries no lock.
type Tracker struct {
	logger   log.Logger
	expected int

	seq          int64
	arrived      []Report
	lastResolved int64
	resolvedAny  bool
}

func NewTracker(expected int, logger log.Logger) *Tracker {
	return &Tracker{
		logger:   logger,
		expected: expected,
		arrived:  make([]Report, 0, expected),
	}
}

// Offer records one arrival and resolves the round when it completes.
//
// A report for a different sequence while a round is open resets the round and
// drops the stragglers of the previous one. That loss is deliberate: exactly
// one round is live at a time, and non-lockstep participants surface here as
// a loud warning instead of unbounded buffering.
func (t *Tracker) Offer(seq int64, r Report) (Outcome, bool) {
	if t.resolvedAny && seq == t.lastResolved {
		t.logger.Warnf("instance %d reported for already resolved sync point %d, dropping", r.Instance, seq)
		return Outcome{}, false
	}
	if len(t.arrived) > 0 && seq != t.seq {
		t.logger.Warnf("sync point %d arrived before point %d closed, dropping %d straggler(s)",
			seq, t.seq, len(t.arrived))
		t.arrived = t.arrived[:0]
	}
	if len(t.arrived) == 0 {
		t.seq = seq
	}
	for _, a := range t.arrived {
		if a.Instance == r.Instance {
			t.logger.Warnf("instance %d reported twice for sync point %d, dropping duplicate", r.Instance, seq)
			return Outcome{}, false
		}
	}
	t.arrived = append(t.arrived, r)
	t.logger.Debugf("sync point %d: %d/%d arrived", seq, len(t.arrived), t.expected)
	if len(t.arrived) < t.expected {
		return Outcome{}, false
	}
	return t.resolve(), true
}

// resolve compares every arrival against the first, short-circuiting on the
// first mismatch, then discards the round.
func (t *Tracker) resolve() Outcome {
	outcome := Outcome{
		Seq:     t.seq,
		Point:   t.arrived[0].Point,
		Passed:  true,
		Arrived: append([]Report(nil), t.arrived...),
	}
	first := t.arrived[0]
	for _, other := range t.arrived[1:] {
		if !fingerprint.Equal(first.Fingerprint, other.Fingerprint) {
			outcome.Passed = false
			outcome.Detail = fingerprint.Describe(t.seq,
				first.Instance, first.Fingerprint,
				other.Instance, other.Fingerprint)
			break
		}
	}
	t.arrived = t.arrived[:0]
	t.lastResolved = t.seq
	t.resolvedAny = true
	return outcome
}

// Pending reports how many arrivals the open round holds.
func (t *Tracker) Pending() int {
	return len(t.arrived)
}
