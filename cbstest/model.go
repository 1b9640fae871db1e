// Package cbstest is a test-only harness for github.com/nmxmxh/cbs: a
// naive reference model to cross-check behaviour against, and a
// randomized operation-sequence fuzzer. It is exported so other packages
// exercising cbs can reuse it rather than reinventing one.
package cbstest

import (
	"sort"

	"github.com/nmxmxh/cbs/cbs"
)

// Model is a deliberately naive free-range tracker: a sorted slice of
// disjoint ranges, merged eagerly on every insert. It exists to be
// obviously correct so property tests can assert a cbs.Instance agrees
// with it after the same operation sequence, independent of any of the
// splay tree's or emergency lists' internal bookkeeping.
type Model struct {
	ranges []cbs.Range
}

// Insert adds [base, limit) to the model, merging with any adjacent or
// overlapping range.
func (m *Model) Insert(base, limit cbs.Addr) {
	merged := cbs.Range{Base: base, Limit: limit}
	out := m.ranges[:0]
	for _, r := range m.ranges {
		if r.Limit < merged.Base || r.Base > merged.Limit {
			out = append(out, r)
			continue
		}
		merged = merged.Union(r)
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	m.ranges = out
}

// Delete removes [base, limit) from the model. It panics if the range is
// not fully covered by the model's tracked ranges, since that is always a
// bug in the fuzzer driving it, not a condition under test.
func (m *Model) Delete(base, limit cbs.Addr) {
	var out []cbs.Range
	removed := false
	for _, r := range m.ranges {
		if !r.Intersects(cbs.Range{Base: base, Limit: limit}) {
			out = append(out, r)
			continue
		}
		if r.Base > base || r.Limit < limit {
			panic("cbstest: Model.Delete: range not fully covered")
		}
		removed = true
		if r.Base < base {
			out = append(out, cbs.Range{Base: r.Base, Limit: base})
		}
		if r.Limit > limit {
			out = append(out, cbs.Range{Base: limit, Limit: r.Limit})
		}
	}
	if !removed {
		panic("cbstest: Model.Delete: range not tracked")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	m.ranges = out
}

// Ranges returns the model's tracked ranges in ascending order.
func (m *Model) Ranges() []cbs.Range {
	out := make([]cbs.Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Largest returns the model's single largest range.
func (m *Model) Largest() (cbs.Range, bool) {
	var best cbs.Range
	found := false
	for _, r := range m.ranges {
		if !found || r.Size() > best.Size() {
			best, found = r, true
		}
	}
	return best, found
}

// TotalFree returns the sum of every tracked range's size.
func (m *Model) TotalFree() uintptr {
	var total uintptr
	for _, r := range m.ranges {
		total += r.Size()
	}
	return total
}
