package cbs

import (
	"fmt"
	"io"
	"sort"

	"github.com/andybalholm/brotli"
)

// Iterate visits every tracked range in the splay tree in ascending base
// order, stopping early if fn returns false. Iteration is a read-only
// query and does not self-adjust the tree; it is safe to call from
// within an Observers callback.
//
// Iterate does not visit emergency-list entries: those are a storage
// detail of ranges the tree itself could not (yet) represent, not part of
// the externally meaningful "iterate everything tracked" contract beyond
// what flushEmergencyLists already tries to resolve on every mutation.
func (i *Instance) Iterate(fn func(b *Block) bool) {
	i.tree.inorder(fn)
}

// IterateLarge is Iterate filtered to blocks at least minSize wide — the
// same blocks whose crossing into or out of that range would fire an
// Observers callback.
func (i *Instance) IterateLarge(fn func(b *Block) bool) {
	min := i.minSize
	i.tree.inorder(func(b *Block) bool {
		if blockSize(b) < min {
			return true
		}
		return fn(b)
	})
}

// AllRanges returns every range this instance currently tracks — the
// splay tree's blocks and both emergency lists' entries alike — in
// ascending base order. Unlike Iterate, it does cross the emergency-list
// boundary: it exists for callers (notably cross-checks against an
// independent model in tests) that need the complete picture regardless
// of which of the three representations currently holds a given range.
// It is read-only and safe to call from within an Observers callback.
func (i *Instance) AllRanges() []Range {
	var out []Range
	i.tree.inorder(func(b *Block) bool {
		out = append(out, b.Range())
		return true
	})
	for cur := i.eblHead; cur != nilAddr; cur = i.readNext(cur) {
		out = append(out, Range{Base: cur, Limit: i.emergencyBlockLimit(cur)})
	}
	for cur := i.eglHead; cur != nilAddr; cur = i.readNext(cur) {
		out = append(out, Range{Base: cur, Limit: cur + Addr(pointerSize)})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Base < out[b].Base })
	return out
}

// Stats reports the instance's bookkeeping counters: how many blocks and
// emergency entries exist, how much of the record pool has been handed
// out, and the mean probe-set size search and find operations have
// examined so far. This is bookkeeping the instance already owns, not an
// external telemetry or event-export facility.
func (i *Instance) Stats() Stats {
	s := Stats{
		Blocks:           i.tree.size,
		EmergencyBlocks:  i.eblCount,
		EmergencyGrains:  i.eglCount,
		RecordsAllocated: i.pool.allocated,
		RecordPages:      i.pool.pages,
	}
	if i.tree.calls > 0 {
		s.SplayMeanProbes = float64(i.tree.probes) / float64(i.tree.calls)
	}
	if i.meters.eblCalls > 0 {
		s.EmergencyBlockMean = float64(i.meters.eblProbes) / float64(i.meters.eblCalls)
	}
	if i.meters.eglCalls > 0 {
		s.EmergencyGrainMean = float64(i.meters.eglProbes) / float64(i.meters.eglCalls)
	}
	return s
}

// Describe writes a human-readable dump of every tracked range plus the
// counters Stats reports. Its exact format is implementation-defined:
// nothing in this package parses it back.
func (i *Instance) Describe(w io.Writer) error {
	bw := &bufErrWriter{w: w}
	fmt.Fprintf(bw, "cbs: alignment=%d minSize=%d mayUseInline=%v fastFind=%v\n",
		i.alignment, i.minSize, i.mayUseInline, i.fastFind)
	i.tree.inorder(func(b *Block) bool {
		kind := "external"
		if b.internal {
			kind = "internal"
		}
		fmt.Fprintf(bw, "  block %s size=%d %s\n", b.Range(), blockSize(b), kind)
		return true
	})
	for cur := i.eblHead; cur != nilAddr; cur = i.readNext(cur) {
		limit := i.emergencyBlockLimit(cur)
		fmt.Fprintf(bw, "  emergency-block [%#x, %#x)\n", uintptr(cur), uintptr(limit))
	}
	for cur := i.eglHead; cur != nilAddr; cur = i.readNext(cur) {
		fmt.Fprintf(bw, "  emergency-grain [%#x, %#x)\n", uintptr(cur), uintptr(cur)+pointerSize)
	}
	stats := i.Stats()
	fmt.Fprintf(bw, "stats: blocks=%d emergency_blocks=%d emergency_grains=%d records=%d pages=%d\n",
		stats.Blocks, stats.EmergencyBlocks, stats.EmergencyGrains, stats.RecordsAllocated, stats.RecordPages)
	return bw.err
}

// DescribeCompressed is Describe, piped through a brotli encoder. Large
// instances produce large dumps; this keeps a captured snapshot small
// enough to attach to a diagnostic bundle without the dump itself
// dominating its size.
func (i *Instance) DescribeCompressed(w io.Writer) error {
	bw := brotli.NewWriter(w)
	if err := i.Describe(bw); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}

// bufErrWriter lets Describe use fmt.Fprintf freely while only checking
// for a write error once, at the end.
type bufErrWriter struct {
	w   io.Writer
	err error
}

func (b *bufErrWriter) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.w.Write(p)
	if err != nil {
		b.err = err
	}
	return n, err
}

// Check walks the splay tree and both emergency lists, verifying their
// invariants (ascending, disjoint, non-adjacent ranges; cached maxSize
// correctness) and, since the tree and the two emergency lists jointly
// describe one set of tracked ranges (I1), that none of the three
// sources overlaps or abuts another. It returns the first violation
// found, or nil. It is read-only and may be called from within an
// Observers callback.
func (i *Instance) Check() error {
	var ranges []Range
	var err error
	i.tree.inorder(func(b *Block) bool {
		if !b.Range().IsValid() {
			err = fmt.Errorf("cbs: check: invalid range %s", b.Range())
			return false
		}
		want := blockSize(b)
		if b.left != nil && b.left.maxSize > want {
			want = b.left.maxSize
		}
		if b.right != nil && b.right.maxSize > want {
			want = b.right.maxSize
		}
		if b.maxSize != want {
			err = fmt.Errorf("cbs: check: block %s has maxSize %d, want %d", b.Range(), b.maxSize, want)
			return false
		}
		ranges = append(ranges, b.Range())
		return true
	})
	if err != nil {
		return err
	}

	for cur := i.eblHead; cur != nilAddr; cur = i.readNext(cur) {
		limit := i.emergencyBlockLimit(cur)
		if limit <= cur {
			return fmt.Errorf("cbs: check: emergency block entry at %#x has non-positive size", uintptr(cur))
		}
		ranges = append(ranges, Range{Base: cur, Limit: limit})
	}
	for cur := i.eglHead; cur != nilAddr; cur = i.readNext(cur) {
		ranges = append(ranges, Range{Base: cur, Limit: cur + Addr(pointerSize)})
	}

	sort.Slice(ranges, func(a, b int) bool { return ranges[a].Base < ranges[b].Base })
	for idx := 1; idx < len(ranges); idx++ {
		if ranges[idx-1].Limit >= ranges[idx].Base {
			return fmt.Errorf("cbs: check: %s and %s (across the tree and emergency lists) are not in strict ascending, disjoint order", ranges[idx-1], ranges[idx])
		}
	}
	return nil
}
