package cbstest

import (
	"fmt"
	"math/rand"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/cbs/cbs"
)

// OpKind is the kind of operation a Fuzzer generates.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is one step of a randomized operation sequence: insert or delete
// [Base, Base+Size) against both a cbs.Instance and a Model.
type Op struct {
	Kind OpKind
	Base cbs.Addr
	Size uintptr
}

// Fuzzer generates randomized, grain-aligned operation sequences over a
// bounded address space and deduplicates repeated (kind, base, size)
// triples with a bloom filter, so a long run spends its budget exploring
// new shapes instead of re-rolling ones already tried.
type Fuzzer struct {
	rng       *rand.Rand
	spaceSize uintptr
	grain     uintptr
	seen      *bloom.BloomFilter
}

// NewFuzzer builds a Fuzzer over an address space of spaceSize bytes,
// generating operations aligned to grain bytes. expectedOps sizes the
// bloom filter's false-positive rate; it need not be exact.
func NewFuzzer(seed int64, spaceSize, grain uintptr, expectedOps uint) *Fuzzer {
	if grain == 0 {
		grain = 1
	}
	return &Fuzzer{
		rng:       rand.New(rand.NewSource(seed)),
		spaceSize: spaceSize,
		grain:     grain,
		seen:      bloom.NewWithEstimates(expectedOps, 0.01),
	}
}

// Next generates the next candidate Op, retrying internally up to a fixed
// budget whenever the bloom filter reports a likely repeat. If every
// attempt collides, it returns the last candidate generated anyway: a
// false-positive-heavy run should degrade to occasional repeats, not
// stall.
func (f *Fuzzer) Next() Op {
	var op Op
	for attempt := 0; attempt < 8; attempt++ {
		op = f.roll()
		if !f.seen.Test(fingerprint(op)) {
			f.seen.Add(fingerprint(op))
			return op
		}
	}
	f.seen.Add(fingerprint(op))
	return op
}

func (f *Fuzzer) roll() Op {
	grains := f.spaceSize / f.grain
	base := cbs.Addr(uintptr(f.rng.Int63n(int64(grains))) * f.grain)
	maxGrains := grains - uintptr(base)/f.grain
	if maxGrains == 0 {
		maxGrains = 1
	}
	size := (uintptr(f.rng.Int63n(int64(maxGrains))) + 1) * f.grain
	kind := OpInsert
	if f.rng.Intn(2) == 1 {
		kind = OpDelete
	}
	return Op{Kind: kind, Base: base, Size: size}
}

func fingerprint(op Op) []byte {
	return []byte(fmt.Sprintf("%d:%d:%d", op.Kind, op.Base, op.Size))
}

// Sequence generates n operations.
func (f *Fuzzer) Sequence(n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		ops[i] = f.Next()
	}
	return ops
}
