package cbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These mirror the worked end-to-end scenarios the package's invariants
// were checked against during design: alignment 8, pointer size 8,
// inline fallback enabled, fast-find on.

func newScenarioInstance(t *testing.T, maxRecords int) *Instance {
	t.Helper()
	inst, err := New(Config{
		Alignment:    8,
		MayUseInline: true,
		FastFind:     true,
		Arena:        make([]byte, 1<<20),
		MaxRecords:   maxRecords,
	})
	require.NoError(t, err)
	return inst
}

func TestScenario1_InsertAdjacentMerges(t *testing.T) {
	inst := newScenarioInstance(t, 0)

	_, err := inst.Insert(0x1000, 0x2000)
	require.NoError(t, err)
	rng, err := inst.Insert(0x2000, 0x3000)
	require.NoError(t, err)

	assert.Equal(t, Range{Base: 0x1000, Limit: 0x3000}, rng)
	assert.Equal(t, uintptr(0x2000), rng.Size())
}

func TestScenario2_DeleteInteriorSplits(t *testing.T) {
	inst := newScenarioInstance(t, 0)

	_, err := inst.Insert(0x1000, 0x3000)
	require.NoError(t, err)
	require.NoError(t, inst.Delete(0x1800, 0x2000))

	var got []Range
	inst.Iterate(func(b *Block) bool {
		got = append(got, b.Range())
		return true
	})
	assert.Equal(t, []Range{
		{Base: 0x1000, Limit: 0x1800},
		{Base: 0x2000, Limit: 0x3000},
	}, got)
}

func TestScenario3_EmergencyBlockListThenCoalesce(t *testing.T) {
	inst := newScenarioInstance(t, 1)
	// Consume the single record the pool will ever hand out.
	_, err := inst.Insert(0, 16)
	require.NoError(t, err)

	// A range wider than a pointer but narrower than an internal
	// record's footprint: too small to inline, forcing the emergency
	// block list once the pool is exhausted.
	rng, err := inst.Insert(0x4000, 0x4018)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0x4000, Limit: 0x4018}, rng)
	stats := inst.Stats()
	assert.Equal(t, 1, stats.EmergencyBlocks)

	rng, err = inst.Insert(0x4018, 0x4100)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0x4000, Limit: 0x4100}, rng)
	assert.NoError(t, inst.Check())
}

func TestScenario4_EmergencyGrainListThenCoalesce(t *testing.T) {
	inst := newScenarioInstance(t, 1)
	_, err := inst.Insert(0x10000, 0x10010) // consume the only record
	require.NoError(t, err)

	rng, err := inst.Insert(0x0, 0x8)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0, Limit: 8}, rng)
	assert.Equal(t, 1, inst.Stats().EmergencyGrains)

	rng, err = inst.Insert(0x8, 0x10)
	require.NoError(t, err)
	assert.Equal(t, Range{Base: 0, Limit: 0x10}, rng)
	assert.NoError(t, inst.Check())
}

func TestScenario5_FindLargestAndFindFirstLow(t *testing.T) {
	inst := newScenarioInstance(t, 0)
	sizes := []uintptr{16, 32, 16, 64, 16, 128, 16, 256, 16, 16}
	base := Addr(0)
	for _, sz := range sizes {
		_, err := inst.Insert(base, base+Addr(sz))
		require.NoError(t, err)
		base += Addr(sz) + 8 // leave a gap so ranges stay disjoint
	}

	largest, err := inst.FindLargest(FindDeleteNone)
	require.NoError(t, err)
	assert.Equal(t, uintptr(256), largest.Size())

	found, err := inst.FindFirst(64, FindDeleteLow)
	require.NoError(t, err)
	assert.Equal(t, uintptr(64), found.Size())
	assert.NoError(t, inst.Check())
}

func TestScenario6_SetMinSizeFiresDeleteWithoutChangingContents(t *testing.T) {
	var deleteCalls int
	inst, err := New(Config{
		Alignment: 8,
		MinSize:   16,
		Observers: Observers{
			Delete: func(*Block, uintptr, uintptr) { deleteCalls++ },
		},
	})
	require.NoError(t, err)

	_, err = inst.Insert(0, 32)
	require.NoError(t, err)

	inst.SetMinSize(64)

	assert.Equal(t, 1, deleteCalls)
	var got []Range
	inst.Iterate(func(b *Block) bool {
		got = append(got, b.Range())
		return true
	})
	assert.Equal(t, []Range{{Base: 0, Limit: 32}}, got)
}
