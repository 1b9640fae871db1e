package cbstest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cbs/cbs"
)

func TestModel_InsertMerges(t *testing.T) {
	var m Model
	m.Insert(0, 64)
	m.Insert(64, 128)
	assert.Equal(t, []cbs.Range{{Base: 0, Limit: 128}}, m.Ranges())
}

func TestModel_DeleteSplits(t *testing.T) {
	var m Model
	m.Insert(0, 128)
	m.Delete(32, 64)
	assert.Equal(t, []cbs.Range{{Base: 0, Limit: 32}, {Base: 64, Limit: 128}}, m.Ranges())
}

func TestModel_LargestAndTotalFree(t *testing.T) {
	var m Model
	m.Insert(0, 16)
	m.Insert(64, 192)
	largest, ok := m.Largest()
	require.True(t, ok)
	assert.Equal(t, cbs.Range{Base: 64, Limit: 192}, largest)
	assert.Equal(t, uintptr(16+128), m.TotalFree())
}

func TestFuzzer_SequenceIsGrainAligned(t *testing.T) {
	f := NewFuzzer(1, 4096, 8, 100)
	for _, op := range f.Sequence(50) {
		assert.Zero(t, uint64(op.Base)%8)
		assert.Zero(t, op.Size%8)
		assert.Greater(t, op.Size, uintptr(0))
	}
}
