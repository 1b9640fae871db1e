package cbs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/cbs/cbs"
	"github.com/nmxmxh/cbs/cbstest"
)

// TestFuzz_AgreesWithModelUnderPoolExhaustion drives cbstest's randomized
// operation generator against a deliberately record-pool-starved
// cbs.Instance and cross-checks it against cbstest.Model, the harness
// SPEC_FULL.md and DESIGN.md describe for exactly this purpose. A small
// MaxRecords forces most inserts through the emergency block/grain list
// fallback rather than the splay tree: the property tests in
// cbs_property_test.go run with an unbounded pool except P7, which only
// checks list layout after two fixed inserts, so this is the test that
// exercises that code path under randomized operations.
func TestFuzz_AgreesWithModelUnderPoolExhaustion(t *testing.T) {
	const (
		spaceSize   = 4096
		grain       = 8
		trials      = 5
		opsPerTrial = 120
	)

	for seed := int64(0); seed < trials; seed++ {
		inst, err := cbs.New(cbs.Config{
			Alignment:    grain,
			MayUseInline: true,
			Arena:        make([]byte, spaceSize),
			MaxRecords:   4,
		})
		require.NoError(t, err)

		model := &cbstest.Model{}
		fuzzer := cbstest.NewFuzzer(seed, spaceSize, grain, opsPerTrial)

		var sawEmergencyFallback bool
		for _, op := range fuzzer.Sequence(opsPerTrial) {
			base := op.Base
			limit := op.Base + cbs.Addr(op.Size)
			if limit > spaceSize {
				continue
			}

			switch op.Kind {
			case cbstest.OpInsert:
				if _, err := inst.Insert(base, limit); err == nil {
					model.Insert(base, limit)
				} else {
					assert.ErrorIs(t, err, cbs.ErrOverlap, "seed %d: the only way a well-formed, grain-aligned insert can fail here is overlap", seed)
				}
			case cbstest.OpDelete:
				if modelCovers(model, base, limit) {
					require.NoError(t, inst.Delete(base, limit))
					model.Delete(base, limit)
				}
			}

			stats := inst.Stats()
			if stats.EmergencyBlocks > 0 || stats.EmergencyGrains > 0 {
				sawEmergencyFallback = true
			}
			require.NoError(t, inst.Check())
		}

		assert.Equal(t, model.Ranges(), inst.AllRanges(), "seed %d: instance and model must agree on every tracked range", seed)
		assert.True(t, sawEmergencyFallback, "seed %d: a 4-record pool over %d bytes of inserts should have forced at least one emergency-list fallback", seed, spaceSize)
	}
}

func modelCovers(m *cbstest.Model, base, limit cbs.Addr) bool {
	want := cbs.Range{Base: base, Limit: limit}
	for _, r := range m.Ranges() {
		if r.Contains(want) {
			return true
		}
	}
	return false
}
