package transform

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/podushkina/taskrelay/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRecords(n int) []task.Record {
	rng := rand.New(rand.NewPCG(1, 2))
	out := make([]task.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, task.Record{
			ID:       rng.Int64N(100) + 1,
			RawValue: task.Int64(rng.Int64N(100) + 1),
		})
	}
	return out
}

func TestApply_Idempotent(t *testing.T) {
	for _, r := range randomRecords(50) {
		first, err := Apply(r)
		require.NoError(t, err)

		second, err := Apply(first.Record())
		require.NoError(t, err)

		assert.Equal(t, first, second, "raw_value=%d", *r.RawValue)
	}

	for _, raw := range []int64{MaxRaw, MinRaw, -1, 0, -7} {
		first, err := Apply(task.Record{ID: 5, RawValue: task.Int64(raw)})
		require.NoError(t, err)

		second, err := Apply(first.Record())
		require.NoError(t, err)

		assert.Equal(t, first, second, "raw_value=%d", raw)
	}
}

func TestApply_RejectsOverflow(t *testing.T) {
	for _, raw := range []int64{MaxRaw + 1, MinRaw - 1, math.MaxInt64, math.MinInt64} {
		_, err := Apply(task.Record{ID: 1, RawValue: task.Int64(raw)})
		assert.ErrorIs(t, err, task.ErrValidation, "raw_value=%d", raw)
	}

	p, err := Apply(task.Record{ID: 1, Value: task.Int64(math.MaxInt64)})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), p.Value)

	p, err = Apply(task.Record{ID: 1, Value: task.Int64(math.MinInt64)})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), p.Value)
}

func TestApply_NegativeDerivedValueFloors(t *testing.T) {
	p, err := Apply(task.Record{ID: 2, Value: task.Int64(-5)})
	require.NoError(t, err)
	assert.Equal(t, int64(-6), p.Value)
	assert.Equal(t, Checksum(2, -3), p.Checksum)

	p, err = Apply(task.Record{ID: 2, Value: task.Int64(-4)})
	require.NoError(t, err)
	assert.Equal(t, int64(-4), p.Value)
}

func TestApply_DoublesRaw(t *testing.T) {
	for raw := int64(1); raw <= 100; raw++ {
		p, err := Apply(task.Record{ID: 1, RawValue: task.Int64(raw)})
		require.NoError(t, err)
		assert.Equal(t, raw*2, p.Value)
		assert.Positive(t, p.Value)
	}
}

func TestApply_DerivedValue(t *testing.T) {
	fromRaw, err := Apply(task.Record{ID: 7, RawValue: task.Int64(10)})
	require.NoError(t, err)

	fromValue, err := Apply(task.Record{ID: 7, Value: task.Int64(20)})
	require.NoError(t, err)
	assert.Equal(t, fromRaw, fromValue)

	odd, err := Apply(task.Record{ID: 7, Value: task.Int64(21)})
	require.NoError(t, err)
	assert.Equal(t, int64(20), odd.Value)
}

func TestApply_RawTakesPrecedence(t *testing.T) {
	p, err := Apply(task.Record{ID: 3, RawValue: task.Int64(4), Value: task.Int64(100)})
	require.NoError(t, err)
	assert.Equal(t, int64(8), p.Value)
}

func TestApply_MissingFields(t *testing.T) {
	_, err := Apply(task.Record{ID: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrValidation)
}

func TestChecksum_Deterministic(t *testing.T) {
	assert.Equal(t, Checksum(1, 10), Checksum(1, 10))
	assert.NotEqual(t, Checksum(1, 10), Checksum(11, 0))
	assert.NotEqual(t, Checksum(1, 10), Checksum(1, 11))
}
