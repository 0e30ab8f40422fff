package transform

import (
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/podushkina/taskrelay/internal/task"
)

// Bounds on raw values whose doubled value still fits in an int64.
const (
	MaxRaw = math.MaxInt64 / 2
	MinRaw = math.MinInt64 / 2
)

// Func maps a task record to its delivery payload.
type Func func(task.Record) (task.Payload, error)

// Apply doubles the raw value of r. A record that only carries a derived
// value is treated as floor(value/2), so Apply(Apply(r).Record()) == Apply(r).
func Apply(r task.Record) (task.Payload, error) {
	var raw int64
	switch {
	case r.RawValue != nil:
		raw = *r.RawValue
	case r.Value != nil:
		raw = floorHalf(*r.Value)
	default:
		return task.Payload{}, fmt.Errorf("%w: task %d must contain raw_value or value", task.ErrValidation, r.ID)
	}

	if raw > MaxRaw || raw < MinRaw {
		return task.Payload{}, fmt.Errorf("%w: task %d raw value %d out of range", task.ErrValidation, r.ID, raw)
	}

	return task.Payload{
		ID:       r.ID,
		Value:    raw * 2,
		Checksum: Checksum(r.ID, raw),
	}, nil
}

// Checksum is a stable hex digest of (id, raw).
func Checksum(id, raw int64) string {
	return strconv.FormatUint(xxhash.Sum64String(fmt.Sprintf("%d:%d", id, raw)), 16)
}

func floorHalf(v int64) int64 {
	// >> is an arithmetic shift, so it rounds toward negative infinity.
	return v >> 1
}
