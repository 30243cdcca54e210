package masking

import (
	"fmt"
	"math"
)

// Vector is a fixed-length vector over the ring Z/2^64. Addition wraps, so a
// mask added once and subtracted once cancels exactly.
type Vector []uint64

// NewVector returns a zero vector of length n.
func NewVector(n int) Vector {
	return make(Vector, n)
}

// FromInt64s encodes signed integers as ring elements (two's complement).
func FromInt64s(values []int64) Vector {
	v := make(Vector, len(values))
	for i, x := range values {
		v[i] = uint64(x)
	}
	return v
}

// Int64s decodes ring elements back to signed integers.
func (v Vector) Int64s() []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// AddInplace sets v = v + other.
func (v Vector) AddInplace(other Vector) error {
	if len(v) != len(other) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(v), len(other))
	}
	for i := range v {
		v[i] += other[i]
	}
	return nil
}

// SubInplace sets v = v - other.
func (v Vector) SubInplace(other Vector) error {
	if len(v) != len(other) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(v), len(other))
	}
	for i := range v {
		v[i] -= other[i]
	}
	return nil
}

// EncodeFixedPoint scales real values by 2^fracBits and rounds them into the ring.
// Sums decode correctly as long as the true sum fits in int64 after scaling.
func EncodeFixedPoint(values []float64, fracBits uint) (Vector, error) {
	if fracBits > 52 {
		return nil, fmt.Errorf("%w: fractional bits %d > 52", ErrInvalidLength, fracBits)
	}
	scale := math.Ldexp(1, int(fracBits))
	v := make(Vector, len(values))
	for i, x := range values {
		scaled := math.Round(x * scale)
		if math.IsNaN(scaled) || scaled >= math.MaxInt64 || scaled < math.MinInt64 {
			return nil, fmt.Errorf("value %v at index %d out of fixed-point range", x, i)
		}
		v[i] = uint64(int64(scaled))
	}
	return v, nil
}

// DecodeFixedPoint reverses EncodeFixedPoint.
func DecodeFixedPoint(v Vector, fracBits uint) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Ldexp(float64(int64(x)), -int(fracBits))
	}
	return out
}
