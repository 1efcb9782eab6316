package simd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func naiveL2Squared(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func naiveDot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestDistanceKernelsAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	t.Logf("Selected implementation: %s (features: %+v)", GetImplementation(), GetCPUFeatures())

	// Odd dims exercise the unrolled-loop tails.
	for _, dim := range []int{1, 3, 4, 7, 16, 128, 383, 384, 768} {
		a := randomVector(rng, dim)
		b := randomVector(rng, dim)

		wantL2Sq := naiveL2Squared(a, b)
		wantDot := naiveDot(a, b)

		assert.InDelta(t, wantL2Sq, float64(L2Squared(a, b)), 1e-2, "L2Squared dim=%d", dim)
		assert.InDelta(t, math.Sqrt(wantL2Sq), float64(L2(a, b)), 1e-3, "L2 dim=%d", dim)
		assert.InDelta(t, wantDot, float64(Dot(a, b)), 1e-2, "Dot dim=%d", dim)

		normA := math.Sqrt(naiveDot(a, a))
		normB := math.Sqrt(naiveDot(b, b))
		wantCos := 1.0 - wantDot/(normA*normB)
		assert.InDelta(t, wantCos, float64(Cosine(a, b)), 1e-3, "Cosine dim=%d", dim)
	}
}

func TestDistanceIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	v := randomVector(rng, 128)

	assert.Zero(t, L2(v, v))
	assert.Zero(t, L2Squared(v, v))
	assert.InDelta(t, 0.0, float64(Cosine(v, v)), 1e-5)
}

func TestDistanceEmptyVectors(t *testing.T) {
	assert.Zero(t, L2(nil, nil))
	assert.Zero(t, L2Squared(nil, nil))
	assert.Zero(t, Dot(nil, nil))
	assert.Equal(t, float32(1.0), Cosine(nil, nil))
}

func TestDistanceLengthMismatchPanics(t *testing.T) {
	a := make([]float32, 4)
	b := make([]float32, 5)

	assert.Panics(t, func() { L2(a, b) })
	assert.Panics(t, func() { L2Squared(a, b) })
	assert.Panics(t, func() { Dot(a, b) })
	assert.Panics(t, func() { Cosine(a, b) })
}

func TestCosineZeroNorm(t *testing.T) {
	zero := make([]float32, 8)
	v := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	assert.Equal(t, float32(1.0), Cosine(zero, v))
	assert.Equal(t, float32(1.0), Cosine(v, zero))
}

func TestHasNaN(t *testing.T) {
	require.False(t, HasNaN([]float32{0, 1, 2}))
	require.False(t, HasNaN(nil))
	require.True(t, HasNaN([]float32{0, float32(math.NaN()), 2}))
	require.True(t, HasNaN([]float32{float32(math.NaN())}))
}

func BenchmarkL2Squared384(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	x := randomVector(rng, 384)
	y := randomVector(rng, 384)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = L2Squared(x, y)
	}
}

func BenchmarkDot384(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	x := randomVector(rng, 384)
	y := randomVector(rng, 384)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Dot(x, y)
	}
}

func BenchmarkCosine384(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	x := randomVector(rng, 384)
	y := randomVector(rng, 384)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Cosine(x, y)
	}
}
