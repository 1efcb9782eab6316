// Package simd provides float32 distance kernels for vector search.
// The best implementation is selected once at startup based on detected
// CPU features, removing branch overhead from hot paths.
package simd

import (
	"github.com/chewxy/math32"
	"github.com/klauspost/cpuid/v2"
	"github.com/viterin/vek/vek32"
)

// CPUFeatures contains detected CPU SIMD capabilities.
type CPUFeatures struct {
	Vendor    string
	HasAVX2   bool
	HasAVX512 bool
	HasNEON   bool
}

var (
	features       CPUFeatures
	implementation string

	l2Impl        func(a, b []float32) float32
	l2SquaredImpl func(a, b []float32) float32
	dotImpl       func(a, b []float32) float32
	cosineImpl    func(a, b []float32) float32
)

func init() {
	detectCPU()
	initializeDispatch()
}

func detectCPU() {
	features = CPUFeatures{
		Vendor:    cpuid.CPU.VendorString,
		HasAVX2:   cpuid.CPU.Supports(cpuid.AVX2) && cpuid.CPU.Supports(cpuid.FMA3),
		HasAVX512: cpuid.CPU.Supports(cpuid.AVX512F) && cpuid.CPU.Supports(cpuid.AVX512DQ),
		HasNEON:   cpuid.CPU.Supports(cpuid.ASIMD),
	}

	switch {
	case features.HasAVX512:
		implementation = "avx512"
	case features.HasAVX2:
		implementation = "avx2"
	case features.HasNEON:
		implementation = "neon"
	default:
		implementation = "generic"
	}
}

// initializeDispatch sets function pointers based on the detected CPU.
// vek's vectorized kernels are used on AVX2/AVX-512; everywhere else the
// unrolled scalar loops win because vek falls back to plain Go anyway.
func initializeDispatch() {
	switch implementation {
	case "avx512", "avx2":
		l2Impl = vek32.Distance
		dotImpl = vek32.Dot
		cosineImpl = cosineVek
		l2SquaredImpl = l2SquaredUnrolled4x
	default:
		l2Impl = l2Unrolled4x
		dotImpl = dotUnrolled4x
		cosineImpl = cosineUnrolled4x
		l2SquaredImpl = l2SquaredUnrolled4x
	}
}

// GetCPUFeatures returns detected CPU SIMD capabilities.
func GetCPUFeatures() CPUFeatures {
	return features
}

// GetImplementation returns the selected SIMD implementation name.
func GetImplementation() string {
	return implementation
}

// L2 calculates the Euclidean distance between two vectors.
func L2(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("simd: vector length mismatch")
	}
	if len(a) == 0 {
		return 0
	}
	return l2Impl(a, b)
}

// L2Squared calculates the squared Euclidean distance between two vectors.
// vek has no squared-distance kernel, so this always uses the unrolled
// loop and avoids the sqrt round trip.
func L2Squared(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("simd: vector length mismatch")
	}
	if len(a) == 0 {
		return 0
	}
	return l2SquaredImpl(a, b)
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("simd: vector length mismatch")
	}
	if len(a) == 0 {
		return 0
	}
	return dotImpl(a, b)
}

// Cosine calculates the cosine distance (1 - similarity) between two
// vectors. Zero-norm inputs yield 1.0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("simd: vector length mismatch")
	}
	if len(a) == 0 {
		return 1.0
	}
	return cosineImpl(a, b)
}

// HasNaN reports whether any element of v is NaN.
func HasNaN(v []float32) bool {
	for _, x := range v {
		if math32.IsNaN(x) {
			return true
		}
	}
	return false
}

// =============================================================================
// vek-backed kernels
// =============================================================================

func cosineVek(a, b []float32) float32 {
	sim := vek32.CosineSimilarity(a, b)
	if math32.IsNaN(sim) {
		// Zero-norm input degenerates to NaN similarity.
		return 1.0
	}
	return 1.0 - sim
}

// =============================================================================
// Unrolled scalar fallbacks
// =============================================================================

func l2Unrolled4x(a, b []float32) float32 {
	return math32.Sqrt(l2SquaredUnrolled4x(a, b))
}

func l2SquaredUnrolled4x(a, b []float32) float32 {
	var sum0, sum1, sum2, sum3 float32
	n := len(a)
	i := 0

	for ; i < n-3; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]

		sum0 += d0 * d0
		sum1 += d1 * d1
		sum2 += d2 * d2
		sum3 += d3 * d3
	}

	for ; i < n; i++ {
		d := a[i] - b[i]
		sum0 += d * d
	}

	return sum0 + sum1 + sum2 + sum3
}

func dotUnrolled4x(a, b []float32) float32 {
	var sum0, sum1, sum2, sum3 float32
	n := len(a)
	i := 0

	for ; i < n-3; i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}

	for ; i < n; i++ {
		sum0 += a[i] * b[i]
	}

	return sum0 + sum1 + sum2 + sum3
}

func cosineUnrolled4x(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/math32.Sqrt(normA*normB)
}
