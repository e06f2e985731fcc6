package vectorindex

import "math"

// Dot computes the dot product of two equal-length vectors. Over
// L2-normalized inputs this is the cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm computes the Euclidean (L2) norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns an L2-normalized copy of v and true, or nil and false
// when v has zero magnitude (degenerate text embeds to the zero vector and
// must be handled by the caller, not divided by zero here).
func Normalize(v []float32) ([]float32, bool) {
	n := Norm(v)
	if n == 0 {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, true
}
