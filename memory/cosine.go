package memory

import "math"

// cosineSimilarity returns the cosine of the angle between a and b, clamped
// to [0, 1]. Vectors must be the same length; callers validate dimension
// before reaching this point.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// cosineDistance maps similarity s to distance 1-s.
func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}
