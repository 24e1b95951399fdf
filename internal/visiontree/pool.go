package visiontree

import "math"

// meanPool aggregates child vectors into a parent vector: element-wise
// mean, then unit-normalized. Deterministic for a fixed child order.
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return normalize(append([]float32(nil), vectors[0]...))
	}

	dim := len(vectors[0])
	sums := make([]float64, dim)
	for _, vec := range vectors {
		for i, v := range vec {
			sums[i] += float64(v)
		}
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = float32(sums[i] / float64(len(vectors)))
	}
	return normalize(out)
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSimilarity(a, b)
}
