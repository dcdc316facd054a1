package segment

import "github.com/chewxy/math32"

// distanceFunc computes the distance between two vectors of equal
// length under the segment's metric. Lower is more similar.
type distanceFunc func(a, b []float32) float32

// distanceFor returns the distance function for a metric, matching the
// teacher's HNSWStore switch over cfg.Metric (cos/l2) extended with the
// inner-product ("ip") option spec.md §6 also allows.
func distanceFor(m Metric) distanceFunc {
	switch m {
	case MetricL2:
		return l2Distance
	case MetricIP:
		return ipDistance
	case MetricCosine:
		return cosineDistance
	default:
		return cosineDistance
	}
}

func l2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// ipDistance returns the negative dot product so that "lower is more
// similar" holds uniformly across metrics (hnswlib's ip space uses
// 1 - dot instead). The HNSW graph of an ip segment is traversed with
// cosine distance (see HnswIndex.init); this function scores results.
func ipDistance(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(-dot)
}

// cosineDistance is 1 - cosine similarity, computed directly (no
// pre-normalization requirement) so callers may pass raw vectors.
func cosineDistance(a, b []float32) float32 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	cos := float32(dot) / (math32.Sqrt(float32(magA)) * math32.Sqrt(float32(magB)))
	return 1 - cos
}

// normalizeInPlace scales v to unit length, matching the teacher's
// normalizeVectorInPlace helper used before inserting into a cosine
// HNSW graph.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := 1.0 / math32.Sqrt(float32(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
