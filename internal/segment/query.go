package segment

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// QueryEngine answers get_vectors/query_vectors by merging the
// authoritative brute-force buffer with the persisted HNSW layer
// (§4.6). It holds no state of its own beyond references to the three
// collaborators it reads.
type QueryEngine struct {
	maps *IdMaps
	hi   *HnswIndex
	bf   *BruteForceIndex
	dist distanceFunc
}

// NewQueryEngine wires a QueryEngine to its collaborators.
func NewQueryEngine(maps *IdMaps, hi *HnswIndex, bf *BruteForceIndex, dist distanceFunc) *QueryEngine {
	return &QueryEngine{maps: maps, hi: hi, bf: bf, dist: dist}
}

// Get returns the live vectors for ids, or every live id if ids is nil
// (§4.6 get_vectors). A buffered write always wins over a stale
// persisted copy of the same id; a pending delete hides both.
func (q *QueryEngine) Get(ids []string) []VectorEmbeddingRecord {
	var targetIds []string
	if ids != nil {
		targetIds = ids
	} else {
		seen := make(map[string]bool)
		for id := range q.bf.vectors {
			if !seen[id] {
				seen[id] = true
				targetIds = append(targetIds, id)
			}
		}
		for id := range q.maps.idToLabel {
			if !seen[id] {
				seen[id] = true
				targetIds = append(targetIds, id)
			}
		}
	}

	results := make([]VectorEmbeddingRecord, 0, len(targetIds))
	var hnswLabels []uint64
	var hnswIds []string
	for _, id := range targetIds {
		if q.bf.IsDeleted(id) {
			continue
		}
		if vec, ok := q.bf.Get(id); ok {
			results = append(results, VectorEmbeddingRecord{Id: id, Embedding: vec})
			continue
		}
		label, ok := q.maps.Label(id)
		if !ok {
			continue
		}
		hnswLabels = append(hnswLabels, label)
		hnswIds = append(hnswIds, id)
	}

	if len(hnswLabels) > 0 {
		items := q.hi.GetItems(hnswLabels)
		byLabel := make(map[uint64][]float32, len(items))
		for _, it := range items {
			byLabel[it.Label] = it.Embedding
		}
		for i, label := range hnswLabels {
			if vec, ok := byLabel[label]; ok {
				results = append(results, VectorEmbeddingRecord{Id: hnswIds[i], Embedding: vec})
			}
		}
	}
	return results
}

// Query runs k-NN search for every query vector, merging the
// brute-force buffer's exact results with the HNSW layer's approximate
// results (§4.6). Query vectors are fanned out concurrently with
// errgroup, mirroring the teacher's async-fan-out style for
// independent per-item work.
func (q *QueryEngine) Query(ctx context.Context, query Query) ([][]QueryResult, error) {
	results := make([][]QueryResult, len(query.Vectors))
	if len(query.Vectors) == 0 {
		return results, nil
	}

	var allow map[string]bool
	if query.AllowIds != nil {
		allow = make(map[string]bool, len(query.AllowIds))
		for _, id := range query.AllowIds {
			allow[id] = true
		}
	}

	liveCount := q.maps.Len() + q.bf.Len()
	k := query.K
	if k > liveCount {
		k = liveCount
	}
	if k <= 0 {
		return results, nil
	}

	hnswK := k + len(q.bf.vectors) // over-query by the buffer size to cover shadowed ids
	if hnswK > q.maps.Len() {
		hnswK = q.maps.Len()
	}

	g, _ := errgroup.WithContext(ctx)
	for i := range query.Vectors {
		i := i
		vec := query.Vectors[i]
		g.Go(func() error {
			bfHits := q.bf.Query(vec, k, q.dist, allow)
			hnswHits := q.queryHnsw(vec, hnswK, allow)
			results[i] = q.merge(bfHits, hnswHits, k, query.IncludeEmbeddings)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// queryHnsw runs one HNSW search and resolves labels back to ids,
// dropping any id that is currently buffered as a pending delete (the
// persisted graph may not have caught up to that tombstone yet).
func (q *QueryEngine) queryHnsw(vec []float32, k int, allow map[string]bool) []QueryResult {
	if k <= 0 {
		return nil
	}
	var labelFilter map[uint64]bool
	if allow != nil {
		labelFilter = make(map[uint64]bool, len(allow))
		for id := range allow {
			if label, ok := q.maps.Label(id); ok {
				labelFilter[label] = true
			}
		}
	}
	hits := q.hi.Knn(vec, k, labelFilter)
	out := make([]QueryResult, 0, len(hits))
	for _, h := range hits {
		id, ok := q.maps.Id(h.Label)
		if !ok || q.bf.IsDeleted(id) {
			continue
		}
		out = append(out, QueryResult{Id: id, Distance: h.Distance})
	}
	return out
}

// merge combines two distance-sorted result lists into a single
// top-k list, per §4.6's two-pointer merge: on a tie the brute-force
// (authoritative) result wins, and an HNSW hit is dropped outright if
// the same id is shadowed by a brute-force entry (stale copy).
func (q *QueryEngine) merge(bf []bruteForceHit, hnsw []QueryResult, k int, includeEmbeddings bool) []QueryResult {
	bfIds := make(map[string]bool, len(bf))
	for _, h := range bf {
		bfIds[h.Id] = true
	}

	out := make([]QueryResult, 0, k)
	bi, hi := 0, 0
	for len(out) < k && (bi < len(bf) || hi < len(hnsw)) {
		switch {
		case bi < len(bf) && hi < len(hnsw):
			if bf[bi].Distance <= hnsw[hi].Distance {
				out = append(out, q.toResult(bf[bi].Id, bf[bi].Distance, includeEmbeddings))
				bi++
			} else {
				if !bfIds[hnsw[hi].Id] {
					out = append(out, q.toResult(hnsw[hi].Id, hnsw[hi].Distance, includeEmbeddings))
				}
				hi++
			}
		case bi < len(bf):
			out = append(out, q.toResult(bf[bi].Id, bf[bi].Distance, includeEmbeddings))
			bi++
		default:
			if !bfIds[hnsw[hi].Id] {
				out = append(out, q.toResult(hnsw[hi].Id, hnsw[hi].Distance, includeEmbeddings))
			}
			hi++
		}
	}
	return out
}

func (q *QueryEngine) toResult(id string, dist float32, includeEmbeddings bool) QueryResult {
	r := QueryResult{Id: id, Distance: dist}
	if includeEmbeddings {
		if vec, ok := q.bf.Get(id); ok {
			r.Embedding = vec
		} else if label, ok := q.maps.Label(id); ok {
			for _, it := range q.hi.GetItems([]uint64{label}) {
				r.Embedding = it.Embedding
			}
		}
	}
	return r
}
