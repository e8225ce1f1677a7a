// Package vectorindex implements the in-memory k-nearest-neighbor
// indexes backing search. Vectors live in one contiguous float32 buffer
// with a parallel id list; reads are concurrent, mutations exclusive.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is a fatal precondition failure: a vector's
	// length disagrees with the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrDuplicateID is returned when adding an id already present.
	ErrDuplicateID = errors.New("duplicate id")
)

// Result is one search hit.
type Result struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// Index is a flat cosine-similarity index over n vectors of a fixed
// dimension. The optional ref map carries a per-entry association
// (the tool index uses it to map tools to their parent service).
type Index struct {
	mu        sync.RWMutex
	dimension int
	vectors   []float32 // n * dimension, row-major
	ids       []int64
	positions map[int64]int
	refs      map[int64]int64
}

// New creates an empty index with the given dimension.
func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		positions: make(map[int64]int),
		refs:      make(map[int64]int64),
	}
}

// Dimension returns the index's vector dimension.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dimension
}

// Len returns the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// IDs returns a copy of the indexed ids in position order.
func (ix *Index) IDs() []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]int64, len(ix.ids))
	copy(out, ix.ids)
	return out
}

// Add appends a vector under a new id.
func (ix *Index) Add(id int64, vector []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vector), ix.dimension)
	}
	if _, exists := ix.positions[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	ix.positions[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, vector...)
	return nil
}

// Remove deletes an id, compacting by swapping the last entry into the
// vacated position. Returns false when the id is absent.
func (ix *Index) Remove(id int64) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos, exists := ix.positions[id]
	if !exists {
		return false
	}

	last := len(ix.ids) - 1
	if pos != last {
		lastID := ix.ids[last]
		copy(ix.vectors[pos*ix.dimension:(pos+1)*ix.dimension],
			ix.vectors[last*ix.dimension:(last+1)*ix.dimension])
		ix.ids[pos] = lastID
		ix.positions[lastID] = pos
	}

	ix.ids = ix.ids[:last]
	ix.vectors = ix.vectors[:last*ix.dimension]
	delete(ix.positions, id)
	delete(ix.refs, id)
	return true
}

// Update replaces the vector stored under an id in place. Returns false
// when the id is absent.
func (ix *Index) Update(id int64, vector []float32) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(vector) != ix.dimension {
		return false, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vector), ix.dimension)
	}
	pos, exists := ix.positions[id]
	if !exists {
		return false, nil
	}
	copy(ix.vectors[pos*ix.dimension:(pos+1)*ix.dimension], vector)
	return true, nil
}

// Build atomically replaces the index contents. The matrix and id list
// must be parallel; duplicate ids are rejected.
func (ix *Index) Build(matrix [][]float32, ids []int64) error {
	if len(matrix) != len(ids) {
		return fmt.Errorf("matrix has %d rows but %d ids", len(matrix), len(ids))
	}

	dimension := ix.Dimension()
	vectors := make([]float32, 0, len(matrix)*dimension)
	positions := make(map[int64]int, len(ids))
	for i, row := range matrix {
		if len(row) != dimension {
			return fmt.Errorf("%w: row %d has %d, index has %d", ErrDimensionMismatch, i, len(row), dimension)
		}
		if _, dup := positions[ids[i]]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateID, ids[i])
		}
		positions[ids[i]] = i
		vectors = append(vectors, row...)
	}

	newIDs := make([]int64, len(ids))
	copy(newIDs, ids)

	// Swap the fully-built state in under one write lock.
	ix.mu.Lock()
	ix.vectors = vectors
	ix.ids = newIDs
	ix.positions = positions
	ix.refs = make(map[int64]int64)
	ix.mu.Unlock()
	return nil
}

// SetRef associates an auxiliary id (e.g. parent service) with an entry.
func (ix *Index) SetRef(id, ref int64) {
	ix.mu.Lock()
	ix.refs[id] = ref
	ix.mu.Unlock()
}

// Ref returns the auxiliary id associated with an entry.
func (ix *Index) Ref(id int64) (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ref, ok := ix.refs[id]
	return ref, ok
}

// Search returns up to k entries ordered by descending score. Cosine
// similarity is mapped into [0,1] as (cos+1)/2; a zero query vector
// scores every entry 0.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), ix.dimension)
	}
	if k <= 0 || len(ix.ids) == 0 {
		return []Result{}, nil
	}

	var queryNorm float64
	for _, v := range query {
		queryNorm += float64(v) * float64(v)
	}
	queryNorm = math.Sqrt(queryNorm)

	results := make([]Result, len(ix.ids))
	for pos, id := range ix.ids {
		results[pos] = Result{ID: id, Score: ix.score(query, queryNorm, pos)}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// score computes the bounded similarity for one stored vector. A zero
// vector on either side scores 0.
func (ix *Index) score(query []float32, queryNorm float64, pos int) float64 {
	if queryNorm == 0 {
		return 0
	}

	row := ix.vectors[pos*ix.dimension : (pos+1)*ix.dimension]
	var dot, rowNorm float64
	for i, v := range row {
		dot += float64(v) * float64(query[i])
		rowNorm += float64(v) * float64(v)
	}
	if rowNorm == 0 {
		return 0
	}

	cos := dot / (queryNorm * math.Sqrt(rowNorm))
	// Clamp against float drift before mapping into [0,1].
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}
