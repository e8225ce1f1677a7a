package vectorindex

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// artifact is the on-disk form of an index: dimension, ordered id list,
// the flat vector buffer and the auxiliary ref map.
type artifact struct {
	Dimension int
	IDs       []int64
	Vectors   []float32
	Refs      map[int64]int64
}

// Save persists the index through a temp-file-then-rename so readers
// never observe a partially written artifact.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	art := artifact{
		Dimension: ix.dimension,
		IDs:       append([]int64(nil), ix.ids...),
		Vectors:   append([]float32(nil), ix.vectors...),
		Refs:      make(map[int64]int64, len(ix.refs)),
	}
	for id, ref := range ix.refs {
		art.Refs[id] = ref
	}
	ix.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := gob.NewEncoder(tmp).Encode(art); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move index into place: %w", err)
	}
	return nil
}

// Load replaces the index contents from a persisted artifact. The
// stored dimension replaces the current one.
func (ix *Index) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var art artifact
	if err := gob.NewDecoder(f).Decode(&art); err != nil {
		return fmt.Errorf("failed to decode index %s: %w", path, err)
	}
	if art.Dimension > 0 && len(art.Vectors) != len(art.IDs)*art.Dimension {
		return fmt.Errorf("index %s is corrupt: %d vectors for %d ids at dimension %d",
			path, len(art.Vectors), len(art.IDs), art.Dimension)
	}

	positions := make(map[int64]int, len(art.IDs))
	for pos, id := range art.IDs {
		if _, dup := positions[id]; dup {
			return fmt.Errorf("index %s is corrupt: %w: %d", path, ErrDuplicateID, id)
		}
		positions[id] = pos
	}
	if art.Refs == nil {
		art.Refs = make(map[int64]int64)
	}

	ix.mu.Lock()
	ix.dimension = art.Dimension
	ix.ids = art.IDs
	ix.vectors = art.Vectors
	ix.positions = positions
	ix.refs = art.Refs
	ix.mu.Unlock()
	return nil
}
