package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apx-bio/secseg/secseg"
)

// MemStore is an in-memory Store used in tests and as the reference Array
// implementation.  Safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	arrays map[string]*memArray
	attrs  map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		arrays: make(map[string]*memArray),
		attrs:  make(map[string][]byte),
	}
}

// --- Store interface ---

func (s *MemStore) CreateArray(name string, shape, chunkShape Shape3d, dtype DataType, overwrite bool) (Array, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.arrays[name]; found && !overwrite {
		return nil, secseg.NewConfigurationError("array %q already exists and overwrite is disallowed", name)
	}
	if dtype.BytesPerVoxel() == 0 {
		return nil, secseg.NewConfigurationError("array %q: unknown dtype %d", name, dtype)
	}
	a := &memArray{
		name:       name,
		shape:      shape,
		chunkShape: chunkShape,
		dtype:      dtype,
		chunks:     make(map[Shape3d][]byte),
	}
	s.arrays[name] = a
	return a, nil
}

func (s *MemStore) OpenArray(name string) (Array, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, found := s.arrays[name]
	if !found {
		return nil, secseg.WrapStorageError(fmt.Errorf("not found"), "open array %q", name)
	}
	return a, nil
}

func (s *MemStore) GetAttrs(name string, v interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, found := s.attrs[name]
	if !found {
		return secseg.WrapStorageError(fmt.Errorf("not found"), "attributes of %q", name)
	}
	return json.Unmarshal(data, v)
}

func (s *MemStore) SetAttrs(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return secseg.WrapStorageError(err, "marshal attributes of %q", name)
	}
	s.mu.Lock()
	s.attrs[name] = data
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Close() error { return nil }

// memArray stores chunks in a map keyed by chunk coordinate.  Chunks are
// allocated lazily; absent chunks read as zeros.
type memArray struct {
	name       string
	shape      Shape3d
	chunkShape Shape3d
	dtype      DataType

	mu     sync.RWMutex
	chunks map[Shape3d][]byte
}

// --- Array interface ---

func (a *memArray) Shape() Shape3d      { return a.shape }
func (a *memArray) ChunkShape() Shape3d { return a.chunkShape }
func (a *memArray) DataType() DataType  { return a.dtype }

func (a *memArray) ReadRegion(r Region) ([]byte, error) {
	if !r.Inside(a.shape) {
		return nil, secseg.WrapStorageError(nil, "read of region %s outside array %q shape %s", r, a.name, a.shape)
	}
	bpv := a.dtype.BytesPerVoxel()
	size := r.Size()
	out := make([]byte, size.NumVoxels()*bpv)

	a.mu.RLock()
	defer a.mu.RUnlock()
	err := forEachChunk(r, a.chunkShape, func(c Shape3d) error {
		chunk, found := a.chunks[c]
		if !found {
			return nil // reads as zeros
		}
		cext := chunkRegion(c, a.chunkShape, a.shape)
		overlap, ok := r.Intersect(cext)
		if !ok {
			return nil
		}
		dstOff := Shape3d{overlap.Beg[0] - r.Beg[0], overlap.Beg[1] - r.Beg[1], overlap.Beg[2] - r.Beg[2]}
		srcOff := Shape3d{overlap.Beg[0] - cext.Beg[0], overlap.Beg[1] - cext.Beg[1], overlap.Beg[2] - cext.Beg[2]}
		copyRegion(out, size, dstOff, chunk, cext.Size(), srcOff, overlap.Size(), bpv)
		return nil
	})
	return out, err
}

func (a *memArray) WriteRegion(r Region, data []byte) error {
	if !r.Inside(a.shape) {
		return secseg.WrapStorageError(nil, "write of region %s outside array %q shape %s", r, a.name, a.shape)
	}
	bpv := a.dtype.BytesPerVoxel()
	size := r.Size()
	if int64(len(data)) != size.NumVoxels()*bpv {
		return secseg.WrapStorageError(nil, "write of region %s to array %q: got %d bytes, expected %d",
			r, a.name, len(data), size.NumVoxels()*bpv)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return forEachChunk(r, a.chunkShape, func(c Shape3d) error {
		cext := chunkRegion(c, a.chunkShape, a.shape)
		overlap, ok := r.Intersect(cext)
		if !ok {
			return nil
		}
		chunk, found := a.chunks[c]
		if !found {
			chunk = make([]byte, cext.NumVoxels()*bpv)
			a.chunks[c] = chunk
		}
		dstOff := Shape3d{overlap.Beg[0] - cext.Beg[0], overlap.Beg[1] - cext.Beg[1], overlap.Beg[2] - cext.Beg[2]}
		srcOff := Shape3d{overlap.Beg[0] - r.Beg[0], overlap.Beg[1] - r.Beg[1], overlap.Beg[2] - r.Beg[2]}
		copyRegion(chunk, cext.Size(), dstOff, data, size, srcOff, overlap.Size(), bpv)
		return nil
	})
}
