/*
	Badger-backed chunk store.  One Badger database holds any number of named
	chunked arrays: array metadata under "m:"-prefixed keys (gob, snappy
	compressed), chunk payloads under "c:"-prefixed keys with big-endian
	(z,y,x) chunk coordinates so keys sort in ZYX raster order, and group
	attributes under "a:"-prefixed keys as JSON.
*/

package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apx-bio/secseg/secseg"
	"github.com/dgraph-io/badger/v3"
	humanize "github.com/dustin/go-humanize"
)

// BadgerStore is a Store backed by a single Badger key-value database.
type BadgerStore struct {
	directory string
	bdp       *badger.DB

	// Compression and checksum applied to chunk payloads.
	compression secseg.Compression
	checksum    secseg.Checksum
}

// badgerLogger routes badger's internal logging through the secseg logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { secseg.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { secseg.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { secseg.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { secseg.Debugf(format, args...) }

// OpenBadgerStore returns a Badger-backed store, creating the database at
// path if it doesn't exist.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		secseg.Infof("Database not already at path (%s). Creating directory...\n", path)
		if err := os.MkdirAll(path, 0744); err != nil {
			return nil, secseg.WrapStorageError(err, "can't make directory at %s", path)
		}
	}
	opts := badger.DefaultOptions(path)
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = false
	opts.ValueThreshold = 100
	opts.Logger = badgerLogger{}

	secseg.Infof("Opening badger @ path %s\n", path)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, secseg.WrapStorageError(err, "open badger @ %s", path)
	}
	return &BadgerStore{
		directory:   path,
		bdp:         bdp,
		compression: secseg.Snappy,
		checksum:    secseg.CRC32,
	}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.bdp == nil {
		return nil
	}
	return s.bdp.Close()
}

// arrayMeta is the persisted description of one chunked array.
type arrayMeta struct {
	Shape      Shape3d
	ChunkShape Shape3d
	DataType   DataType
}

func metaKey(name string) []byte  { return append([]byte("m:"), name...) }
func attrsKey(name string) []byte { return append([]byte("a:"), name...) }

// chunkKey encodes the chunk coordinate big-endian so chunks of one array
// sort in (z,y,x) raster order.
func chunkKey(name string, c Shape3d) []byte {
	k := make([]byte, 0, len(name)+2+1+24)
	k = append(k, "c:"...)
	k = append(k, name...)
	k = append(k, 0x00)
	var coord [24]byte
	binary.BigEndian.PutUint64(coord[0:8], uint64(c[0]))
	binary.BigEndian.PutUint64(coord[8:16], uint64(c[1]))
	binary.BigEndian.PutUint64(coord[16:24], uint64(c[2]))
	return append(k, coord[:]...)
}

// chunkPrefix covers every chunk key of one array.
func chunkPrefix(name string) []byte {
	k := make([]byte, 0, len(name)+3)
	k = append(k, "c:"...)
	k = append(k, name...)
	return append(k, 0x00)
}

// --- Store interface ---

func (s *BadgerStore) CreateArray(name string, shape, chunkShape Shape3d, dtype DataType, overwrite bool) (Array, error) {
	if dtype.BytesPerVoxel() == 0 {
		return nil, secseg.NewConfigurationError("array %q: unknown dtype %d", name, dtype)
	}
	err := s.bdp.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(name))
		return err
	})
	switch err {
	case badger.ErrKeyNotFound:
		// create below
	case nil:
		if !overwrite {
			return nil, secseg.NewConfigurationError("array %q already exists and overwrite is disallowed", name)
		}
		if err := s.deleteChunks(name); err != nil {
			return nil, err
		}
	default:
		return nil, secseg.WrapStorageError(err, "check existence of array %q", name)
	}

	meta := arrayMeta{Shape: shape, ChunkShape: chunkShape, DataType: dtype}
	serialization, err := secseg.Serialize(meta, s.compression, s.checksum)
	if err != nil {
		return nil, secseg.WrapStorageError(err, "serialize metadata of array %q", name)
	}
	if err := s.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), serialization)
	}); err != nil {
		return nil, secseg.WrapStorageError(err, "store metadata of array %q", name)
	}
	secseg.Infof("Created array %q: shape %s, chunks %s, %s, %s per chunk\n",
		name, shape, chunkShape, dtype, humanize.Bytes(uint64(chunkShape.NumVoxels()*dtype.BytesPerVoxel())))
	return &badgerArray{store: s, name: name, meta: meta}, nil
}

func (s *BadgerStore) OpenArray(name string) (Array, error) {
	var meta arrayMeta
	err := s.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return secseg.Deserialize(val, &meta)
		})
	})
	if err != nil {
		return nil, secseg.WrapStorageError(err, "open array %q", name)
	}
	return &badgerArray{store: s, name: name, meta: meta}, nil
}

func (s *BadgerStore) GetAttrs(name string, v interface{}) error {
	var data []byte
	err := s.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attrsKey(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return secseg.WrapStorageError(err, "attributes of %q", name)
	}
	return json.Unmarshal(data, v)
}

func (s *BadgerStore) SetAttrs(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return secseg.WrapStorageError(err, "marshal attributes of %q", name)
	}
	if err := s.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(attrsKey(name), data)
	}); err != nil {
		return secseg.WrapStorageError(err, "store attributes of %q", name)
	}
	return nil
}

// deleteChunks drops every chunk of an array, used on overwrite.
func (s *BadgerStore) deleteChunks(name string) error {
	wb := s.bdp.NewWriteBatch()
	defer wb.Cancel()
	prefix := chunkPrefix(name)
	err := s.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // key only
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return secseg.WrapStorageError(err, "delete chunks of array %q", name)
	}
	if err := wb.Flush(); err != nil {
		return secseg.WrapStorageError(err, "flush chunk deletions of array %q", name)
	}
	return nil
}

// badgerArray implements Array over one named array in a BadgerStore.
type badgerArray struct {
	store *BadgerStore
	name  string
	meta  arrayMeta
}

// --- Array interface ---

func (a *badgerArray) Shape() Shape3d      { return a.meta.Shape }
func (a *badgerArray) ChunkShape() Shape3d { return a.meta.ChunkShape }
func (a *badgerArray) DataType() DataType  { return a.meta.DataType }

func (a *badgerArray) ReadRegion(r Region) ([]byte, error) {
	if !r.Inside(a.meta.Shape) {
		return nil, secseg.WrapStorageError(nil, "read of region %s outside array %q shape %s", r, a.name, a.meta.Shape)
	}
	bpv := a.meta.DataType.BytesPerVoxel()
	size := r.Size()
	out := make([]byte, size.NumVoxels()*bpv)

	err := a.store.bdp.View(func(txn *badger.Txn) error {
		return forEachChunk(r, a.meta.ChunkShape, func(c Shape3d) error {
			item, err := txn.Get(chunkKey(a.name, c))
			if err == badger.ErrKeyNotFound {
				return nil // reads as zeros
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				chunk, _, err := secseg.DeserializeData(val, true)
				if err != nil {
					return fmt.Errorf("corrupt chunk %s of array %q: %v", c, a.name, err)
				}
				cext := chunkRegion(c, a.meta.ChunkShape, a.meta.Shape)
				overlap, ok := r.Intersect(cext)
				if !ok {
					return nil
				}
				dstOff := Shape3d{overlap.Beg[0] - r.Beg[0], overlap.Beg[1] - r.Beg[1], overlap.Beg[2] - r.Beg[2]}
				srcOff := Shape3d{overlap.Beg[0] - cext.Beg[0], overlap.Beg[1] - cext.Beg[1], overlap.Beg[2] - cext.Beg[2]}
				copyRegion(out, size, dstOff, chunk, cext.Size(), srcOff, overlap.Size(), bpv)
				return nil
			})
		})
	})
	if err != nil {
		return nil, secseg.WrapStorageError(err, "read region %s of array %q", r, a.name)
	}
	return out, nil
}

func (a *badgerArray) WriteRegion(r Region, data []byte) error {
	if !r.Inside(a.meta.Shape) {
		return secseg.WrapStorageError(nil, "write of region %s outside array %q shape %s", r, a.name, a.meta.Shape)
	}
	bpv := a.meta.DataType.BytesPerVoxel()
	size := r.Size()
	if int64(len(data)) != size.NumVoxels()*bpv {
		return secseg.WrapStorageError(nil, "write of region %s to array %q: got %d bytes, expected %d",
			r, a.name, len(data), size.NumVoxels()*bpv)
	}

	// Chunk updates are read-modify-write in an optimistic transaction, so
	// concurrent writers addressing disjoint voxels of a shared chunk can
	// conflict at commit.  The transaction is retried from scratch; each
	// retry re-reads the freshly committed chunk, so no update is lost.
	for {
		err := a.store.bdp.Update(func(txn *badger.Txn) error {
			return forEachChunk(r, a.meta.ChunkShape, func(c Shape3d) error {
				cext := chunkRegion(c, a.meta.ChunkShape, a.meta.Shape)
				overlap, ok := r.Intersect(cext)
				if !ok {
					return nil
				}
				var chunk []byte
				item, err := txn.Get(chunkKey(a.name, c))
				switch err {
				case badger.ErrKeyNotFound:
					chunk = make([]byte, cext.NumVoxels()*bpv)
				case nil:
					// ValueCopy so the chunk buffer is owned here: an
					// uncompressed payload would otherwise alias badger's
					// internal buffer beyond its valid lifetime.
					val, verr := item.ValueCopy(nil)
					if verr != nil {
						return verr
					}
					if chunk, _, verr = secseg.DeserializeData(val, true); verr != nil {
						return fmt.Errorf("corrupt chunk %s of array %q: %v", c, a.name, verr)
					}
				default:
					return err
				}
				dstOff := Shape3d{overlap.Beg[0] - cext.Beg[0], overlap.Beg[1] - cext.Beg[1], overlap.Beg[2] - cext.Beg[2]}
				srcOff := Shape3d{overlap.Beg[0] - r.Beg[0], overlap.Beg[1] - r.Beg[1], overlap.Beg[2] - r.Beg[2]}
				copyRegion(chunk, cext.Size(), dstOff, data, size, srcOff, overlap.Size(), bpv)

				serialization, err := secseg.SerializeData(chunk, a.store.compression, a.store.checksum)
				if err != nil {
					return err
				}
				return txn.Set(chunkKey(a.name, c), serialization)
			})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return secseg.WrapStorageError(err, "write region %s of array %q", r, a.name)
		}
		return nil
	}
}
