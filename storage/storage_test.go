package storage

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/apx-bio/secseg/secseg"
)

func packU32(vals []uint32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func unpackU32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}

// fillSequential writes v = z*10000 + y*100 + x over the whole array so any
// addressing mistake shows up as a wrong value, not a zero.
func fillSequential(t *testing.T, a Array) {
	t.Helper()
	shape := a.Shape()
	vals := make([]uint32, shape.NumVoxels())
	i := 0
	for z := int64(0); z < shape[0]; z++ {
		for y := int64(0); y < shape[1]; y++ {
			for x := int64(0); x < shape[2]; x++ {
				vals[i] = uint32(z*10000 + y*100 + x)
				i++
			}
		}
	}
	if err := a.WriteRegion(Region{End: shape}, packU32(vals)); err != nil {
		t.Fatalf("write full region: %v", err)
	}
}

func checkRegion(t *testing.T, a Array, r Region) {
	t.Helper()
	data, err := a.ReadRegion(r)
	if err != nil {
		t.Fatalf("read region %s: %v", r, err)
	}
	vals := unpackU32(data)
	i := 0
	for z := r.Beg[0]; z < r.End[0]; z++ {
		for y := r.Beg[1]; y < r.End[1]; y++ {
			for x := r.Beg[2]; x < r.End[2]; x++ {
				want := uint32(z*10000 + y*100 + x)
				if vals[i] != want {
					t.Fatalf("region %s voxel (%d,%d,%d): got %d, want %d", r, z, y, x, vals[i], want)
				}
				i++
			}
		}
	}
}

func TestMemArrayRegionIO(t *testing.T) {
	store := NewMemStore()
	a, err := store.CreateArray("test", Shape3d{3, 10, 12}, Shape3d{2, 4, 5}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	fillSequential(t, a)

	// Regions crossing chunk boundaries in every axis.
	checkRegion(t, a, Region{Beg: Shape3d{0, 0, 0}, End: Shape3d{3, 10, 12}})
	checkRegion(t, a, Region{Beg: Shape3d{1, 3, 4}, End: Shape3d{3, 9, 11}})
	checkRegion(t, a, Region{Beg: Shape3d{0, 2, 2}, End: Shape3d{1, 5, 6}})
}

func TestMemArrayUnwrittenReadsZero(t *testing.T) {
	store := NewMemStore()
	a, err := store.CreateArray("test", Shape3d{1, 8, 8}, Shape3d{1, 4, 4}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	data, err := a.ReadRegion(Region{End: Shape3d{1, 8, 8}})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range unpackU32(data) {
		if v != 0 {
			t.Fatalf("voxel %d of unwritten array reads %d, want 0", i, v)
		}
	}
}

func TestMemArrayOutOfBounds(t *testing.T) {
	store := NewMemStore()
	a, err := store.CreateArray("test", Shape3d{1, 8, 8}, Shape3d{1, 4, 4}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReadRegion(Region{Beg: Shape3d{0, 0, 0}, End: Shape3d{1, 8, 9}}); err == nil {
		t.Fatal("expected error reading region outside array bounds")
	}
	var serr *secseg.StorageError
	_, err = a.ReadRegion(Region{Beg: Shape3d{0, 4, 4}, End: Shape3d{1, 2, 2}})
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError for inverted region, got %v", err)
	}
}

func TestCreateArrayOverwrite(t *testing.T) {
	store := NewMemStore()
	if _, err := store.CreateArray("dup", Shape3d{1, 4, 4}, Shape3d{1, 4, 4}, Uint32, false); err != nil {
		t.Fatal(err)
	}
	_, err := store.CreateArray("dup", Shape3d{1, 4, 4}, Shape3d{1, 4, 4}, Uint32, false)
	var cerr *secseg.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError creating existing array without overwrite, got %v", err)
	}
	if _, err := store.CreateArray("dup", Shape3d{1, 4, 4}, Shape3d{1, 4, 4}, Uint32, true); err != nil {
		t.Fatalf("create with overwrite: %v", err)
	}
}

func TestMemStoreAttrs(t *testing.T) {
	store := NewMemStore()
	type attrs struct {
		Name   string `json:"name"`
		Levels int    `json:"levels"`
	}
	if err := store.SetAttrs("group", attrs{Name: "nuclei", Levels: 3}); err != nil {
		t.Fatal(err)
	}
	var got attrs
	if err := store.GetAttrs("group", &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "nuclei" || got.Levels != 3 {
		t.Fatalf("attrs round trip: got %+v", got)
	}
}

func TestCachedArray(t *testing.T) {
	store := NewMemStore()
	a, err := store.CreateArray("test", Shape3d{1, 8, 8}, Shape3d{1, 4, 4}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	fillSequential(t, a)

	cached := NewCachedArray(a, 1<<20)
	r := Region{Beg: Shape3d{0, 2, 2}, End: Shape3d{1, 6, 6}}
	first, err := cached.ReadRegion(r)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cached.ReadRegion(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached read changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached read differs at byte %d", i)
		}
	}
	hits, misses := cached.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d hits, %d misses", hits, misses)
	}
	if err := cached.WriteRegion(r, first); err == nil {
		t.Fatal("expected error writing through cached array")
	}
}
