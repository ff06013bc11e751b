package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/apx-bio/secseg/secseg"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerArrayRegionIO(t *testing.T) {
	store := openTestBadger(t)
	a, err := store.CreateArray("labels/nuclei/0", Shape3d{2, 10, 12}, Shape3d{1, 4, 5}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	fillSequential(t, a)

	checkRegion(t, a, Region{Beg: Shape3d{0, 0, 0}, End: Shape3d{2, 10, 12}})
	checkRegion(t, a, Region{Beg: Shape3d{1, 3, 4}, End: Shape3d{2, 9, 11}})

	// Reopen through metadata and read the same values back.
	b, err := store.OpenArray("labels/nuclei/0")
	if err != nil {
		t.Fatal(err)
	}
	if b.Shape() != a.Shape() || b.ChunkShape() != a.ChunkShape() || b.DataType() != Uint32 {
		t.Fatalf("reopened array metadata mismatch: %s %s %s", b.Shape(), b.ChunkShape(), b.DataType())
	}
	checkRegion(t, b, Region{Beg: Shape3d{0, 2, 2}, End: Shape3d{1, 5, 6}})
}

func TestBadgerCreateWithoutOverwrite(t *testing.T) {
	store := openTestBadger(t)
	if _, err := store.CreateArray("dup", Shape3d{1, 4, 4}, Shape3d{1, 4, 4}, Uint32, false); err != nil {
		t.Fatal(err)
	}
	_, err := store.CreateArray("dup", Shape3d{1, 4, 4}, Shape3d{1, 4, 4}, Uint32, false)
	var cerr *secseg.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBadgerConcurrentWritesSharingChunk(t *testing.T) {
	store := openTestBadger(t)
	shape := Shape3d{1, 64, 8}
	// One chunk spans the whole array, so every slab write contends on the
	// same chunk's read-modify-write.
	a, err := store.CreateArray("shared", shape, shape, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}

	const slabs = 8
	errs := make(chan error, slabs)
	var wg sync.WaitGroup
	for w := 0; w < slabs; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := Region{
				Beg: Shape3d{0, int64(w) * 8, 0},
				End: Shape3d{1, int64(w)*8 + 8, 8},
			}
			vals := make([]uint32, r.NumVoxels())
			for i := range vals {
				vals[i] = uint32(w + 1)
			}
			errs <- a.WriteRegion(r, packU32(vals))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("disjoint concurrent write failed: %v", err)
		}
	}

	data, err := a.ReadRegion(Region{End: shape})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range unpackU32(data) {
		want := uint32(i/64 + 1)
		if v != want {
			t.Fatalf("voxel %d: got %d, want %d (a slab write was lost)", i, v, want)
		}
	}
}

func TestBadgerUncompressedReadModifyWrite(t *testing.T) {
	store := openTestBadger(t)
	store.compression = secseg.Uncompressed
	store.checksum = secseg.NoChecksum

	a, err := store.CreateArray("raw", Shape3d{1, 8, 8}, Shape3d{1, 8, 8}, Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	fillSequential(t, a)
	// Second write forces read-modify-write of the existing chunk; the
	// untouched half must read back intact.
	half := Region{Beg: Shape3d{0, 0, 0}, End: Shape3d{1, 4, 8}}
	vals := make([]uint32, half.NumVoxels())
	for i := range vals {
		vals[i] = 999
	}
	if err := a.WriteRegion(half, packU32(vals)); err != nil {
		t.Fatal(err)
	}
	data, err := a.ReadRegion(Region{End: Shape3d{1, 8, 8}})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range unpackU32(data) {
		y, x := int64(i)/8, int64(i)%8
		want := uint32(999)
		if y >= 4 {
			want = uint32(y*100 + x)
		}
		if v != want {
			t.Fatalf("voxel (%d,%d): got %d, want %d", y, x, v, want)
		}
	}
}

func TestBadgerAttrs(t *testing.T) {
	store := openTestBadger(t)
	type attrs struct {
		RunID string `json:"run_id"`
	}
	if err := store.SetAttrs("labels/out", attrs{RunID: "abc"}); err != nil {
		t.Fatal(err)
	}
	var got attrs
	if err := store.GetAttrs("labels/out", &got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != "abc" {
		t.Fatalf("attrs round trip: got %+v", got)
	}
	if err := store.GetAttrs("labels/other", &got); err == nil {
		t.Fatal("expected error for missing attrs")
	}
}
