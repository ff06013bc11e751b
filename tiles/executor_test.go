package tiles

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
)

type countingObserver struct {
	started, done, levels int32
}

func (o *countingObserver) TileStarted(tileIndex, numTiles int, r roi.IndexRange) {
	atomic.AddInt32(&o.started, 1)
}

func (o *countingObserver) TileDone(tileIndex, numTiles int, r roi.IndexRange) {
	atomic.AddInt32(&o.done, 1)
}

func (o *countingObserver) LevelBuilt(level int) {
	atomic.AddInt32(&o.levels, 1)
}

func quadrantRanges() []roi.IndexRange {
	return []roi.IndexRange{
		{ZEnd: 1, YEnd: 8, XEnd: 8},
		{ZEnd: 1, YEnd: 8, XStart: 8, XEnd: 16},
		{ZEnd: 1, YStart: 8, YEnd: 16, XEnd: 8},
		{ZEnd: 1, YStart: 8, YEnd: 16, XStart: 8, XEnd: 16},
	}
}

func TestExecutorRunsEveryTile(t *testing.T) {
	store := storage.NewMemStore()
	in, err := store.CreateArray("in", storage.Shape3d{1, 16, 16}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := store.CreateArray("out", storage.Shape3d{1, 16, 16}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}

	obs := &countingObserver{}
	ranges := quadrantRanges()
	ex := Executor{Workers: 2, Observer: obs}
	// Write the tile index + 1 into every voxel of the tile.
	err = ex.Run(context.Background(), RunSpec{
		Inputs: []storage.Array{in},
		Output: out,
		Ranges: ranges,
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			if len(inputs) != 1 || int64(len(inputs[0])) != r.Size().NumVoxels()*4 {
				t.Errorf("tile %d: bad input sizing", tileIndex)
			}
			buf := make([]byte, r.Size().NumVoxels()*4)
			for i := int64(0); i < r.Size().NumVoxels(); i++ {
				binary.LittleEndian.PutUint32(buf[i*4:], uint32(tileIndex+1))
			}
			return buf, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if obs.started != 4 || obs.done != 4 {
		t.Fatalf("observer counts: %d started, %d done, want 4 each", obs.started, obs.done)
	}
	for i, r := range ranges {
		data, err := out.ReadRegion(r.Region())
		if err != nil {
			t.Fatal(err)
		}
		for off := 0; off < len(data); off += 4 {
			if v := binary.LittleEndian.Uint32(data[off:]); v != uint32(i+1) {
				t.Fatalf("tile %d voxel holds %d, want %d", i, v, i+1)
			}
		}
	}
}

func TestExecutorRejectsOverlap(t *testing.T) {
	store := storage.NewMemStore()
	out, err := store.CreateArray("out", storage.Shape3d{1, 16, 16}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	var calls int32
	err = (&Executor{}).Run(context.Background(), RunSpec{
		Output: out,
		Ranges: []roi.IndexRange{
			{ZEnd: 1, YEnd: 10, XEnd: 10},
			{ZEnd: 1, YStart: 9, YEnd: 16, XStart: 9, XEnd: 16},
		},
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return make([]byte, r.Size().NumVoxels()*4), nil
		},
	})
	var cerr *secseg.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for overlapping ranges, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("transform ran %d times before validation failed", calls)
	}
}

func TestExecutorRejectsOutOfBounds(t *testing.T) {
	store := storage.NewMemStore()
	out, err := store.CreateArray("out", storage.Shape3d{1, 8, 8}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	err = (&Executor{}).Run(context.Background(), RunSpec{
		Output: out,
		Ranges: []roi.IndexRange{{ZEnd: 1, YEnd: 8, XEnd: 9}},
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			return nil, nil
		},
	})
	var cerr *secseg.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for out-of-bounds range, got %v", err)
	}
}

func TestExecutorAbortsOnTileError(t *testing.T) {
	store := storage.NewMemStore()
	out, err := store.CreateArray("out", storage.Shape3d{1, 16, 16}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	boom := secseg.NewTileComputationError("tile exploded")
	err = (&Executor{Workers: 1}).Run(context.Background(), RunSpec{
		Output: out,
		Ranges: quadrantRanges(),
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			if tileIndex == 1 {
				return nil, boom
			}
			return make([]byte, r.Size().NumVoxels()*4), nil
		},
	})
	var terr *secseg.TileComputationError
	if !errors.As(err, &terr) {
		t.Fatalf("expected the tile error to surface, got %v", err)
	}
}

func TestExecutorCancelledRunIsNotSuccess(t *testing.T) {
	store := storage.NewMemStore()
	out, err := store.CreateArray("out", storage.Shape3d{1, 16, 16}, storage.Shape3d{1, 8, 8}, storage.Uint32, false)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var processed int32
	err = (&Executor{Workers: 1}).Run(ctx, RunSpec{
		Output: out,
		Ranges: quadrantRanges(),
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			atomic.AddInt32(&processed, 1)
			if tileIndex == 0 {
				cancel()
			}
			return make([]byte, r.Size().NumVoxels()*4), nil
		},
	})
	if err == nil {
		t.Fatalf("run processed only %d of 4 tiles after cancellation yet returned nil error", processed)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if processed == 4 {
		t.Fatal("cancellation did not stop tile dispatch")
	}
}

func TestFullExtentRanges(t *testing.T) {
	ranges := FullExtentRanges(storage.Shape3d{3, 10, 12})
	if len(ranges) != 3 {
		t.Fatalf("expected one range per z slab, got %d", len(ranges))
	}
	for z, r := range ranges {
		want := roi.IndexRange{ZStart: int64(z), ZEnd: int64(z) + 1, YEnd: 10, XEnd: 12}
		if r != want {
			t.Fatalf("slab %d: got %+v, want %+v", z, r, want)
		}
	}
}
