package roi

import (
	"errors"
	"testing"

	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
)

// A 9-field well table: pixel size 0.65 um in x/y, 1.0 um in z.
var pixelSizes = [3]float64{1.0, 0.65, 0.65}

func wellTable() Table {
	return Table{
		Name: "FOV_ROI_table",
		ROIs: []ROI{
			{Name: "FOV_1", LenXMicrometer: 416, LenYMicrometer: 351, LenZMicrometer: 1},
			{Name: "FOV_2", XMicrometer: 416, LenXMicrometer: 416, LenYMicrometer: 351, LenZMicrometer: 1},
			{Name: "FOV_3", YMicrometer: 351, LenXMicrometer: 416, LenYMicrometer: 351, LenZMicrometer: 1},
		},
	}
}

func TestToIndicesLevel0(t *testing.T) {
	indices, err := wellTable().ToIndices(0, 2, pixelSizes)
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 3 {
		t.Fatalf("expected 3 ranges, got %d", len(indices))
	}
	// 416 / 0.65 = 640, 351 / 0.65 = 540.
	want := IndexRange{ZStart: 0, ZEnd: 1, YStart: 0, YEnd: 540, XStart: 0, XEnd: 640}
	if indices[0] != want {
		t.Fatalf("FOV_1 at level 0: got %+v, want %+v", indices[0], want)
	}
	if indices[1].XStart != 640 || indices[1].XEnd != 1280 {
		t.Fatalf("FOV_2 x range: got [%d,%d), want [640,1280)", indices[1].XStart, indices[1].XEnd)
	}
	if indices[2].YStart != 540 || indices[2].YEnd != 1080 {
		t.Fatalf("FOV_3 y range: got [%d,%d), want [540,1080)", indices[2].YStart, indices[2].YEnd)
	}
}

func TestToIndicesCoarserLevel(t *testing.T) {
	indices, err := wellTable().ToIndices(2, 2, pixelSizes)
	if err != nil {
		t.Fatal(err)
	}
	// At level 2 with coarsening 2 the effective xy pixel size is 2.6 um,
	// so extents shrink by 4 while z is untouched.
	got := indices[1]
	if got.XStart != 160 || got.XEnd != 320 {
		t.Fatalf("FOV_2 x range at level 2: got [%d,%d), want [160,320)", got.XStart, got.XEnd)
	}
	if got.YEnd != 135 {
		t.Fatalf("FOV_2 y end at level 2: got %d, want 135", got.YEnd)
	}
	if got.ZStart != 0 || got.ZEnd != 1 {
		t.Fatalf("z range must not coarsen: got [%d,%d)", got.ZStart, got.ZEnd)
	}
}

func TestToIndicesBadPixelSize(t *testing.T) {
	_, err := wellTable().ToIndices(0, 2, [3]float64{1, 0, 0.65})
	var cerr *secseg.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for zero pixel size, got %v", err)
	}
}

func TestCheckValidAcceptsInBounds(t *testing.T) {
	indices, err := wellTable().ToIndices(0, 2, pixelSizes)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckValid("FOV_ROI_table", indices, storage.Shape3d{1, 1080, 1280}); err != nil {
		t.Fatalf("in-bounds ranges rejected: %v", err)
	}
}

func TestCheckValidRejections(t *testing.T) {
	shape := storage.Shape3d{1, 100, 100}
	cases := []struct {
		name string
		r    IndexRange
	}{
		{"negative start", IndexRange{YStart: -1, ZEnd: 1, YEnd: 10, XEnd: 10}},
		{"inverted", IndexRange{ZEnd: 1, YStart: 20, YEnd: 10, XEnd: 10}},
		{"empty", IndexRange{ZEnd: 1, YStart: 10, YEnd: 10, XEnd: 10}},
		{"out of bounds", IndexRange{ZEnd: 1, YEnd: 10, XEnd: 101}},
	}
	for _, tc := range cases {
		err := CheckValid("stale", []IndexRange{tc.r}, shape)
		var cerr *secseg.ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("%s: expected ConfigurationError, got %v", tc.name, err)
		}
	}
}

func TestOverlaps(t *testing.T) {
	a := IndexRange{ZEnd: 1, YEnd: 10, XEnd: 10}
	b := IndexRange{ZEnd: 1, YStart: 9, YEnd: 20, XStart: 9, XEnd: 20}
	c := IndexRange{ZEnd: 1, YStart: 10, YEnd: 20, XStart: 10, XEnd: 20}
	if !a.Overlaps(b) {
		t.Error("ranges sharing voxel (0,9,9) must overlap")
	}
	if a.Overlaps(c) {
		t.Error("half-open ranges meeting at a boundary must not overlap")
	}
}
