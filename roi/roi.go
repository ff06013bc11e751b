/*
	Package roi converts tables of physical-space regions of interest into
	validated pixel-index ranges used to tile out-of-core processing.  ROI
	tables are externally authored and can reference stale geometry, so every
	produced range is checked against image bounds before any tile work
	begins.
*/
package roi

import (
	"math"

	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
)

// ROI is one axis-aligned region expressed in physical units (micrometers).
type ROI struct {
	Name string `json:"name" toml:"name"`

	XMicrometer float64 `json:"x_micrometer" toml:"x_micrometer"`
	YMicrometer float64 `json:"y_micrometer" toml:"y_micrometer"`
	ZMicrometer float64 `json:"z_micrometer" toml:"z_micrometer"`

	LenXMicrometer float64 `json:"len_x_micrometer" toml:"len_x_micrometer"`
	LenYMicrometer float64 `json:"len_y_micrometer" toml:"len_y_micrometer"`
	LenZMicrometer float64 `json:"len_z_micrometer" toml:"len_z_micrometer"`
}

// Table is an ordered collection of ROIs.  Regions may be disjoint or may
// tile the image; neither is assumed, and resolution preserves table order.
type Table struct {
	Name string `json:"name" toml:"name"`
	ROIs []ROI  `json:"rois" toml:"rois"`
}

// IndexRange is the pixel-space extent of one ROI at the working level,
// half-open along every axis.
type IndexRange struct {
	ZStart, ZEnd int64
	YStart, YEnd int64
	XStart, XEnd int64
}

// Region converts the range into a storage region.
func (r IndexRange) Region() storage.Region {
	return storage.Region{
		Beg: storage.Shape3d{r.ZStart, r.YStart, r.XStart},
		End: storage.Shape3d{r.ZEnd, r.YEnd, r.XEnd},
	}
}

// Size returns the (z,y,x) extent of the range.
func (r IndexRange) Size() storage.Shape3d {
	return storage.Shape3d{r.ZEnd - r.ZStart, r.YEnd - r.YStart, r.XEnd - r.XStart}
}

// Overlaps reports whether two ranges share any voxel.
func (r IndexRange) Overlaps(other IndexRange) bool {
	_, ok := r.Region().Intersect(other.Region())
	return ok
}

// ToIndices resolves every ROI of the table into pixel-index ranges at the
// target level.  fullResPixelSizesZYX is the physical voxel size at level 0;
// the effective pixel size at the target level scales by coarseningXY^level
// along y and x (z is never coarsened).  Table order is preserved.
func (t Table) ToIndices(level, coarseningXY int, fullResPixelSizesZYX [3]float64) ([]IndexRange, error) {
	for dim := 0; dim < 3; dim++ {
		if fullResPixelSizesZYX[dim] <= 0 {
			return nil, secseg.NewConfigurationError(
				"ROI table %q: non-positive pixel size %v", t.Name, fullResPixelSizesZYX)
		}
	}
	prefactor := math.Pow(float64(coarseningXY), float64(level))
	pz := fullResPixelSizesZYX[0]
	py := fullResPixelSizesZYX[1] * prefactor
	px := fullResPixelSizesZYX[2] * prefactor

	indices := make([]IndexRange, len(t.ROIs))
	for i, r := range t.ROIs {
		zs := int64(math.Round(r.ZMicrometer / pz))
		ys := int64(math.Round(r.YMicrometer / py))
		xs := int64(math.Round(r.XMicrometer / px))
		indices[i] = IndexRange{
			ZStart: zs,
			ZEnd:   zs + int64(math.Round(r.LenZMicrometer/pz)),
			YStart: ys,
			YEnd:   ys + int64(math.Round(r.LenYMicrometer/py)),
			XStart: xs,
			XEnd:   xs + int64(math.Round(r.LenXMicrometer/px)),
		}
	}
	return indices, nil
}

// CheckValid fails fast with a ConfigurationError if any range is negative,
// inverted, or outside the image's pixel-space bounds.  This runs before any
// tile processing so a stale table never produces a partial run.
func CheckValid(tableName string, indices []IndexRange, shape storage.Shape3d) error {
	for i, r := range indices {
		if r.ZStart < 0 || r.YStart < 0 || r.XStart < 0 {
			return secseg.NewConfigurationError(
				"ROI table %q: ROI %d has negative indices %+v", tableName, i, r)
		}
		if r.ZEnd <= r.ZStart || r.YEnd <= r.YStart || r.XEnd <= r.XStart {
			return secseg.NewConfigurationError(
				"ROI table %q: ROI %d has inverted or empty range %+v", tableName, i, r)
		}
		if r.ZEnd > shape[0] || r.YEnd > shape[1] || r.XEnd > shape[2] {
			return secseg.NewConfigurationError(
				"ROI table %q: ROI %d range %+v exceeds image shape %s", tableName, i, r, shape)
		}
	}
	return nil
}
