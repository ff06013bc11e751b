/*
	Package storage provides the chunked-array abstraction used by the
	segmentation engine: n-dimensional unsigned-integer arrays addressed by
	(z,y,x) regions, persisted chunk-by-chunk so that arbitrarily large images
	can be processed without loading a full volume.
*/
package storage

import (
	"fmt"
)

// DataType is the element type of a chunked array.
type DataType uint8

const (
	Uint8 DataType = iota + 1
	Uint16
	Uint32
)

// BytesPerVoxel returns the storage footprint of one element.
func (d DataType) BytesPerVoxel() int64 {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32:
		return 4
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	default:
		return fmt.Sprintf("unknown dtype (%d)", uint8(d))
	}
}

// Shape3d holds per-axis sizes or coordinates in (z, y, x) order, matching
// the index tuples produced by the ROI resolver.  2-d images are carried
// with a leading singleton z.
type Shape3d [3]int64

func (s Shape3d) NumVoxels() int64 {
	return s[0] * s[1] * s[2]
}

func (s Shape3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s[0], s[1], s[2])
}

// Region is a half-open axis-aligned box [Beg, End) in voxel coordinates.
type Region struct {
	Beg Shape3d
	End Shape3d
}

func (r Region) Size() Shape3d {
	return Shape3d{r.End[0] - r.Beg[0], r.End[1] - r.Beg[1], r.End[2] - r.Beg[2]}
}

func (r Region) NumVoxels() int64 {
	return r.Size().NumVoxels()
}

func (r Region) String() string {
	return fmt.Sprintf("[%s, %s)", r.Beg, r.End)
}

// Inside returns true if the region is non-degenerate and lies fully within
// an array of the given shape.
func (r Region) Inside(shape Shape3d) bool {
	for dim := 0; dim < 3; dim++ {
		if r.Beg[dim] < 0 || r.End[dim] > shape[dim] || r.End[dim] <= r.Beg[dim] {
			return false
		}
	}
	return true
}

// Intersect clips the region against another, returning the overlap and
// whether any overlap exists.
func (r Region) Intersect(other Region) (Region, bool) {
	var out Region
	for dim := 0; dim < 3; dim++ {
		out.Beg[dim] = max64(r.Beg[dim], other.Beg[dim])
		out.End[dim] = min64(r.End[dim], other.End[dim])
		if out.End[dim] <= out.Beg[dim] {
			return Region{}, false
		}
	}
	return out, true
}

// Array is a chunked n-dimensional unsigned-integer array.  Implementations
// handle chunk boundaries internally; callers address arbitrary voxel regions.
type Array interface {
	Shape() Shape3d
	ChunkShape() Shape3d
	DataType() DataType

	// ReadRegion returns the addressed sub-array as packed little-endian
	// samples in z-major (z, then y, then x-contiguous) order.  Chunks never
	// written read back as zeros.
	ReadRegion(r Region) ([]byte, error)

	// WriteRegion writes packed samples into the addressed sub-array.
	WriteRegion(r Region, data []byte) error
}

// Store creates and opens named chunked arrays plus per-group JSON attributes.
type Store interface {
	// CreateArray allocates a new chunked array.  If the name exists and
	// overwrite is false, a secseg.ConfigurationError is returned.
	CreateArray(name string, shape, chunkShape Shape3d, dtype DataType, overwrite bool) (Array, error)

	OpenArray(name string) (Array, error)

	// GetAttrs unmarshals the JSON attributes of a group into v.
	GetAttrs(name string, v interface{}) error

	// SetAttrs marshals v as the JSON attributes of a group.
	SetAttrs(name string, v interface{}) error

	Close() error
}

// chunkRegion returns the voxel extent of the chunk at chunk coordinate c,
// clipped to the array shape.
func chunkRegion(c, chunkShape, shape Shape3d) Region {
	var r Region
	for dim := 0; dim < 3; dim++ {
		r.Beg[dim] = c[dim] * chunkShape[dim]
		r.End[dim] = min64(r.Beg[dim]+chunkShape[dim], shape[dim])
	}
	return r
}

// forEachChunk calls f for every chunk coordinate whose extent intersects r.
func forEachChunk(r Region, chunkShape Shape3d, f func(c Shape3d) error) error {
	var beg, end Shape3d
	for dim := 0; dim < 3; dim++ {
		beg[dim] = r.Beg[dim] / chunkShape[dim]
		end[dim] = (r.End[dim] + chunkShape[dim] - 1) / chunkShape[dim]
	}
	for cz := beg[0]; cz < end[0]; cz++ {
		for cy := beg[1]; cy < end[1]; cy++ {
			for cx := beg[2]; cx < end[2]; cx++ {
				if err := f(Shape3d{cz, cy, cx}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyRegion copies a (z,y,x)-shaped box of samples between two packed
// buffers, row by row along the contiguous x axis.
func copyRegion(dst []byte, dstShape, dstOff Shape3d, src []byte, srcShape, srcOff, size Shape3d, bpv int64) {
	rowBytes := size[2] * bpv
	for z := int64(0); z < size[0]; z++ {
		for y := int64(0); y < size[1]; y++ {
			dstIdx := (((dstOff[0]+z)*dstShape[1]+dstOff[1]+y)*dstShape[2] + dstOff[2]) * bpv
			srcIdx := (((srcOff[0]+z)*srcShape[1]+srcOff[1]+y)*srcShape[2] + srcOff[2]) * bpv
			copy(dst[dstIdx:dstIdx+rowBytes], src[srcIdx:srcIdx+rowBytes])
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
