/*
	Package watershed implements background-seeded watershed expansion of
	primary objects within one tile of intensity and label data.  The engine
	is a pure function of its inputs: background is detected by Bernsen
	local-contrast thresholding, labeled background regions join the primary
	seeds with offset ids, a marker-controlled watershed expands all seeds
	over the inverted intensity, and expansions that trace back to background
	seeds are discarded.
*/
package watershed

import (
	"container/heap"
	"math"

	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
)

// backgroundWindowRadius is the Bernsen window radius in pixels along each
// spatial dimension.
const backgroundWindowRadius = 5

// Params controls one tile segmentation.  Nil thresholds are disabled.
type Params struct {
	// GaussianSigma smooths the intensity tile before background detection
	// when positive.
	GaussianSigma float64

	// MinThreshold forces pixels with intensity < MinThreshold into the
	// background mask.
	MinThreshold *uint16

	// MaxThreshold forces pixels with intensity > MaxThreshold out of the
	// background mask.
	MaxThreshold *uint16

	// ContrastThreshold is the local-contrast cutoff for Bernsen background
	// detection.
	ContrastThreshold uint16

	// FillHolesArea fills holes of area <= FillHolesArea in the result when
	// positive.
	FillHolesArea int64
}

// Tile is one region of paired intensity and primary-label data, shaped
// (z,y,x) with 2-d tiles carrying a singleton z.
type Tile struct {
	Shape     storage.Shape3d
	Intensity []uint16
	Labels    []uint32
}

// SegmentTile expands the tile's primary labels by background-seeded
// watershed and returns the secondary label tile.  Every nonzero output id
// is an id present in the input labels.  The computation is deterministic:
// applying it twice to the same inputs yields identical output.
func SegmentTile(tile Tile, p Params) ([]uint32, error) {
	n := tile.Shape.NumVoxels()
	if int64(len(tile.Intensity)) != n || int64(len(tile.Labels)) != n {
		return nil, secseg.NewTileComputationError(
			"tile shape %s wants %d voxels but got %d intensity, %d labels",
			tile.Shape, n, len(tile.Intensity), len(tile.Labels))
	}

	intensity := tile.Intensity
	if p.GaussianSigma > 0 {
		intensity = gaussianSmoothU16(intensity, tile.Shape, p.GaussianSigma)
	}

	// A tile with no seeds cannot be watershed-expanded meaningfully; this
	// must be signaled, not silently skipped.
	var maxLabel uint32
	for _, v := range tile.Labels {
		if v > maxLabel {
			maxLabel = v
		}
	}
	if maxLabel == 0 {
		return nil, secseg.NewTileComputationError("tile has no seed labels")
	}

	mask := bernsenMask(intensity, tile.Shape, backgroundWindowRadius, p.ContrastThreshold)
	for i := range mask {
		if p.MinThreshold != nil && intensity[i] < *p.MinThreshold {
			mask[i] = true
		}
		if p.MaxThreshold != nil && intensity[i] > *p.MaxThreshold {
			mask[i] = false
		}
	}
	// Primary seeds and background seeds must occupy mutually exclusive
	// regions for the id arithmetic below; primary labels win.
	for i, v := range tile.Labels {
		if v != 0 {
			mask[i] = false
		}
	}

	background, nBackground := labelComponents(mask, tile.Shape)
	if uint64(maxLabel)+uint64(nBackground) > math.MaxUint32 {
		return nil, secseg.NewTileComputationError(
			"seed id space overflow: max primary label %d + %d background seeds exceeds uint32",
			maxLabel, nBackground)
	}

	seeds := make([]uint32, n)
	for i := int64(0); i < n; i++ {
		switch {
		case tile.Labels[i] != 0:
			seeds[i] = tile.Labels[i]
		case background[i] != 0:
			seeds[i] = background[i] + maxLabel
		}
	}

	result := priorityFlood(intensity, seeds, tile.Shape)

	// Regions beyond maxLabel grew from background seeds, not primary
	// objects.
	for i := range result {
		if result[i] > maxLabel {
			result[i] = 0
		}
	}

	if p.FillHolesArea > 0 {
		result = AreaClosing(result, tile.Shape, p.FillHolesArea)
	}
	return result, nil
}

// floodItem orders the expansion front by inverted intensity with FIFO
// insertion order as tiebreak, which makes the flood deterministic.
type floodItem struct {
	priority uint16
	seq      uint64
	pos      int64
}

type floodQueue []floodItem

func (q floodQueue) Len() int { return len(q) }
func (q floodQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q floodQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *floodQueue) Push(x interface{}) { *q = append(*q, x.(floodItem)) }
func (q *floodQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// priorityFlood runs marker-controlled watershed over the inverted intensity
// surface: seeds flood outward in order of increasing inverted intensity
// (i.e. brightest pixels first), and every pixel ends up with the label of
// the seed whose basin reaches it first.
func priorityFlood(intensity []uint16, seeds []uint32, shape storage.Shape3d) []uint32 {
	nz, ny, nx := shape[0], shape[1], shape[2]
	out := make([]uint32, len(seeds))
	copy(out, seeds)

	var seq uint64
	q := make(floodQueue, 0, len(seeds)/4)
	for i, s := range seeds {
		if s != 0 {
			q = append(q, floodItem{priority: ^intensity[i], seq: seq, pos: int64(i)})
			seq++
		}
	}
	heap.Init(&q)

	for q.Len() > 0 {
		item := heap.Pop(&q).(floodItem)
		p := item.pos
		pz := p / (ny * nx)
		py := (p / nx) % ny
		px := p % nx
		for _, d := range neighbors3d {
			qz, qy, qx := pz+d[0], py+d[1], px+d[2]
			if qz < 0 || qz >= nz || qy < 0 || qy >= ny || qx < 0 || qx >= nx {
				continue
			}
			npos := idx(shape, qz, qy, qx)
			if out[npos] == 0 {
				out[npos] = out[p]
				heap.Push(&q, floodItem{priority: ^intensity[npos], seq: seq, pos: npos})
				seq++
			}
		}
	}
	return out
}
