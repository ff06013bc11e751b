/*
	Package tiles streams regions of chunked arrays through a per-tile
	transform: for each resolved ROI range, only the addressed sub-arrays of
	the inputs are materialized, the transform runs, and the result is
	written into the same range of the output array.  Tiles are independent,
	so they are dispatched to a bounded worker pool; any tile failure aborts
	the whole run, because a pyramid built from incomplete level-0 data is
	not self-describing as partial.
*/
package tiles

import (
	"context"
	"runtime"

	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
	"golang.org/x/sync/errgroup"
)

// TileFunc transforms one tile.  inputs holds the packed samples of each
// input array over the range, in RunSpec.Inputs order; the returned buffer
// is written to the output array over the same range.
type TileFunc func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error)

// Observer receives per-tile progress callbacks.  Implementations must be
// safe for concurrent use.
type Observer interface {
	TileStarted(tileIndex, numTiles int, r roi.IndexRange)
	TileDone(tileIndex, numTiles int, r roi.IndexRange)
	LevelBuilt(level int)
}

// LogObserver logs progress through the secseg logger.
type LogObserver struct {
	TableName string
}

func (o LogObserver) TileStarted(tileIndex, numTiles int, r roi.IndexRange) {
	secseg.Infof("Now processing ROI %d/%d from ROI table %q\n", tileIndex+1, numTiles, o.TableName)
}

func (o LogObserver) TileDone(tileIndex, numTiles int, r roi.IndexRange) {
	secseg.Debugf("ROI %d/%d done: wrote region %s\n", tileIndex+1, numTiles, r.Region())
}

func (o LogObserver) LevelBuilt(level int) {
	secseg.Infof("Pyramid level %d built\n", level)
}

// RunSpec describes one tiled run.
type RunSpec struct {
	Inputs    []storage.Array
	Output    storage.Array
	Ranges    []roi.IndexRange
	Transform TileFunc
}

// Executor runs tiled transforms.  Workers <= 0 uses one worker per CPU.
type Executor struct {
	Workers  int
	Observer Observer
}

// Run validates the write ranges and streams every tile through the
// transform.  Ranges must be pairwise non-overlapping in their write
// targets; that check makes lock-free concurrent tile writes safe.  The
// first tile error cancels all in-flight work and is returned.  A run cut
// short by context cancellation returns the context error even when every
// dispatched tile succeeded.
func (e *Executor) Run(ctx context.Context, spec RunSpec) error {
	if spec.Output == nil || spec.Transform == nil {
		return secseg.NewConfigurationError("executor run needs an output array and a transform")
	}
	outShape := spec.Output.Shape()
	for i, r := range spec.Ranges {
		if !r.Region().Inside(outShape) {
			return secseg.NewConfigurationError(
				"tile %d range %s outside output shape %s", i, r.Region(), outShape)
		}
		for j := i + 1; j < len(spec.Ranges); j++ {
			if r.Overlaps(spec.Ranges[j]) {
				return secseg.NewConfigurationError(
					"tiles %d and %d have overlapping write ranges %s and %s",
					i, j, r.Region(), spec.Ranges[j].Region())
			}
		}
	}

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	numTiles := len(spec.Ranges)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
dispatch:
	for i, r := range spec.Ranges {
		i, r := i, r
		select {
		case <-gctx.Done():
			break dispatch
		default:
		}
		g.Go(func() error {
			if e.Observer != nil {
				e.Observer.TileStarted(i, numTiles, r)
			}
			inputs := make([][]byte, len(spec.Inputs))
			for k, in := range spec.Inputs {
				data, err := in.ReadRegion(r.Region())
				if err != nil {
					return err
				}
				inputs[k] = data
			}
			result, err := spec.Transform(i, r, inputs)
			if err != nil {
				return err
			}
			if err := spec.Output.WriteRegion(r.Region(), result); err != nil {
				return err
			}
			if e.Observer != nil {
				e.Observer.TileDone(i, numTiles, r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Cancellation can preempt dispatch while every started tile succeeds;
	// that run is still incomplete and must not report success.
	return ctx.Err()
}

// FullExtentRanges tiles the whole shape as one range per z-slab, used by
// the simpler whole-image tasks (clipping, masking) so they stay
// out-of-core without a ROI table.
func FullExtentRanges(shape storage.Shape3d) []roi.IndexRange {
	ranges := make([]roi.IndexRange, 0, shape[0])
	for z := int64(0); z < shape[0]; z++ {
		ranges = append(ranges, roi.IndexRange{
			ZStart: z, ZEnd: z + 1,
			YStart: 0, YEnd: shape[1],
			XStart: 0, XEnd: shape[2],
		})
	}
	return ranges
}
