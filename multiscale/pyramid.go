package multiscale

import (
	"context"
	"encoding/binary"
	"runtime"
	"strconv"

	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
	"golang.org/x/sync/errgroup"
)

// AllocateLabelArray creates the level-0 array of a label pyramid under
// <name>/0: uint32 samples, spatial shape and chunking taken from the
// source.  2-d sources get a leading singleton z axis so all addressing
// stays 3-d.  An existing array without overwrite permission is a fatal
// configuration error surfaced before any computation.
func AllocateLabelArray(store storage.Store, name string, srcShape, srcChunks storage.Shape3d, overwrite bool) (storage.Array, error) {
	if srcShape[0] == 0 {
		srcShape[0] = 1
	}
	if srcChunks[0] == 0 {
		srcChunks[0] = 1
	}
	out, err := store.CreateArray(name+"/0", srcShape, srcChunks, storage.Uint32, overwrite)
	if err != nil {
		return nil, err
	}
	secseg.Infof("Label image %q will have shape %s and chunks %s\n", name, srcShape, srcChunks)
	return out, nil
}

// coarserShape halves y and x by the coarsening factor (rounding up), z untouched.
func coarserShape(finer storage.Shape3d, factor int64) storage.Shape3d {
	return storage.Shape3d{
		finer[0],
		(finer[1] + factor - 1) / factor,
		(finer[2] + factor - 1) / factor,
	}
}

// BuildPyramid derives levels 1..numLevels-1 of the label pyramid at <name>
// from the on-disk level 0, aggregating factor x factor blocks in y and x
// with a maximum-value reducer.  Levels are built strictly in increasing
// order since each reads only the immediately finer one.  The optional
// progress callback is invoked after each level is complete.
func BuildPyramid(ctx context.Context, store storage.Store, name string, numLevels, coarseningXY int, overwrite bool, progress func(level int)) error {
	factor := int64(coarseningXY)
	for level := 1; level < numLevels; level++ {
		finer, err := store.OpenArray(levelPath(name, level-1))
		if err != nil {
			return err
		}
		shape := coarserShape(finer.Shape(), factor)
		chunks := finer.ChunkShape()
		coarse, err := store.CreateArray(levelPath(name, level), shape, chunks, storage.Uint32, overwrite)
		if err != nil {
			return err
		}
		if err := downsampleLevel(ctx, finer, coarse, factor); err != nil {
			return err
		}
		secseg.Infof("Built pyramid level %d of %q: shape %s\n", level, name, shape)
		if progress != nil {
			progress(level)
		}
	}
	return nil
}

func levelPath(name string, level int) string {
	return name + "/" + strconv.Itoa(level)
}

// downsampleLevel fills one coarse level chunk-by-chunk.  Each coarse chunk
// reads only its corresponding fine region, so memory stays bounded by the
// chunk size regardless of volume extent.
func downsampleLevel(ctx context.Context, finer, coarse storage.Array, factor int64) error {
	fineShape := finer.Shape()
	coarseShape := coarse.Shape()
	chunkShape := coarse.ChunkShape()

	type job struct {
		coarseRegion storage.Region
	}
	jobs := make(chan job)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < runtime.NumCPU(); i++ {
		g.Go(func() error {
			for j := range jobs {
				fineRegion := storage.Region{
					Beg: storage.Shape3d{
						j.coarseRegion.Beg[0],
						j.coarseRegion.Beg[1] * factor,
						j.coarseRegion.Beg[2] * factor,
					},
					End: storage.Shape3d{
						j.coarseRegion.End[0],
						min64(j.coarseRegion.End[1]*factor, fineShape[1]),
						min64(j.coarseRegion.End[2]*factor, fineShape[2]),
					},
				}
				fineData, err := finer.ReadRegion(fineRegion)
				if err != nil {
					return err
				}
				block := maxReduceXY(fineData, fineRegion.Size(), j.coarseRegion.Size(), factor)
				if err := coarse.WriteRegion(j.coarseRegion, block); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		var beg, end storage.Shape3d
		for dim := 0; dim < 3; dim++ {
			beg[dim] = 0
			end[dim] = (coarseShape[dim] + chunkShape[dim] - 1) / chunkShape[dim]
		}
		for cz := beg[0]; cz < end[0]; cz++ {
			for cy := beg[1]; cy < end[1]; cy++ {
				for cx := beg[2]; cx < end[2]; cx++ {
					r := storage.Region{
						Beg: storage.Shape3d{cz * chunkShape[0], cy * chunkShape[1], cx * chunkShape[2]},
					}
					r.End = storage.Shape3d{
						min64(r.Beg[0]+chunkShape[0], coarseShape[0]),
						min64(r.Beg[1]+chunkShape[1], coarseShape[1]),
						min64(r.Beg[2]+chunkShape[2], coarseShape[2]),
					}
					select {
					case jobs <- job{coarseRegion: r}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		return nil
	})

	return g.Wait()
}

// maxReduceXY reduces packed uint32 samples over factor x factor blocks in
// y and x.  fineSize is the shape of the input block, coarseSize the shape
// of the output; z is passed through.
func maxReduceXY(fine []byte, fineSize, coarseSize storage.Shape3d, factor int64) []byte {
	out := make([]byte, coarseSize.NumVoxels()*4)
	for z := int64(0); z < coarseSize[0]; z++ {
		for y := int64(0); y < coarseSize[1]; y++ {
			for x := int64(0); x < coarseSize[2]; x++ {
				var maxVal uint32
				for fy := y * factor; fy < min64((y+1)*factor, fineSize[1]); fy++ {
					for fx := x * factor; fx < min64((x+1)*factor, fineSize[2]); fx++ {
						idx := ((z*fineSize[1]+fy)*fineSize[2] + fx) * 4
						if v := binary.LittleEndian.Uint32(fine[idx:]); v > maxVal {
							maxVal = v
						}
					}
				}
				idx := ((z*coarseSize[1]+y)*coarseSize[2] + x) * 4
				binary.LittleEndian.PutUint32(out[idx:], maxVal)
			}
		}
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
