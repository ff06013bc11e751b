package tasks

import (
	"context"

	"github.com/apx-bio/secseg/multiscale"
	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
	"github.com/apx-bio/secseg/tiles"
)

// ClipArgs configures label clipping.
type ClipArgs struct {
	// ImageGroup supplies the multiscale metadata and holds both label images.
	ImageGroup string

	// LabelName is the label image to clip.
	LabelName string

	// ClippingMaskName is the label image used as clipping mask; any nonzero
	// value clips.
	ClippingMaskName string

	Level           int
	OutputLabelName string
	Overwrite       bool
}

// ClipLabelImage replaces label values with 0 wherever the clipping mask has
// values > 0, then rebuilds the pyramid.  A restricted sibling of the
// watershed task: same allocate, stream, downsample scaffolding with a
// trivial per-tile transform.
func ClipLabelImage(ctx context.Context, env TaskEnv, args ClipArgs) error {
	transform := func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
		labels := bytesToU32(inputs[0])
		mask := bytesToU32(inputs[1])
		for i := range labels {
			if mask[i] > 0 {
				labels[i] = 0
			}
		}
		return u32ToBytes(labels), nil
	}
	return runLabelPairTask(ctx, env, labelPairArgs{
		ImageGroup:      args.ImageGroup,
		LabelName:       args.LabelName,
		OtherLabelName:  args.ClippingMaskName,
		Level:           args.Level,
		OutputLabelName: args.OutputLabelName,
		Overwrite:       args.Overwrite,
		What:            "clipping",
	}, transform)
}

// labelPairArgs is the shared shape of the clip and mask tasks: two label
// inputs, one label output.
type labelPairArgs struct {
	ImageGroup      string
	LabelName       string
	OtherLabelName  string
	Level           int
	OutputLabelName string
	Overwrite       bool
	What            string
}

func runLabelPairTask(ctx context.Context, env TaskEnv, args labelPairArgs, transform tiles.TileFunc) error {
	timedLog := secseg.NewTimeLog()
	runID := secseg.NewRunID()
	secseg.Infof("Starting %s run %s: %q with %q -> %q\n",
		args.What, runID, args.LabelName, args.OtherLabelName, args.OutputLabelName)

	var imgAttrs multiscale.ImageAttrs
	if err := env.Store.GetAttrs(args.ImageGroup, &imgAttrs); err != nil {
		return err
	}
	meta, err := multiscale.NewMeta(imgAttrs.Multiscales)
	if err != nil {
		return err
	}
	numLevels := meta.NumLevels()
	coarseningXY, err := meta.CoarseningXY()
	if err != nil {
		return err
	}
	labelAttrs, err := multiscale.NewLabelAttrs(meta, args.OutputLabelName, coarseningXY, args.Level, runID)
	if err != nil {
		return err
	}

	labels, err := env.Store.OpenArray(labelArrayPath(args.ImageGroup, args.LabelName, args.Level))
	if err != nil {
		return err
	}
	other, err := env.Store.OpenArray(labelArrayPath(args.ImageGroup, args.OtherLabelName, args.Level))
	if err != nil {
		return err
	}
	if labels.Shape() != other.Shape() {
		return secseg.NewConfigurationError(
			"label image %q shape %s does not match %q shape %s",
			args.LabelName, labels.Shape(), args.OtherLabelName, other.Shape())
	}

	outGroup := labelGroupPath(args.ImageGroup, args.OutputLabelName)
	out, err := multiscale.AllocateLabelArray(env.Store, outGroup, labels.Shape(), labels.ChunkShape(), args.Overwrite)
	if err != nil {
		return err
	}

	observer := env.Observer
	if observer == nil {
		observer = tiles.LogObserver{TableName: args.What}
	}
	executor := tiles.Executor{Workers: env.Workers, Observer: observer}
	spec := tiles.RunSpec{
		Inputs:    []storage.Array{labels, other},
		Output:    out,
		Ranges:    tiles.FullExtentRanges(labels.Shape()),
		Transform: transform,
	}
	if err := executor.Run(ctx, spec); err != nil {
		return err
	}

	secseg.Infof("%s done for %q, now building pyramid\n", args.What, outGroup)
	if err := multiscale.BuildPyramid(ctx, env.Store, outGroup, numLevels, coarseningXY, args.Overwrite, observer.LevelBuilt); err != nil {
		return err
	}
	if err := env.Store.SetAttrs(outGroup, labelAttrs); err != nil {
		return err
	}
	timedLog.Infof("Run %s complete: %d pyramid levels", runID, numLevels)
	return nil
}
