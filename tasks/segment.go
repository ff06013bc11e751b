package tasks

import (
	"context"
	"errors"

	"github.com/apx-bio/secseg/multiscale"
	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
	"github.com/apx-bio/secseg/tiles"
	"github.com/apx-bio/secseg/watershed"
)

// SegmentArgs configures secondary-object segmentation.
type SegmentArgs struct {
	// ImageGroup is the image whose intensity channel drives the watershed
	// and whose multiscale metadata describes the pyramid.
	ImageGroup string

	// LabelName is the primary (seed) label image under ImageGroup/labels.
	LabelName string

	// ChannelLabel / ChannelWavelength select the intensity channel; set one.
	ChannelLabel      string
	ChannelWavelength string

	// ROITable tiles the processing.
	ROITable roi.Table

	// Level is the resolution level to process.
	Level int

	OutputLabelName string
	Overwrite       bool

	Watershed watershed.Params
}

// SegmentSecondaryObjects computes watershed expansions of the primary
// objects bounded by detected background and writes them as a new label
// pyramid.  A missing intensity channel is "nothing to do": it is logged
// and the task returns nil without creating output.  Any other failure is
// fatal and leaves no usable output pyramid.
func SegmentSecondaryObjects(ctx context.Context, env TaskEnv, args SegmentArgs) error {
	timedLog := secseg.NewTimeLog()
	runID := secseg.NewRunID()
	secseg.Infof("Starting secondary segmentation run %s: image %q, seeds %q -> %q\n",
		runID, args.ImageGroup, args.LabelName, args.OutputLabelName)

	var imgAttrs multiscale.ImageAttrs
	if err := env.Store.GetAttrs(args.ImageGroup, &imgAttrs); err != nil {
		return err
	}

	channel, err := multiscale.FindChannel(imgAttrs, args.ChannelLabel, args.ChannelWavelength)
	if err != nil {
		var missing *secseg.MissingInputError
		if errors.As(err, &missing) {
			secseg.Warningf("Channel not found, exiting task: %v\n", err)
			return nil
		}
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
	fullResPixelSizes, err := meta.PixelSizesZYX(0)
	if err != nil {
		return err
	}

	// The axis-order precondition is enforced up front, before any tile is
	// read: output metadata is rewritten with the channel axis stripped.
	labelAttrs, err := multiscale.NewLabelAttrs(meta, args.OutputLabelName, coarseningXY, args.Level, runID)
	if err != nil {
		return err
	}

	intensity, err := env.Store.OpenArray(intensityArrayPath(args.ImageGroup, args.Level, channel.Index))
	if err != nil {
		return err
	}
	labels, err := env.Store.OpenArray(labelArrayPath(args.ImageGroup, args.LabelName, args.Level))
	if err != nil {
		return err
	}
	if labels.Shape() != intensity.Shape() {
		return secseg.NewConfigurationError(
			"label image %q shape %s does not match intensity shape %s",
			args.LabelName, labels.Shape(), intensity.Shape())
	}

	// ROI tables are resolved at the processing level and validated before
	// any tile processing begins.
	indices, err := args.ROITable.ToIndices(args.Level, coarseningXY, fullResPixelSizes)
	if err != nil {
		return err
	}
	if err := roi.CheckValid(args.ROITable.Name, indices, intensity.Shape()); err != nil {
		return err
	}

	outGroup := labelGroupPath(args.ImageGroup, args.OutputLabelName)
	out, err := multiscale.AllocateLabelArray(env.Store, outGroup, intensity.Shape(), intensity.ChunkShape(), args.Overwrite)
	if err != nil {
		return err
	}

	observer := env.Observer
	if observer == nil {
		observer = tiles.LogObserver{TableName: args.ROITable.Name}
	}
	executor := tiles.Executor{Workers: env.Workers, Observer: observer}
	spec := tiles.RunSpec{
		Inputs: []storage.Array{
			storage.NewCachedArray(intensity, inputCacheBytes),
			storage.NewCachedArray(labels, inputCacheBytes),
		},
		Output: out,
		Ranges: indices,
		Transform: func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
			tile := watershed.Tile{
				Shape:     r.Size(),
				Intensity: bytesToU16(inputs[0]),
				Labels:    bytesToU32(inputs[1]),
			}
			result, err := watershed.SegmentTile(tile, args.Watershed)
			if err != nil {
				return nil, secseg.WrapTileComputationError(err, "ROI %d of table %q", tileIndex, args.ROITable.Name)
			}
			return u32ToBytes(result), nil
		},
	}
	if err := executor.Run(ctx, spec); err != nil {
		return err
	}

	secseg.Infof("Secondary segmentation done for %q, now building pyramid\n", outGroup)
	if err := multiscale.BuildPyramid(ctx, env.Store, outGroup, numLevels, coarseningXY, args.Overwrite, observer.LevelBuilt); err != nil {
		return err
	}
	if err := env.Store.SetAttrs(outGroup, labelAttrs); err != nil {
		return err
	}
	timedLog.Infof("Run %s complete: %d ROIs, %d pyramid levels", runID, len(indices), numLevels)
	return nil
}
