package tasks

import (
	"context"

	"github.com/apx-bio/secseg/roi"
)

// MaskArgs configures label masking.
type MaskArgs struct {
	// ImageGroup supplies the multiscale metadata and holds both label images.
	ImageGroup string

	// LabelName is the label image to mask.
	LabelName string

	// MaskLabelName is the label image used as mask; it is binarized, so any
	// nonzero value keeps the underlying label.
	MaskLabelName string

	Level           int
	OutputLabelName string
	Overwrite       bool
}

// ApplyMask keeps label values only where the mask has values > 0, zeroing
// the rest, then rebuilds the pyramid.  The complement of ClipLabelImage.
func ApplyMask(ctx context.Context, env TaskEnv, args MaskArgs) error {
	transform := func(tileIndex int, r roi.IndexRange, inputs [][]byte) ([]byte, error) {
		labels := bytesToU32(inputs[0])
		mask := bytesToU32(inputs[1])
		for i := range labels {
			if mask[i] == 0 {
				labels[i] = 0
			}
		}
		return u32ToBytes(labels), nil
	}
	return runLabelPairTask(ctx, env, labelPairArgs{
		ImageGroup:      args.ImageGroup,
		LabelName:       args.LabelName,
		OtherLabelName:  args.MaskLabelName,
		Level:           args.Level,
		OutputLabelName: args.OutputLabelName,
		Overwrite:       args.Overwrite,
		What:            "masking",
	}, transform)
}
