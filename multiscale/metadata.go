/*
	Package multiscale resolves scale-pyramid metadata for chunked images and
	builds the coarser levels of label pyramids.  The metadata layout follows
	the NGFF multiscales convention: ordered axes, one dataset per resolution
	level, each with a scale coordinate transformation.
*/
package multiscale

import (
	"math"

	"github.com/apx-bio/secseg/secseg"
)

const Version = "0.4"

// Axis is one named image axis.  Type is "channel", "space", or "time".
type Axis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// ScaleTransform maps a dataset's pixel grid to physical units.
type ScaleTransform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

// Dataset describes one resolution level of a multiscale image.
type Dataset struct {
	Path                      string           `json:"path"`
	CoordinateTransformations []ScaleTransform `json:"coordinateTransformations"`
}

// Multiscale is the pyramid description of one image.
type Multiscale struct {
	Name     string    `json:"name,omitempty"`
	Version  string    `json:"version"`
	Axes     []Axis    `json:"axes"`
	Datasets []Dataset `json:"datasets"`
}

// Channel identifies one acquisition channel of an intensity image.
type Channel struct {
	Label        string `json:"label,omitempty"`
	WavelengthID string `json:"wavelength_id,omitempty"`
	Index        int    `json:"index"`
}

// ImageAttrs are the stored JSON attributes of an image group.
type ImageAttrs struct {
	Multiscales []Multiscale `json:"multiscales"`
	Channels    []Channel    `json:"channels,omitempty"`
}

// LabelAttrs are the stored JSON attributes of a label image group.
type LabelAttrs struct {
	ImageLabel  ImageLabel   `json:"image-label"`
	Multiscales []Multiscale `json:"multiscales"`
}

// ImageLabel carries label-image provenance.
type ImageLabel struct {
	Version string `json:"version"`
	Source  Source `json:"source"`
	RunID   string `json:"run_id,omitempty"`
}

type Source struct {
	Image string `json:"image"`
}

// Meta answers pyramid questions about one image's multiscale description.
type Meta struct {
	ms Multiscale
}

// NewMeta wraps the first multiscale of an image or label group.
func NewMeta(multiscales []Multiscale) (*Meta, error) {
	if len(multiscales) == 0 {
		return nil, secseg.NewConfigurationError("image has no multiscale metadata")
	}
	ms := multiscales[0]
	if len(ms.Datasets) == 0 {
		return nil, secseg.NewConfigurationError("multiscale %q has no datasets", ms.Name)
	}
	return &Meta{ms: ms}, nil
}

// NumLevels returns the number of resolution levels.
func (m *Meta) NumLevels() int {
	return len(m.ms.Datasets)
}

// AxisNames returns the ordered axis names.
func (m *Meta) AxisNames() []string {
	names := make([]string, len(m.ms.Axes))
	for i, ax := range m.ms.Axes {
		names[i] = ax.Name
	}
	return names
}

// Datasets returns the per-level dataset descriptions.
func (m *Meta) Datasets() []Dataset {
	return m.ms.Datasets
}

// scaleOf returns the scale vector of a level.
func (m *Meta) scaleOf(level int) ([]float64, error) {
	if level < 0 || level >= len(m.ms.Datasets) {
		return nil, secseg.NewConfigurationError("level %d outside pyramid with %d levels", level, len(m.ms.Datasets))
	}
	for _, t := range m.ms.Datasets[level].CoordinateTransformations {
		if t.Type == "scale" {
			return t.Scale, nil
		}
	}
	return nil, secseg.NewConfigurationError("level %d has no scale transformation", level)
}

// PixelSizesZYX returns the physical voxel size along (z,y,x) at a level,
// taken from the trailing three entries of the level's scale vector.
func (m *Meta) PixelSizesZYX(level int) ([3]float64, error) {
	var zyx [3]float64
	scale, err := m.scaleOf(level)
	if err != nil {
		return zyx, err
	}
	if len(scale) < 3 {
		return zyx, secseg.NewConfigurationError("level %d scale has %d entries, need at least 3", level, len(scale))
	}
	copy(zyx[:], scale[len(scale)-3:])
	return zyx, nil
}

// CoarseningXY infers the integer downsampling factor between adjacent
// levels from the x pixel-size ratio.  The ratio must be a consistent
// integer in both x and y across every level pair.
func (m *Meta) CoarseningXY() (int, error) {
	if m.NumLevels() == 1 {
		return 1, nil
	}
	var factor int
	for level := 1; level < m.NumLevels(); level++ {
		finer, err := m.PixelSizesZYX(level - 1)
		if err != nil {
			return 0, err
		}
		coarser, err := m.PixelSizesZYX(level)
		if err != nil {
			return 0, err
		}
		for dim := 1; dim < 3; dim++ { // y, x
			ratio := coarser[dim] / finer[dim]
			rounded := int(math.Round(ratio))
			if rounded < 1 || math.Abs(ratio-float64(rounded)) > 1e-6 {
				return 0, secseg.NewConfigurationError(
					"non-integer coarsening %.4f between levels %d and %d", ratio, level-1, level)
			}
			if factor == 0 {
				factor = rounded
			} else if rounded != factor {
				return 0, secseg.NewConfigurationError(
					"inconsistent coarsening: got %d between levels %d and %d, expected %d",
					rounded, level-1, level, factor)
			}
		}
	}
	return factor, nil
}

// RescaleDatasets produces the dataset list for an output written at the
// given reference level: scales are multiplied by coarsening^refLevel along
// y and x, and the channel entry is dropped when removeChannelAxis is set.
// With removeChannelAxis, the first axis must be the channel axis; label
// pyramid metadata is rewritten with that axis stripped, so any other
// ordering is a fatal configuration error.
func (m *Meta) RescaleDatasets(coarseningXY, refLevel int, removeChannelAxis bool) ([]Dataset, error) {
	if removeChannelAxis {
		if len(m.ms.Axes) == 0 || m.ms.Axes[0].Name != "c" {
			return nil, secseg.NewConfigurationError(
				"cannot remove channel axis for multiscale with axes %v: first axis should have name \"c\"",
				m.AxisNames())
		}
	}
	prefactor := math.Pow(float64(coarseningXY), float64(refLevel))
	out := make([]Dataset, len(m.ms.Datasets))
	for i, ds := range m.ms.Datasets {
		nds := Dataset{Path: ds.Path}
		for _, t := range ds.CoordinateTransformations {
			nt := ScaleTransform{Type: t.Type, Scale: append([]float64(nil), t.Scale...)}
			if t.Type == "scale" {
				if removeChannelAxis && len(nt.Scale) > 0 {
					nt.Scale = nt.Scale[1:]
				}
				n := len(nt.Scale)
				for dim := n - 2; dim < n; dim++ { // y, x
					if dim >= 0 {
						nt.Scale[dim] *= prefactor
					}
				}
			}
			nds.CoordinateTransformations = append(nds.CoordinateTransformations, nt)
		}
		out[i] = nds
	}
	return out, nil
}

// NonChannelAxes returns the axis list with any channel axis removed.
func (m *Meta) NonChannelAxes() []Axis {
	var out []Axis
	for _, ax := range m.ms.Axes {
		if ax.Type != "channel" {
			out = append(out, ax)
		}
	}
	return out
}

// FindChannel locates a channel by label or wavelength id.  Exactly one
// selector should be set; absence of the channel is a MissingInputError so
// callers can treat it as "nothing to do" rather than corruption.
func FindChannel(attrs ImageAttrs, label, wavelengthID string) (Channel, error) {
	for _, ch := range attrs.Channels {
		if label != "" && ch.Label == label {
			return ch, nil
		}
		if wavelengthID != "" && ch.WavelengthID == wavelengthID {
			return ch, nil
		}
	}
	return Channel{}, secseg.NewMissingInputError(
		"channel (label=%q, wavelength_id=%q) not found among %d channels", label, wavelengthID, len(attrs.Channels))
}

// NewLabelAttrs assembles the attributes of an output label image: the
// source image's multiscale rewritten without the channel axis, datasets
// rescaled for the reference level, and run provenance.
func NewLabelAttrs(m *Meta, name string, coarseningXY, refLevel int, runID secseg.RunID) (LabelAttrs, error) {
	datasets, err := m.RescaleDatasets(coarseningXY, refLevel, true)
	if err != nil {
		return LabelAttrs{}, err
	}
	return LabelAttrs{
		ImageLabel: ImageLabel{
			Version: Version,
			Source:  Source{Image: "../../"},
			RunID:   string(runID),
		},
		Multiscales: []Multiscale{{
			Name:     name,
			Version:  Version,
			Axes:     m.NonChannelAxes(),
			Datasets: datasets,
		}},
	}, nil
}
