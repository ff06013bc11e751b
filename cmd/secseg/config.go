package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/watershed"
)

// tomlConfig is the parsed run configuration.
type tomlConfig struct {
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
	Log secseg.LogConfig `toml:"log"`
	Run struct {
		Workers int `toml:"workers"`
	} `toml:"run"`

	ROITable *roi.Table     `toml:"roi_table"`
	Segment  *segmentConfig `toml:"segment"`
	Clip     *clipConfig    `toml:"clip"`
	Mask     *maskConfig    `toml:"mask"`
}

type segmentConfig struct {
	ImageGroup        string  `toml:"image_group"`
	LabelName         string  `toml:"label_name"`
	ChannelLabel      string  `toml:"channel_label"`
	ChannelWavelength string  `toml:"channel_wavelength"`
	OutputLabelName   string  `toml:"output_label_name"`
	Level             int     `toml:"level"`
	Overwrite         bool    `toml:"overwrite"`
	MinThreshold      *int    `toml:"min_threshold"`
	MaxThreshold      *int    `toml:"max_threshold"`
	GaussianBlur      float64 `toml:"gaussian_blur"`
	ContrastThreshold int     `toml:"contrast_threshold"`
	FillHolesArea     int64   `toml:"fill_holes_area"`
}

// watershedParams converts the configured thresholds, applying the default
// contrast threshold of 5 when unset.
func (c *segmentConfig) watershedParams() (watershed.Params, error) {
	p := watershed.Params{
		GaussianSigma: c.GaussianBlur,
		FillHolesArea: c.FillHolesArea,
	}
	if c.ContrastThreshold == 0 {
		p.ContrastThreshold = 5
	} else {
		p.ContrastThreshold = uint16(c.ContrastThreshold)
	}
	var err error
	if p.MinThreshold, err = toU16(c.MinThreshold, "min_threshold"); err != nil {
		return p, err
	}
	if p.MaxThreshold, err = toU16(c.MaxThreshold, "max_threshold"); err != nil {
		return p, err
	}
	return p, nil
}

func toU16(v *int, what string) (*uint16, error) {
	if v == nil {
		return nil, nil
	}
	if *v < 0 || *v > 65535 {
		return nil, secseg.NewConfigurationError("%s %d outside uint16 range", what, *v)
	}
	u := uint16(*v)
	return &u, nil
}

type clipConfig struct {
	ImageGroup       string `toml:"image_group"`
	LabelName        string `toml:"label_name"`
	ClippingMaskName string `toml:"clipping_mask_name"`
	OutputLabelName  string `toml:"output_label_name"`
	Level            int    `toml:"level"`
	Overwrite        bool   `toml:"overwrite"`
}

type maskConfig struct {
	ImageGroup      string `toml:"image_group"`
	LabelName       string `toml:"label_name"`
	MaskLabelName   string `toml:"mask_label_name"`
	OutputLabelName string `toml:"output_label_name"`
	Level           int    `toml:"level"`
	Overwrite       bool   `toml:"overwrite"`
}

// loadConfig reads and parses the TOML configuration file.
func loadConfig(path string) (*tomlConfig, error) {
	var tc tomlConfig
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("can't read config file %q: %v", path, err)
	}
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return nil, fmt.Errorf("can't parse TOML config %q: %v", path, err)
	}
	if tc.Store.Path == "" {
		return nil, secseg.NewConfigurationError("config %q has no [store] path", path)
	}
	return &tc, nil
}
