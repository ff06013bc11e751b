// Command-line interface to the tiled secondary-segmentation task
// collection.  Runs one task against a local chunk store described by a
// TOML configuration file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/apx-bio/secseg/roi"
	"github.com/apx-bio/secseg/secseg"
	"github.com/apx-bio/secseg/storage"
	"github.com/apx-bio/secseg/tasks"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
secseg computes secondary object segmentations over pyramidal chunked images

Usage: secseg [options] <command> <config.toml>

      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	segment <config.toml>   Background-seeded watershed expansion of primary labels.
	clip    <config.toml>   Zero labels wherever a clipping mask is set.
	mask    <config.toml>   Zero labels wherever a mask is unset.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		secseg.Verbose = true
		secseg.SetLogMode(secseg.DebugMode)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	command := flag.Arg(0)
	if command == "about" {
		fmt.Println("secseg: tiled, background-seeded watershed segmentation over chunked image pyramids")
		return
	}
	if flag.NArg() < 2 {
		fmt.Printf("Command %q requires a config file argument\n", command)
		os.Exit(1)
	}

	tc, err := loadConfig(flag.Arg(1))
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	tc.Log.SetLogger()

	store, err := storage.OpenBadgerStore(tc.Store.Path)
	if err != nil {
		secseg.Criticalf("Can't open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	env := tasks.TaskEnv{Store: store, Workers: tc.Run.Workers}
	ctx := context.Background()

	switch command {
	case "segment":
		err = runSegment(ctx, env, tc)
	case "clip":
		err = runClip(ctx, env, tc)
	case "mask":
		err = runMask(ctx, env, tc)
	default:
		fmt.Printf("Unknown command: %q\n", command)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		secseg.Criticalf("Task %q failed: %v\n", command, err)
		os.Exit(1)
	}
}

func runSegment(ctx context.Context, env tasks.TaskEnv, tc *tomlConfig) error {
	if tc.Segment == nil {
		return secseg.NewConfigurationError("config has no [segment] section")
	}
	params, err := tc.Segment.watershedParams()
	if err != nil {
		return err
	}
	table := roi.Table{}
	if tc.ROITable != nil {
		table = *tc.ROITable
	}
	return tasks.SegmentSecondaryObjects(ctx, env, tasks.SegmentArgs{
		ImageGroup:        tc.Segment.ImageGroup,
		LabelName:         tc.Segment.LabelName,
		ChannelLabel:      tc.Segment.ChannelLabel,
		ChannelWavelength: tc.Segment.ChannelWavelength,
		ROITable:          table,
		Level:             tc.Segment.Level,
		OutputLabelName:   tc.Segment.OutputLabelName,
		Overwrite:         tc.Segment.Overwrite,
		Watershed:         params,
	})
}

func runClip(ctx context.Context, env tasks.TaskEnv, tc *tomlConfig) error {
	if tc.Clip == nil {
		return secseg.NewConfigurationError("config has no [clip] section")
	}
	return tasks.ClipLabelImage(ctx, env, tasks.ClipArgs{
		ImageGroup:       tc.Clip.ImageGroup,
		LabelName:        tc.Clip.LabelName,
		ClippingMaskName: tc.Clip.ClippingMaskName,
		Level:            tc.Clip.Level,
		OutputLabelName:  tc.Clip.OutputLabelName,
		Overwrite:        tc.Clip.Overwrite,
	})
}

func runMask(ctx context.Context, env tasks.TaskEnv, tc *tomlConfig) error {
	if tc.Mask == nil {
		return secseg.NewConfigurationError("config has no [mask] section")
	}
	return tasks.ApplyMask(ctx, env, tasks.MaskArgs{
		ImageGroup:      tc.Mask.ImageGroup,
		LabelName:       tc.Mask.LabelName,
		MaskLabelName:   tc.Mask.MaskLabelName,
		Level:           tc.Mask.Level,
		OutputLabelName: tc.Mask.OutputLabelName,
		Overwrite:       tc.Mask.Overwrite,
	})
}
