package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
)

// RunInfoCommand prints the model's static configuration summary.
func RunInfoCommand(argv []string) error {
	var args struct {
		Config string `arg:"--config" help:"path to YAML configuration"`
	}

	parser, err := arg.NewParser(arg.Config{Program: "selective-magno-vit info"}, &args)
	if err != nil {
		return err
	}
	if err := parser.Parse(argv); err != nil {
		if err == arg.ErrHelp {
			parser.WriteHelp(os.Stdout)
			return nil
		}
		return err
	}

	cfg, err := loadConfigWithOverrides(args.Config, func(*Config) {})
	if err != nil {
		return err
	}

	model, err := cfg.BuildModel()
	if err != nil {
		return err
	}

	s := model.Summary()
	fmt.Println("SelectiveVisionModel")
	fmt.Printf("  image size:        %dx%d\n", s.ImgSize, s.ImgSize)
	fmt.Printf("  patch size:        %dx%d\n", s.PatchSize, s.PatchSize)
	fmt.Printf("  patches:           %d total, %d selected (%.0f%%)\n",
		s.NumPatches, s.SelectedPatches, s.PatchPercentage*100)
	fmt.Printf("  selector:          threshold=%.2f gaussian_std=%.2f\n", s.Threshold, s.GaussianStd)
	fmt.Printf("  embed dim:         %d\n", s.EmbedDim)
	fmt.Printf("  classes:           %d\n", s.NumClasses)
	fmt.Printf("  parameters:        %s\n", humanize.Comma(s.TotalParams))
	if cfg.Checkpoint != "" {
		fmt.Printf("  backbone:          %s (adapted)\n", cfg.Checkpoint)
	} else {
		fmt.Printf("  backbone:          randomly initialized\n")
	}

	return nil
}
