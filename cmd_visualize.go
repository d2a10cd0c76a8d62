package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"
)

// RunVisualizeCommand renders the patch selection for one line drawing:
// a tinted-overlay PNG, an importance heat map PNG, and an ASCII map on
// stdout.
func RunVisualizeCommand(argv []string) error {
	var args struct {
		Config string `arg:"--config" help:"path to YAML configuration"`
		Line   string `arg:"--line,required" help:"line drawing image to visualize"`
		OutDir string `arg:"--out" default:"." help:"output directory for PNGs"`
	}

	parser, err := arg.NewParser(arg.Config{Program: "selective-magno-vit visualize"}, &args)
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

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	model, err := cfg.BuildModel()
	if err != nil {
		return err
	}
	model.SetTraining(false)

	lineTensor, err := loadLineDrawing(args.Line, cfg.Model.ImgSize)
	if err != nil {
		return err
	}

	indices, err := model.SelectedPatchIndices(lineTensor)
	if err != nil {
		return err
	}
	importance, err := model.PatchImportanceMap(lineTensor)
	if err != nil {
		return err
	}

	overlayPath := filepath.Join(args.OutDir, "selection.png")
	if err := RenderSelectionOverlay(lineTensor.Row(0), indices[0], cfg.Model.PatchSize, overlayPath); err != nil {
		return err
	}

	heatPath := filepath.Join(args.OutDir, "importance.png")
	if err := RenderImportancePNG(importance.Row(0), heatPath); err != nil {
		return err
	}

	fmt.Print(ASCIIImportanceMap(importance.Row(0), indices[0]))
	log.Infow("wrote visualizations",
		"overlay", overlayPath,
		"heatmap", heatPath,
		"selected", len(indices[0]),
		"total", model.NumPatches(),
	)

	return nil
}

// loadLineDrawing decodes a single line drawing into a (1, 1, S, S)
// luminance tensor in [0, 1].
func loadLineDrawing(path string, imgSize int) (*Tensor, error) {
	img, err := loadScaledImage(path, imgSize)
	if err != nil {
		return nil, err
	}

	out := NewTensor(1, 1, imgSize, imgSize)
	for y := 0; y < imgSize; y++ {
		for x := 0; x < imgSize; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out.Set(lum/255.0, 0, 0, y, x)
		}
	}
	return out, nil
}
