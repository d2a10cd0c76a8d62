package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// RunEvaluateCommand runs inference over a paired dataset and reports
// accuracy. The dataset supplies the class count; a num_classes in the
// config that disagrees with the directory layout is overridden, since
// the head must match the labels actually present.
func RunEvaluateCommand(argv []string) error {
	var args struct {
		Config          string  `arg:"--config" help:"path to YAML configuration"`
		MagnoDir        string  `arg:"--magno-dir" help:"override magno image directory"`
		LinesDir        string  `arg:"--lines-dir" help:"override line drawing directory"`
		Checkpoint      string  `arg:"--checkpoint" help:"override backbone checkpoint"`
		PatchPercentage float64 `arg:"--patch-percentage" help:"override patch percentage"`
		BatchSize       int     `arg:"--batch" help:"override batch size"`
	}

	parser, err := arg.NewParser(arg.Config{Program: "selective-magno-vit evaluate"}, &args)
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

	cfg, err := loadConfigWithOverrides(args.Config, func(c *Config) {
		if args.MagnoDir != "" {
			c.Data.MagnoDir = args.MagnoDir
		}
		if args.LinesDir != "" {
			c.Data.LinesDir = args.LinesDir
		}
		if args.Checkpoint != "" {
			c.Checkpoint = args.Checkpoint
		}
		if args.PatchPercentage > 0 {
			c.Model.PatchPercentage = args.PatchPercentage
		}
		if args.BatchSize > 0 {
			c.Eval.BatchSize = args.BatchSize
		}
	})
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	dataset, err := OpenPairedDataset(cfg.Data.MagnoDir, cfg.Data.LinesDir, cfg.Model.ImgSize, cfg.Eval.Workers)
	if err != nil {
		return err
	}
	if dataset.NumClasses() != cfg.Model.NumClasses {
		log.Infow("overriding num_classes from dataset",
			"config", cfg.Model.NumClasses, "dataset", dataset.NumClasses())
		cfg.Model.NumClasses = dataset.NumClasses()
	}

	model, err := cfg.BuildModel()
	if err != nil {
		return err
	}
	model.SetTraining(false)

	summary := model.Summary()
	log.Infow("evaluating",
		"samples", dataset.Len(),
		"classes", dataset.NumClasses(),
		"num_patches", summary.NumPatches,
		"selected_patches", summary.SelectedPatches,
		"patch_percentage", summary.PatchPercentage,
	)

	total := 0
	correct := 0
	classTotal := make([]int, dataset.NumClasses())
	classCorrect := make([]int, dataset.NumClasses())

	batchIdx := 0
	err = dataset.ForEachBatch(cfg.Eval.BatchSize, func(batch *Batch) error {
		logits, err := model.Forward(batch.Magno, batch.Lines)
		if err != nil {
			return err
		}

		for b, label := range batch.Labels {
			pred := argmax(logits.Row(b).Data())
			classTotal[label]++
			total++
			if pred == label {
				classCorrect[label]++
				correct++
			}
		}

		batchIdx++
		if batchIdx%10 == 0 {
			log.Infow("progress", "seen", total, "accuracy", float64(correct)/float64(total))
		}
		return nil
	})
	if err != nil {
		return err
	}

	accuracy := float64(correct) / float64(total)

	perClass := make([]float64, dataset.NumClasses())
	fmt.Println()
	fmt.Println("=== Evaluation Results ===")
	fmt.Println()
	for i, class := range dataset.Classes() {
		if classTotal[i] > 0 {
			perClass[i] = float64(classCorrect[i]) / float64(classTotal[i])
		}
		fmt.Printf("%-20s %5d/%-5d %6.2f%%\n", class, classCorrect[i], classTotal[i], perClass[i]*100)
	}
	fmt.Println()
	fmt.Printf("overall accuracy:   %.4f (%d/%d)\n", accuracy, correct, total)
	fmt.Printf("mean class accuracy: %.4f\n", stat.Mean(perClass, nil))

	return nil
}

// loadConfigWithOverrides loads the config file (or defaults when path is
// empty), applies CLI overrides, and re-validates.
func loadConfigWithOverrides(path string, apply func(*Config)) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
