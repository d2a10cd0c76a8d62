package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
)

// RunBenchmarkCommand times forward passes at several patch percentages
// against the full-sequence baseline. Attention is quadratic in sequence
// length, so keeping 40% of patches should land well under half the
// baseline time; this command makes that claim measurable.
func RunBenchmarkCommand(argv []string) error {
	var args struct {
		Config      string `arg:"--config" help:"path to YAML configuration"`
		Percentages string `arg:"--percentages" default:"0.1,0.25,0.4,0.7,1.0" help:"comma-separated patch percentages"`
		Batch       int    `arg:"--batch" default:"4" help:"batch size"`
		Runs        int    `arg:"--runs" default:"3" help:"timed runs per configuration"`
	}

	parser, err := arg.NewParser(arg.Config{Program: "selective-magno-vit benchmark"}, &args)
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

	percentages, err := parsePercentages(args.Percentages)
	if err != nil {
		return err
	}

	// Synthetic inputs: a random magno batch and a non-negative random
	// line drawing so scores are non-degenerate.
	imgSize := cfg.Model.ImgSize
	magno := NewTensorRand(args.Batch, 3, imgSize, imgSize)
	line := NewTensorRand(args.Batch, 1, imgSize, imgSize)
	for i, v := range line.Data() {
		line.Data()[i] = math.Abs(v)
	}

	type result struct {
		percentage float64
		seqLen     int
		elapsed    time.Duration
	}
	results := make([]result, 0, len(percentages))

	for _, pct := range percentages {
		mc := cfg.ModelConfig()
		mc.PatchPercentage = pct

		model, err := NewSelectiveVisionModel(mc)
		if err != nil {
			return err
		}
		model.SetTraining(false)

		// Warmup, then best-of-N timing.
		if _, err := model.Forward(magno, line); err != nil {
			return err
		}

		best := time.Duration(math.MaxInt64)
		for r := 0; r < args.Runs; r++ {
			start := time.Now()
			if _, err := model.Forward(magno, line); err != nil {
				return err
			}
			if elapsed := time.Since(start); elapsed < best {
				best = elapsed
			}
		}

		results = append(results, result{
			percentage: pct,
			seqLen:     model.NumSelectedPatches() + 1,
			elapsed:    best,
		})
		fmt.Printf("patch_percentage=%.2f  seq_len=%-5d %v\n", pct, model.NumSelectedPatches()+1, best)
	}

	// Baseline = slowest run (highest percentage benchmarked).
	baseline := results[len(results)-1].elapsed

	fmt.Println()
	fmt.Println("=== Selective Forward Pass (best of runs) ===")
	fmt.Println()

	const barWidth = 50
	for _, r := range results {
		barLen := int(math.Round(float64(r.elapsed) / float64(baseline) * barWidth))
		if barLen > barWidth {
			barLen = barWidth
		}
		speedup := float64(baseline) / float64(r.elapsed)
		fmt.Printf("%4.0f%% (L=%4d) │%-*s│ %8v  %.2fx\n",
			r.percentage*100, r.seqLen, barWidth, strings.Repeat("█", barLen), r.elapsed, speedup)
	}
	fmt.Println()

	return nil
}

func parsePercentages(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, configErrorf("percentages", "invalid value %q", p)
		}
		if v <= 0 || v > 1 {
			return nil, configErrorf("percentages", "must be in (0, 1], got %g", v)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, configErrorf("percentages", "at least one value required")
	}
	return out, nil
}
