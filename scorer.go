package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Patch Importance Scoring
// ===========================================================================
//
// The model is shown two views of every input: the magno image that will
// actually be classified, and a single-channel line drawing whose nonzero
// pixels mark edges and contours. This file turns the line drawing into
// one scalar per transformer patch, measuring how much "ink" falls inside
// that patch's cell.
//
// INTENTION:
// Give the selection stage a cheap, deterministic signal for where the
// visually informative regions are, without any learned parameters. A
// patch covering a stretch of line gets a high score; a patch covering
// blank background gets zero.
//
// The scorer is stateless: the same line drawing always produces the same
// scores, in training and inference alike. All the learning happens
// downstream in the transformer; this stage is pure measurement.
//
// ===========================================================================

// PatchImportanceScorer maps a line drawing of shape (B, 1, H, W) to a
// per-patch importance score of shape (B, numPatches), where
// numPatches = (H/patchSize) * (W/patchSize) and patches are ordered as a
// row-major flatten of the patch grid (top-left to bottom-right).
//
// Each patch's raw score is the mean absolute pixel intensity inside its
// cell, so arbitrary real-valued inputs are tolerated, then scores are
// normalized per image by the maximum so they land in [0, 1]. An all-zero
// drawing yields all-zero scores; normalization leaves those untouched
// rather than dividing by zero.
type PatchImportanceScorer struct {
	patchSize int
}

// NewPatchImportanceScorer creates a scorer for the given patch size.
func NewPatchImportanceScorer(patchSize int) (*PatchImportanceScorer, error) {
	if patchSize <= 0 {
		return nil, configErrorf("patch_size", "must be positive, got %d", patchSize)
	}
	return &PatchImportanceScorer{patchSize: patchSize}, nil
}

// Score computes per-patch importance scores for a batch of line drawings.
//
// lineDrawing must be (B, 1, H, W) with H and W divisible by the patch
// size. Returns a (B, numPatches) tensor of scores in [0, 1].
func (s *PatchImportanceScorer) Score(lineDrawing *Tensor) (*Tensor, error) {
	shape := lineDrawing.Shape()
	if len(shape) != 4 {
		return nil, shapeErrorf("line drawing rank", "(B, 1, H, W)", shape)
	}
	if shape[1] != 1 {
		return nil, shapeErrorf("line drawing channels", 1, shape[1])
	}

	batch, h, w := shape[0], shape[2], shape[3]
	if h%s.patchSize != 0 || w%s.patchSize != 0 {
		return nil, shapeErrorf("line drawing spatial dims",
			fmt.Sprintf("multiple of patch size %d", s.patchSize), []int{h, w})
	}

	gridH := h / s.patchSize
	gridW := w / s.patchSize
	numPatches := gridH * gridW
	cellArea := float64(s.patchSize * s.patchSize)

	scores := NewTensor(batch, numPatches)

	for b := 0; b < batch; b++ {
		img := lineDrawing.Row(b).Row(0) // (H, W)
		row := scores.Row(b).Data()

		for gy := 0; gy < gridH; gy++ {
			for gx := 0; gx < gridW; gx++ {
				sum := 0.0
				for py := gy * s.patchSize; py < (gy+1)*s.patchSize; py++ {
					for px := gx * s.patchSize; px < (gx+1)*s.patchSize; px++ {
						sum += math.Abs(img.At(py, px))
					}
				}
				row[gy*gridW+gx] = sum / cellArea
			}
		}

		// Normalize per image so relative ranking is preserved but the
		// scale matches the selector's threshold range. Degenerate
		// all-zero drawings stay all-zero.
		if maxScore := floats.Max(row); maxScore > 0 {
			floats.Scale(1/maxScore, row)
		}
	}

	return scores, nil
}

// PatchSize returns the configured patch side length in pixels.
func (s *PatchImportanceScorer) PatchSize() int {
	return s.patchSize
}

// NumPatches returns the patch count for a square image of side imgSize.
func (s *PatchImportanceScorer) NumPatches(imgSize int) int {
	side := imgSize / s.patchSize
	return side * side
}
