package main

import (
	"math"
	"testing"
)

// TestScorerOutputShape verifies (B, numPatches) output across geometries.
func TestScorerOutputShape(t *testing.T) {
	tests := []struct {
		name       string
		imgSize    int
		patchSize  int
		batch      int
		numPatches int
	}{
		{"64px 4px patches", 64, 4, 2, 256},
		{"32px 8px patches", 32, 8, 1, 16},
		{"16px 16px patches", 16, 16, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer, err := NewPatchImportanceScorer(tt.patchSize)
			if err != nil {
				t.Fatalf("NewPatchImportanceScorer: %v", err)
			}

			line := NewTensor(tt.batch, 1, tt.imgSize, tt.imgSize)
			scores, err := scorer.Score(line)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}

			if shape := scores.Shape(); shape[0] != tt.batch || shape[1] != tt.numPatches {
				t.Errorf("expected shape [%d %d], got %v", tt.batch, tt.numPatches, shape)
			}
		})
	}
}

// TestScorerLineDensity checks that ink concentration maps to score order.
func TestScorerLineDensity(t *testing.T) {
	scorer, err := NewPatchImportanceScorer(4)
	if err != nil {
		t.Fatal(err)
	}

	// 8x8 image, 2x2 patch grid. Fill the top-left patch completely,
	// half-fill the top-right patch, leave the bottom row empty.
	line := NewTensor(1, 1, 8, 8)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			line.Set(1.0, 0, 0, y, x)
		}
	}
	for y := 0; y < 2; y++ {
		for x := 4; x < 8; x++ {
			line.Set(1.0, 0, 0, y, x)
		}
	}

	scores, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}

	if v := scores.At(0, 0); v != 1.0 {
		t.Errorf("full patch should normalize to 1.0, got %f", v)
	}
	if v := scores.At(0, 1); math.Abs(v-0.5) > 1e-12 {
		t.Errorf("half-full patch should score 0.5, got %f", v)
	}
	if v := scores.At(0, 2); v != 0 {
		t.Errorf("empty patch should score 0, got %f", v)
	}
	if v := scores.At(0, 3); v != 0 {
		t.Errorf("empty patch should score 0, got %f", v)
	}
}

// TestScorerNegativeIntensities verifies arbitrary real inputs are
// scored by absolute intensity.
func TestScorerNegativeIntensities(t *testing.T) {
	scorer, _ := NewPatchImportanceScorer(2)

	line := NewTensor(1, 1, 4, 4)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			line.Set(-1.0, 0, 0, y, x)
		}
	}

	scores, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}

	if v := scores.At(0, 0); v != 1.0 {
		t.Errorf("negative ink should still score, got %f", v)
	}
}

// TestScorerAllZero verifies the degenerate input contract: all-zero
// drawing gives all-zero scores, no error.
func TestScorerAllZero(t *testing.T) {
	scorer, _ := NewPatchImportanceScorer(4)

	scores, err := scorer.Score(NewTensor(2, 1, 16, 16))
	if err != nil {
		t.Fatalf("all-zero input must not fail: %v", err)
	}

	for _, v := range scores.Data() {
		if v != 0 {
			t.Fatalf("expected all-zero scores, got %f", v)
		}
	}
}

// TestScorerQuadrantScenario reproduces the single-quadrant case: ink
// confined to one quadrant scores zero everywhere else.
func TestScorerQuadrantScenario(t *testing.T) {
	scorer, _ := NewPatchImportanceScorer(4)

	// 64x64 image, line pixels only in the top-left 32x32 quadrant.
	line := NewTensor(1, 1, 64, 64)
	for y := 0; y < 32; y++ {
		line.Set(1.0, 0, 0, y, y) // diagonal line inside the quadrant
	}

	scores, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}

	// Patch grid is 16x16. Quadrant = rows 0-7, cols 0-7.
	for idx := 0; idx < 256; idx++ {
		gy, gx := idx/16, idx%16
		inQuadrant := gy < 8 && gx < 8
		v := scores.At(0, idx)
		if !inQuadrant && v != 0 {
			t.Errorf("patch %d outside quadrant has score %f", idx, v)
		}
	}

	// The diagonal patches must be the nonzero ones.
	if v := scores.At(0, 0); v == 0 {
		t.Error("diagonal patch (0,0) should have nonzero score")
	}
}

// TestScorerDeterminism verifies identical inputs give identical scores.
func TestScorerDeterminism(t *testing.T) {
	scorer, _ := NewPatchImportanceScorer(4)

	line := NewTensorRand(2, 1, 32, 32)
	a, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}
	b, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatalf("scores differ at %d", i)
		}
	}
}

// TestScorerShapeErrors verifies rejection of malformed inputs.
func TestScorerShapeErrors(t *testing.T) {
	scorer, _ := NewPatchImportanceScorer(4)

	tests := []struct {
		name  string
		input *Tensor
	}{
		{"wrong rank", NewTensor(1, 16, 16)},
		{"multi channel", NewTensor(1, 3, 16, 16)},
		{"not divisible", NewTensor(1, 1, 18, 18)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := scorer.Score(tt.input); err == nil {
				t.Error("expected error, got nil")
			} else if !IsShapeMismatchError(err) {
				t.Errorf("expected ShapeMismatchError, got %v", err)
			}
		})
	}
}

// TestScorerInvalidPatchSize verifies construction validation.
func TestScorerInvalidPatchSize(t *testing.T) {
	for _, size := range []int{0, -4} {
		if _, err := NewPatchImportanceScorer(size); err == nil {
			t.Errorf("patch size %d should be rejected", size)
		} else if !IsConfigurationError(err) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	}
}
