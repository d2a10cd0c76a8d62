package main

import (
	"testing"
)

// testModelConfig is a small geometry that keeps test runtime reasonable:
// 16x16 images, 4x4 patches, 16-patch grid, 2 encoder blocks.
func testModelConfig() ModelConfig {
	return ModelConfig{
		PatchPercentage: 0.5,
		Threshold:       0.3,
		GaussianStd:     0.25,
		ImgSize:         16,
		PatchSize:       4,
		NumClasses:      5,
		EmbedDim:        32,
		Depth:           2,
		NumHeads:        2,
		MLPRatio:        2.0,
		Dropout:         0.1,
	}
}

// TestModelConfigValidation covers the construction-time error contract.
func TestModelConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{"zero patch percentage", func(c *ModelConfig) { c.PatchPercentage = 0 }},
		{"percentage above one", func(c *ModelConfig) { c.PatchPercentage = 1.5 }},
		{"negative percentage", func(c *ModelConfig) { c.PatchPercentage = -0.4 }},
		{"patch does not divide image", func(c *ModelConfig) { c.ImgSize = 18 }},
		{"zero image size", func(c *ModelConfig) { c.ImgSize = 0 }},
		{"zero classes", func(c *ModelConfig) { c.NumClasses = 0 }},
		{"negative gaussian std", func(c *ModelConfig) { c.GaussianStd = -0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testModelConfig()
			tt.mutate(&config)
			if _, err := NewSelectiveVisionModel(config); err == nil {
				t.Error("expected error, got nil")
			} else if !IsConfigurationError(err) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

// TestModelGeometry checks the derived patch counts.
func TestModelGeometry(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	if n := model.NumPatches(); n != 16 {
		t.Errorf("NumPatches = %d, want 16", n)
	}
	if k := model.NumSelectedPatches(); k != 8 {
		t.Errorf("NumSelectedPatches = %d, want 8", k)
	}
}

// TestModelForwardShape verifies logits come back as (B, numClasses).
func TestModelForwardShape(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	magno := NewTensorRand(2, 3, 16, 16)
	line := NewTensorRand(2, 1, 16, 16)

	logits, err := model.Forward(magno, line)
	if err != nil {
		t.Fatal(err)
	}

	if shape := logits.Shape(); shape[0] != 2 || shape[1] != 5 {
		t.Errorf("expected logits shape [2 5], got %v", shape)
	}
}

// TestModelForwardDeterministic verifies inference mode gives identical
// logits for identical inputs.
func TestModelForwardDeterministic(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	magno := NewTensorRand(1, 3, 16, 16)
	line := NewTensorRand(1, 1, 16, 16)

	a, err := model.Forward(magno, line)
	if err != nil {
		t.Fatal(err)
	}
	b, err := model.Forward(magno, line)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatalf("logits differ at %d: %f vs %f", i, a.Data()[i], b.Data()[i])
		}
	}
}

// TestModelForwardAllZeroLine verifies the degenerate-input contract end
// to end: an all-black line drawing still classifies.
func TestModelForwardAllZeroLine(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	logits, err := model.Forward(NewTensorRand(1, 3, 16, 16), NewTensor(1, 1, 16, 16))
	if err != nil {
		t.Fatalf("all-zero line drawing must not fail: %v", err)
	}
	if shape := logits.Shape(); shape[1] != 5 {
		t.Errorf("expected 5 logits, got %v", shape)
	}
}

// TestModelForwardShapeErrors verifies paired-input validation.
func TestModelForwardShapeErrors(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	good := NewTensorRand(2, 3, 16, 16)
	goodLine := NewTensorRand(2, 1, 16, 16)

	tests := []struct {
		name  string
		magno *Tensor
		line  *Tensor
	}{
		{"magno wrong rank", NewTensor(2, 16, 16), goodLine},
		{"line wrong rank", good, NewTensor(2, 16, 16)},
		{"batch mismatch", good, NewTensorRand(3, 1, 16, 16)},
		{"magno wrong size", NewTensorRand(2, 3, 32, 32), goodLine},
		{"line wrong size", good, NewTensorRand(2, 1, 32, 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := model.Forward(tt.magno, tt.line); err == nil {
				t.Error("expected error, got nil")
			} else if !IsShapeMismatchError(err) {
				t.Errorf("expected ShapeMismatchError, got %v", err)
			}
		})
	}
}

// TestSelectedPatchIndicesDiagnostic verifies the raw-score top-k view:
// rank order, k entries, lower-index tie-break.
func TestSelectedPatchIndicesDiagnostic(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	// Put all ink in patch 5 and half as much in patch 10.
	line := NewTensor(1, 1, 16, 16)
	// Patch grid is 4x4; patch 5 covers rows 4-7, cols 4-7.
	for y := 4; y < 8; y++ {
		for x := 4; x < 8; x++ {
			line.Set(1.0, 0, 0, y, x)
		}
	}
	// Patch 10 covers rows 8-11, cols 8-11; fill half its pixels.
	for y := 8; y < 10; y++ {
		for x := 8; x < 12; x++ {
			line.Set(1.0, 0, 0, y, x)
		}
	}

	indices, err := model.SelectedPatchIndices(line)
	if err != nil {
		t.Fatal(err)
	}

	if len(indices[0]) != 8 {
		t.Fatalf("expected 8 indices, got %d", len(indices[0]))
	}
	if indices[0][0] != 5 {
		t.Errorf("highest-scoring patch should rank first, got %d", indices[0][0])
	}
	if indices[0][1] != 10 {
		t.Errorf("second patch should be 10, got %d", indices[0][1])
	}
	// Remaining slots are all-zero ties, filled in index order.
	if indices[0][2] != 0 {
		t.Errorf("zero-score ties should fill from index 0, got %d", indices[0][2])
	}
}

// TestPatchImportanceMapRoundTrip verifies the grid view reshapes back to
// the scorer's flat output exactly.
func TestPatchImportanceMapRoundTrip(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	line := NewTensorRand(2, 1, 16, 16)

	grid, err := model.PatchImportanceMap(line)
	if err != nil {
		t.Fatal(err)
	}
	if shape := grid.Shape(); shape[0] != 2 || shape[1] != 1 || shape[2] != 4 || shape[3] != 4 {
		t.Fatalf("expected shape [2 1 4 4], got %v", shape)
	}

	scorer, _ := NewPatchImportanceScorer(4)
	flat, err := scorer.Score(line)
	if err != nil {
		t.Fatal(err)
	}

	back := grid.Reshape(2, 16)
	for i := range flat.Data() {
		if back.Data()[i] != flat.Data()[i] {
			t.Fatalf("importance map differs from scorer output at %d", i)
		}
	}
}

// TestModelFromBackboneSurgery verifies adapting a pretrained backbone:
// geometry and head change, encoder depth and embed dim survive.
func TestModelFromBackboneSurgery(t *testing.T) {
	// Pretrained backbone: 32px images, 8px patches, 100 classes.
	backbone, err := NewViT(ViTConfig{
		ImgSize:    32,
		PatchSize:  8,
		InChans:    3,
		NumClasses: 100,
		EmbedDim:   32,
		Depth:      2,
		NumHeads:   2,
		MLPRatio:   2.0,
	})
	if err != nil {
		t.Fatal(err)
	}

	config := testModelConfig()
	model, err := NewSelectiveVisionModelFromBackbone(config, backbone)
	if err != nil {
		t.Fatal(err)
	}

	// New geometry: 16 patches, so the positional table has 17 rows.
	if shape := backbone.PosEmbed().Shape(); shape[0] != 17 || shape[1] != 32 {
		t.Errorf("expected positional table [17 32], got %v", shape)
	}

	logits, err := model.Forward(NewTensorRand(1, 3, 16, 16), NewTensorRand(1, 1, 16, 16))
	if err != nil {
		t.Fatal(err)
	}
	if shape := logits.Shape(); shape[1] != config.NumClasses {
		t.Errorf("head surgery should give %d classes, got %v", config.NumClasses, shape)
	}
}

// TestModelSummary checks the reported configuration.
func TestModelSummary(t *testing.T) {
	model, err := NewSelectiveVisionModel(testModelConfig())
	if err != nil {
		t.Fatal(err)
	}

	s := model.Summary()
	if s.NumPatches != 16 || s.SelectedPatches != 8 {
		t.Errorf("summary patches: got %d/%d, want 16/8", s.NumPatches, s.SelectedPatches)
	}
	if s.EmbedDim != 32 || s.NumClasses != 5 {
		t.Errorf("summary dims: got %d/%d, want 32/5", s.EmbedDim, s.NumClasses)
	}
	if s.TotalParams <= 0 {
		t.Errorf("parameter count should be positive, got %d", s.TotalParams)
	}
}
