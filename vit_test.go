package main

import (
	"math"
	"path/filepath"
	"testing"
)

func testViTConfig() ViTConfig {
	return ViTConfig{
		ImgSize:    16,
		PatchSize:  4,
		InChans:    3,
		NumClasses: 5,
		EmbedDim:   32,
		Depth:      2,
		NumHeads:   2,
		MLPRatio:   2.0,
	}
}

// TestPatchEmbedding checks the unfold-then-project geometry.
func TestPatchEmbedding(t *testing.T) {
	pe, err := NewPatchEmbedding(16, 4, 3, 32)
	if err != nil {
		t.Fatal(err)
	}

	if n := pe.NumPatches(); n != 16 {
		t.Errorf("NumPatches = %d, want 16", n)
	}

	out, err := pe.Forward(NewTensorRand(2, 3, 16, 16))
	if err != nil {
		t.Fatal(err)
	}
	if shape := out.Shape(); shape[0] != 2 || shape[1] != 16 || shape[2] != 32 {
		t.Errorf("expected shape [2 16 32], got %v", shape)
	}
}

// TestPatchEmbeddingValidation covers geometry errors.
func TestPatchEmbeddingValidation(t *testing.T) {
	if _, err := NewPatchEmbedding(18, 4, 3, 32); err == nil {
		t.Error("non-divisible geometry should fail")
	}

	pe, _ := NewPatchEmbedding(16, 4, 3, 32)
	if _, err := pe.Forward(NewTensorRand(1, 3, 32, 32)); err == nil {
		t.Error("wrong image size should fail")
	}
	if _, err := pe.Forward(NewTensorRand(1, 1, 16, 16)); err == nil {
		t.Error("wrong channel count should fail")
	}
}

// TestLayerNorm verifies zero mean and unit variance per row.
func TestLayerNorm(t *testing.T) {
	ln := NewLayerNorm(8)

	x := NewTensorRand(4, 8)
	out := ln.Forward(x)

	for r := 0; r < 4; r++ {
		mean, sumSq := 0.0, 0.0
		for c := 0; c < 8; c++ {
			mean += out.At(r, c)
		}
		mean /= 8
		for c := 0; c < 8; c++ {
			d := out.At(r, c) - mean
			sumSq += d * d
		}
		variance := sumSq / 8

		if math.Abs(mean) > 1e-9 {
			t.Errorf("row %d mean = %g, want ~0", r, mean)
		}
		if math.Abs(variance-1.0) > 1e-3 {
			t.Errorf("row %d variance = %g, want ~1", r, variance)
		}
	}
}

// TestSelfAttentionShape verifies sequence shape preservation.
func TestSelfAttentionShape(t *testing.T) {
	attn := NewSelfAttention(32, 2)

	x := NewTensorRand(9, 32)
	out := attn.Forward(x)

	if shape := out.Shape(); shape[0] != 9 || shape[1] != 32 {
		t.Errorf("expected shape [9 32], got %v", shape)
	}
}

// TestEncoderBlockShape verifies residual blocks preserve shape.
func TestEncoderBlockShape(t *testing.T) {
	block := NewEncoderBlock(32, 2, 64)

	x := NewTensorRand(9, 32)
	out := block.Forward(x)

	if shape := out.Shape(); shape[0] != 9 || shape[1] != 32 {
		t.Errorf("expected shape [9 32], got %v", shape)
	}
}

// TestViTConstruction covers backbone config validation.
func TestViTConstruction(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ViTConfig)
	}{
		{"heads don't divide dim", func(c *ViTConfig) { c.NumHeads = 5 }},
		{"patch doesn't divide image", func(c *ViTConfig) { c.ImgSize = 18 }},
		{"zero depth", func(c *ViTConfig) { c.Depth = 0 }},
		{"zero embed dim", func(c *ViTConfig) { c.EmbedDim = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testViTConfig()
			tt.mutate(&config)
			if _, err := NewViT(config); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// TestViTBlocksShape verifies the encoder stack preserves (B, L, D).
func TestViTBlocksShape(t *testing.T) {
	vit, err := NewViT(testViTConfig())
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(2, 9, 32)
	out := vit.Blocks(x)
	if shape := out.Shape(); shape[0] != 2 || shape[1] != 9 || shape[2] != 32 {
		t.Errorf("expected shape [2 9 32], got %v", shape)
	}

	out = vit.Norm(out)
	if shape := out.Shape(); shape[0] != 2 || shape[1] != 9 || shape[2] != 32 {
		t.Errorf("norm changed shape: %v", shape)
	}
}

// TestViTDropoutInference verifies dropout is identity outside training.
func TestViTDropoutInference(t *testing.T) {
	vit, err := NewViT(ViTConfig{
		ImgSize: 16, PatchSize: 4, InChans: 3, NumClasses: 5,
		EmbedDim: 32, Depth: 1, NumHeads: 2, MLPRatio: 2.0,
		Dropout: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	x := NewTensorRand(1, 4, 32)
	out := vit.Dropout(x)
	for i := range x.Data() {
		if out.Data()[i] != x.Data()[i] {
			t.Fatal("dropout must be identity in inference mode")
		}
	}
}

// TestViTSaveLoadRoundTrip verifies the checkpoint format: a reloaded
// backbone produces bit-identical outputs.
func TestViTSaveLoadRoundTrip(t *testing.T) {
	vit, err := NewViT(testViTConfig())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "vit.bin")
	if err := vit.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadViT(path)
	if err != nil {
		t.Fatalf("LoadViT: %v", err)
	}

	if loaded.Config() != vit.Config() {
		t.Errorf("config mismatch: %+v vs %+v", loaded.Config(), vit.Config())
	}
	if loaded.ParameterCount() != vit.ParameterCount() {
		t.Errorf("parameter count mismatch: %d vs %d",
			loaded.ParameterCount(), vit.ParameterCount())
	}

	images := NewTensorRand(1, 3, 16, 16)

	a, err := vit.PatchEmbed(images)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.PatchEmbed(images)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatalf("patch embeddings differ at %d", i)
		}
	}

	x := NewTensorRand(1, 5, 32)
	ya := vit.Norm(vit.Blocks(x))
	yb := loaded.Norm(loaded.Blocks(x))
	for i := range ya.Data() {
		if ya.Data()[i] != yb.Data()[i] {
			t.Fatalf("encoder outputs differ at %d", i)
		}
	}
}

// TestViTLoadMissingFile verifies a useful error for a bad path.
func TestViTLoadMissingFile(t *testing.T) {
	if _, err := LoadViT(filepath.Join(t.TempDir(), "nope.bin")); err == nil {
		t.Error("expected error for missing checkpoint")
	}
}

// TestViTParameterCount checks the count against a hand-computed total.
func TestViTParameterCount(t *testing.T) {
	vit, err := NewViT(testViTConfig())
	if err != nil {
		t.Fatal(err)
	}

	const (
		d      = 32
		hidden = 64 // d * MLPRatio
		depth  = 2
	)
	patchEmbed := int64((3*4*4)*d + d)
	posAndCLS := int64(17*d + d)
	perBlock := int64(4*d*d + 2*2*d + (d*hidden + hidden) + (hidden*d + d))
	finalNorm := int64(2 * d)
	head := int64(d*5 + 5)

	want := patchEmbed + posAndCLS + depth*perBlock + finalNorm + head
	if got := vit.ParameterCount(); got != want {
		t.Errorf("ParameterCount = %d, want %d", got, want)
	}
}
