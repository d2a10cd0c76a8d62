package main

import (
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Selective Vision Model
// ===========================================================================
//
// This file wires the scorer and selector onto a ViT backbone. The full
// forward pass:
//
//	line drawing ──> scorer ──> per-patch scores ─┐
//	magno image ──> patch embed ──> (B, N, D) ────┤
//	                                              ▼
//	                     selector: (B, k, D) + positional embeddings
//	                                              │
//	   [CLS + pos[0]] ── prepend ─────────────────┤
//	                                              ▼
//	                dropout -> encoder blocks -> norm -> head -> logits
//
// The transformer only ever sees k+1 positions instead of N+1; with the
// default 40% patch percentage that cuts attention cost by ~84% (it is
// quadratic in sequence length) while the line drawing steers which
// patches survive.
//
// A model can be built fresh or on top of a pretrained backbone. The
// pretrained path performs surgery: the patch embedding is replaced with
// one sized for the configured image/patch geometry, the positional table
// is freshly initialized at the new length (pretrained tables don't
// transfer across sequence-length changes), and the head is replaced for
// the configured class count. Encoder blocks, final norm, and the CLS
// token keep their pretrained weights.
//
// ===========================================================================

// ModelConfig holds the full configuration of a SelectiveVisionModel.
type ModelConfig struct {
	// Selection
	PatchPercentage float64 // Fraction of patches to keep, in (0, 1]
	Threshold       float64 // Adjusted-score cutoff for tier-1 selection
	GaussianStd     float64 // Spatial smoothing width, fraction of grid side

	// Geometry
	ImgSize    int // Input image side length (square)
	PatchSize  int // Patch side length; must divide ImgSize
	NumClasses int // Classifier outputs

	// Backbone
	EmbedDim int
	Depth    int
	NumHeads int
	MLPRatio float64
	Dropout  float64
}

// DefaultModelConfig mirrors the reference setup: 64×64 images, 4×4
// patches, keep 40% of patches.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		PatchPercentage: 0.4,
		Threshold:       0.3,
		GaussianStd:     0.25,
		ImgSize:         64,
		PatchSize:       4,
		NumClasses:      10,
		EmbedDim:        192,
		Depth:           12,
		NumHeads:        3,
		MLPRatio:        4.0,
		Dropout:         0.1,
	}
}

// validate checks the constraints the model owns. Backbone-internal
// constraints (head divisibility and so on) are checked by the backbone.
func (c ModelConfig) validate() error {
	if c.PatchPercentage <= 0 || c.PatchPercentage > 1 {
		return configErrorf("patch_percentage", "must be in (0, 1], got %g", c.PatchPercentage)
	}
	if c.ImgSize <= 0 || c.PatchSize <= 0 {
		return configErrorf("img_size", "image and patch sizes must be positive, got %d/%d", c.ImgSize, c.PatchSize)
	}
	if c.ImgSize%c.PatchSize != 0 {
		return configErrorf("img_size", "(%d) must be divisible by patch_size (%d)", c.ImgSize, c.PatchSize)
	}
	if c.NumClasses <= 0 {
		return configErrorf("num_classes", "must be positive, got %d", c.NumClasses)
	}
	return nil
}

// SelectiveVisionModel classifies magno images by running a transformer
// over only the patches a line drawing marks as informative.
type SelectiveVisionModel struct {
	config     ModelConfig
	backbone   Backbone
	scorer     *PatchImportanceScorer
	selector   *SpatialThresholdSelector
	numPatches int
}

// NewSelectiveVisionModel creates a model with a freshly initialized
// backbone.
func NewSelectiveVisionModel(config ModelConfig) (*SelectiveVisionModel, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	backbone, err := NewViT(ViTConfig{
		ImgSize:    config.ImgSize,
		PatchSize:  config.PatchSize,
		InChans:    3,
		NumClasses: config.NumClasses,
		EmbedDim:   config.EmbedDim,
		Depth:      config.Depth,
		NumHeads:   config.NumHeads,
		MLPRatio:   config.MLPRatio,
		Dropout:    config.Dropout,
	})
	if err != nil {
		return nil, err
	}

	return newSelectiveVisionModel(config, backbone)
}

// NewSelectiveVisionModelFromBackbone adapts a pretrained backbone to the
// configured geometry and class count, keeping its encoder weights.
func NewSelectiveVisionModelFromBackbone(config ModelConfig, backbone Backbone) (*SelectiveVisionModel, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := adaptBackbone(backbone, config); err != nil {
		return nil, err
	}
	return newSelectiveVisionModel(config, backbone)
}

func newSelectiveVisionModel(config ModelConfig, backbone Backbone) (*SelectiveVisionModel, error) {
	scorer, err := NewPatchImportanceScorer(config.PatchSize)
	if err != nil {
		return nil, err
	}

	selector, err := NewSpatialThresholdSelector(config.PatchPercentage, config.Threshold, config.GaussianStd)
	if err != nil {
		return nil, err
	}

	side := config.ImgSize / config.PatchSize

	return &SelectiveVisionModel{
		config:     config,
		backbone:   backbone,
		scorer:     scorer,
		selector:   selector,
		numPatches: side * side,
	}, nil
}

// adaptBackbone performs the transfer-learning surgery: new patch
// embedding for the configured geometry, fresh truncated-normal
// positional table sized (numPatches+1, D), new classification head.
// Everything else on the backbone keeps its weights.
func adaptBackbone(backbone Backbone, config ModelConfig) error {
	patchEmbed, err := NewPatchEmbedding(config.ImgSize, config.PatchSize, 3, backbone.EmbedDim())
	if err != nil {
		return err
	}

	backbone.SetPatchEmbed(patchEmbed)
	backbone.SetPosEmbed(NewTensorTruncNormal(0.02, patchEmbed.NumPatches()+1, backbone.EmbedDim()))
	backbone.SetHead(NewLinear(backbone.EmbedDim(), config.NumClasses))
	return nil
}

// Forward runs the full selective classification pass.
//
//	magnoImage:  (B, 3, imgSize, imgSize) image to classify
//	lineDrawing: (B, 1, imgSize, imgSize) selection guide
//
// Returns (B, numClasses) logits. The two inputs must agree on batch size
// and spatial dimensions; disagreement is a ShapeMismatchError.
func (m *SelectiveVisionModel) Forward(magnoImage, lineDrawing *Tensor) (*Tensor, error) {
	if err := m.checkInputs(magnoImage, lineDrawing); err != nil {
		return nil, err
	}

	// Stage 1: score patches from line density.
	scores, err := m.scorer.Score(lineDrawing)
	if err != nil {
		return nil, err
	}

	// Stage 2: embed every patch of the magno image.
	allPatches, err := m.backbone.PatchEmbed(magnoImage)
	if err != nil {
		return nil, err
	}

	// Stage 3: keep k patches, positional embeddings included.
	selected, err := m.selector.Select(allPatches, m.backbone.PosEmbed(), scores, lineDrawing)
	if err != nil {
		return nil, err
	}

	// Stage 4: prepend CLS (with its own positional embedding) to every
	// sequence in the batch.
	selShape := selected.Shape()
	batch, k, embedDim := selShape[0], selShape[1], selShape[2]

	sequence := NewTensor(batch, k+1, embedDim)
	cls := m.backbone.CLSToken()
	posEmbed := m.backbone.PosEmbed()
	for b := 0; b < batch; b++ {
		seq := sequence.Row(b)
		sel := selected.Row(b)
		for d := 0; d < embedDim; d++ {
			seq.Set(cls.At(d)+posEmbed.At(0, d), 0, d)
		}
		for i := 0; i < k; i++ {
			for d := 0; d < embedDim; d++ {
				seq.Set(sel.At(i, d), i+1, d)
			}
		}
	}

	// Stages 5-7: dropout hook, encoder, final norm.
	sequence = m.backbone.Dropout(sequence)
	x := m.backbone.Blocks(sequence)
	x = m.backbone.Norm(x)

	// Stage 8: classify from the CLS position.
	pooled := NewTensor(batch, embedDim)
	for b := 0; b < batch; b++ {
		for d := 0; d < embedDim; d++ {
			pooled.Set(x.At(b, 0, d), b, d)
		}
	}

	return m.backbone.Head(pooled), nil
}

// checkInputs validates the paired inputs against the configured geometry.
func (m *SelectiveVisionModel) checkInputs(magnoImage, lineDrawing *Tensor) error {
	mShape := magnoImage.Shape()
	if len(mShape) != 4 {
		return shapeErrorf("magno image rank", "(B, 3, H, W)", mShape)
	}
	lShape := lineDrawing.Shape()
	if len(lShape) != 4 {
		return shapeErrorf("line drawing rank", "(B, 1, H, W)", lShape)
	}
	if mShape[0] != lShape[0] {
		return shapeErrorf("batch sizes", mShape[0], lShape[0])
	}
	if mShape[2] != m.config.ImgSize || mShape[3] != m.config.ImgSize {
		return shapeErrorf("magno image spatial dims",
			[]int{m.config.ImgSize, m.config.ImgSize}, mShape[2:])
	}
	if lShape[2] != m.config.ImgSize || lShape[3] != m.config.ImgSize {
		return shapeErrorf("line drawing spatial dims",
			[]int{m.config.ImgSize, m.config.ImgSize}, lShape[2:])
	}
	return nil
}

// SelectedPatchIndices returns, per batch element, the top-k patch
// indices by raw score, highest score first, lower index winning ties.
//
// This is a diagnostic view for visualization: it deliberately skips the
// selector's spatial adjustment, showing what the line drawing alone says.
// The actual forward pass can choose a different set.
func (m *SelectiveVisionModel) SelectedPatchIndices(lineDrawing *Tensor) ([][]int, error) {
	scores, err := m.scorer.Score(lineDrawing)
	if err != nil {
		return nil, err
	}

	shape := scores.Shape()
	batch, numPatches := shape[0], shape[1]
	k := m.selector.NumSelected(numPatches)

	out := make([][]int, batch)
	for b := 0; b < batch; b++ {
		row := scores.Row(b).Data()

		ranked := make([]int, numPatches)
		for i := range ranked {
			ranked[i] = i
		}
		sort.SliceStable(ranked, func(a, c int) bool {
			return row[ranked[a]] > row[ranked[c]]
		})

		out[b] = ranked[:k]
	}

	return out, nil
}

// PatchImportanceMap returns the raw scores reshaped onto the patch grid:
// (B, 1, G, G) where G = imgSize / patchSize. Reshaping the result back
// to (B, N) recovers the scorer output exactly.
func (m *SelectiveVisionModel) PatchImportanceMap(lineDrawing *Tensor) (*Tensor, error) {
	scores, err := m.scorer.Score(lineDrawing)
	if err != nil {
		return nil, err
	}

	batch := scores.Shape()[0]
	side := m.config.ImgSize / m.config.PatchSize
	return scores.Reshape(batch, 1, side, side), nil
}

// NumSelectedPatches returns k, the fixed number of patches every forward
// pass keeps.
func (m *SelectiveVisionModel) NumSelectedPatches() int {
	return m.selector.NumSelected(m.numPatches)
}

// NumPatches returns the total patch count N of the configured grid.
func (m *SelectiveVisionModel) NumPatches() int {
	return m.numPatches
}

// Config returns the model configuration.
func (m *SelectiveVisionModel) Config() ModelConfig {
	return m.config
}

// SetTraining toggles the backbone's training mode (dropout on/off).
// Inference mode is fully deterministic.
func (m *SelectiveVisionModel) SetTraining(training bool) {
	m.backbone.SetTraining(training)
}

// ModelSummary is the static configuration report for logging and the
// info command.
type ModelSummary struct {
	ImgSize         int     `json:"img_size"`
	PatchSize       int     `json:"patch_size"`
	NumPatches      int     `json:"num_patches"`
	SelectedPatches int     `json:"selected_patches"`
	PatchPercentage float64 `json:"patch_percentage"`
	Threshold       float64 `json:"threshold"`
	GaussianStd     float64 `json:"gaussian_std"`
	EmbedDim        int     `json:"embed_dim"`
	NumClasses      int     `json:"num_classes"`
	TotalParams     int64   `json:"total_params"`
}

// Summary reports the model's static configuration and parameter count.
func (m *SelectiveVisionModel) Summary() ModelSummary {
	return ModelSummary{
		ImgSize:         m.config.ImgSize,
		PatchSize:       m.config.PatchSize,
		NumPatches:      m.numPatches,
		SelectedPatches: m.NumSelectedPatches(),
		PatchPercentage: m.config.PatchPercentage,
		Threshold:       m.config.Threshold,
		GaussianStd:     m.config.GaussianStd,
		EmbedDim:        m.backbone.EmbedDim(),
		NumClasses:      m.config.NumClasses,
		TotalParams:     m.backbone.ParameterCount(),
	}
}
