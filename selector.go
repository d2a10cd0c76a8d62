package main

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Spatial Threshold Patch Selection
// ===========================================================================
//
// Given importance scores for every patch, the obvious move is top-k. The
// problem with pure top-k on a line-density signal is speckle: isolated
// single patches scattered over the image win over coherent regions, and
// the transformer ends up with a bag of disconnected cells.
//
// This selector fixes that in two steps:
//
//  1. SPATIAL ADJUSTMENT. The raw score map is blurred with a separable
//     Gaussian over the patch grid and the blurred map is added back to
//     the raw scores. A patch surrounded by other high-scoring patches
//     gets boosted; a lone bright patch in dead space does not. The
//     kernel width is gaussianStd expressed as a fraction of the grid
//     side, so the default 0.25 means "reward structure at the scale of
//     a quarter of the image".
//
//  2. THRESHOLD THEN BACKFILL. Patches whose adjusted score clears the
//     threshold are taken first, highest adjusted score first. If fewer
//     than k clear it, the remainder is filled from the below-threshold
//     patches in the same ranked order. If more than k clear it, the
//     top k win. Ties always break toward the lower original index, so
//     selection is fully deterministic — including for an all-zero score
//     map, which degrades to plain index order.
//
// Exactly k patches come back for every batch element, every time. The
// transformer requires a fixed sequence length across the batch, so
// "roughly k" is not an option.
//
// Selected embeddings are returned in ascending original-index order
// (not rank order) with the positional embedding of their original grid
// position added, so position↔content correspondence is stable across
// calls regardless of how the ranking shuffled them.
//
// ===========================================================================

// SpatialThresholdSelector selects a fixed-size, spatially coherent subset
// of patch embeddings using importance scores.
type SpatialThresholdSelector struct {
	patchPercentage float64
	threshold       float64
	gaussianStd     float64
}

// NewSpatialThresholdSelector creates a selector.
//
// patchPercentage is the fraction of patches to keep, in (0, 1].
// threshold is the adjusted-score cutoff that biases selection toward
// important patches before coverage backfill. gaussianStd controls the
// spatial smoothing kernel, as a fraction of the patch-grid side; zero
// disables the spatial term.
func NewSpatialThresholdSelector(patchPercentage, threshold, gaussianStd float64) (*SpatialThresholdSelector, error) {
	if patchPercentage <= 0 || patchPercentage > 1 {
		return nil, configErrorf("patch_percentage", "must be in (0, 1], got %g", patchPercentage)
	}
	if gaussianStd < 0 {
		return nil, configErrorf("gaussian_std", "must be non-negative, got %g", gaussianStd)
	}
	return &SpatialThresholdSelector{
		patchPercentage: patchPercentage,
		threshold:       threshold,
		gaussianStd:     gaussianStd,
	}, nil
}

// NumSelected returns k for a grid of numPatches patches:
// max(1, round(numPatches * patchPercentage)). Never zero.
func (s *SpatialThresholdSelector) NumSelected(numPatches int) int {
	k := int(math.Round(float64(numPatches) * s.patchPercentage))
	if k < 1 {
		k = 1
	}
	if k > numPatches {
		k = numPatches
	}
	return k
}

// Select gathers the k most important patch embeddings per batch element
// and adds their positional embeddings.
//
//	allPatches:  (B, N, D) patch embeddings in row-major grid order
//	posEmbed:    (N+1, D) positional table, index 0 reserved for CLS
//	scores:      (B, N) importance scores from the scorer
//	lineDrawing: (B, 1, H, W) source drawing, for strategies that want
//	             finer spatial detail than the per-patch scores carry
//
// Returns a (B, k, D) tensor. Selected patches appear in ascending
// original-index order; each has posEmbed[index+1] added, looked up by the
// patch's original grid position, never its selection rank.
func (s *SpatialThresholdSelector) Select(allPatches, posEmbed, scores, lineDrawing *Tensor) (*Tensor, error) {
	pShape := allPatches.Shape()
	if len(pShape) != 3 {
		return nil, shapeErrorf("patch embeddings rank", "(B, N, D)", pShape)
	}
	batch, numPatches, embedDim := pShape[0], pShape[1], pShape[2]

	sShape := scores.Shape()
	if len(sShape) != 2 || sShape[1] != numPatches {
		return nil, shapeErrorf("score shape", []int{batch, numPatches}, sShape)
	}
	if sShape[0] != batch {
		return nil, shapeErrorf("score batch size", batch, sShape[0])
	}

	eShape := posEmbed.Shape()
	if len(eShape) != 2 || eShape[0] != numPatches+1 || eShape[1] != embedDim {
		return nil, shapeErrorf("positional table shape", []int{numPatches + 1, embedDim}, eShape)
	}

	if lineDrawing != nil {
		if lShape := lineDrawing.Shape(); len(lShape) != 4 || lShape[0] != batch {
			return nil, shapeErrorf("line drawing batch size", batch, lineDrawing.Shape())
		}
	}

	k := s.NumSelected(numPatches)
	out := NewTensor(batch, k, embedDim)

	indices := s.SelectIndices(scores)

	for b := 0; b < batch; b++ {
		patches := allPatches.Row(b) // (N, D)
		dst := out.Row(b)            // (k, D)

		for i, idx := range indices[b] {
			for d := 0; d < embedDim; d++ {
				// +1 skips the CLS slot in the positional table.
				dst.Set(patches.At(idx, d)+posEmbed.At(idx+1, d), i, d)
			}
		}
	}

	return out, nil
}

// SelectIndices applies the full two-tier policy to a (B, N) score tensor
// and returns, per batch element, exactly k original patch indices in
// ascending order. It never fails: degenerate scores fall back to index
// order.
func (s *SpatialThresholdSelector) SelectIndices(scores *Tensor) [][]int {
	shape := scores.Shape()
	batch, numPatches := shape[0], shape[1]
	k := s.NumSelected(numPatches)

	out := make([][]int, batch)
	for b := 0; b < batch; b++ {
		adjusted := s.AdjustedScores(scores.Row(b).Data())
		out[b] = selectTwoTier(adjusted, s.threshold, k)
	}
	return out
}

// AdjustedScores returns raw + gaussian-blurred scores for one image's
// flat score row. The input is treated as a square row-major grid; a
// non-square patch count or zero kernel width returns a copy of the raw
// scores unchanged.
func (s *SpatialThresholdSelector) AdjustedScores(raw []float64) []float64 {
	adjusted := make([]float64, len(raw))
	copy(adjusted, raw)

	side := int(math.Sqrt(float64(len(raw))))
	if side*side != len(raw) || s.gaussianStd == 0 {
		return adjusted
	}

	kernel := gaussianKernel(s.gaussianStd * float64(side))
	if len(kernel) <= 1 {
		return adjusted
	}

	smoothed := blurGrid(raw, side, kernel)
	floats.Add(adjusted, smoothed)
	return adjusted
}

// gaussianKernel builds a normalized 1D Gaussian kernel with the given
// sigma in grid units, truncated at 3 sigma.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}

	radius := int(math.Ceil(3 * sigma))
	dist := distuv.Normal{Mu: 0, Sigma: sigma}

	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		kernel[i] = dist.Prob(float64(i - radius))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// blurGrid applies a separable convolution to a flat side×side grid.
// Edges clamp: out-of-grid taps fold onto the nearest cell, so the
// kernel mass stays constant and border patches aren't penalized.
func blurGrid(grid []float64, side int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	tmp := make([]float64, len(grid))
	out := make([]float64, len(grid))

	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v >= side {
			return side - 1
		}
		return v
	}

	// Horizontal pass
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			sum := 0.0
			for t := -radius; t <= radius; t++ {
				sum += kernel[t+radius] * grid[y*side+clamp(x+t)]
			}
			tmp[y*side+x] = sum
		}
	}

	// Vertical pass
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			sum := 0.0
			for t := -radius; t <= radius; t++ {
				sum += kernel[t+radius] * tmp[clamp(y+t)*side+x]
			}
			out[y*side+x] = sum
		}
	}

	return out
}

// selectTwoTier picks exactly k indices from adjusted scores: patches
// above the threshold first (best adjusted score first), backfilled from
// the rest of the ranking when fewer than k clear it. Ties break toward
// the lower index. The result is sorted ascending.
func selectTwoTier(adjusted []float64, threshold float64, k int) []int {
	n := len(adjusted)

	ranked := make([]int, n)
	for i := range ranked {
		ranked[i] = i
	}
	// Stable sort on descending adjusted score; stability plus the
	// ascending initial order gives the lower-index-wins tie-break.
	sort.SliceStable(ranked, func(a, b int) bool {
		return adjusted[ranked[a]] > adjusted[ranked[b]]
	})

	selected := make([]int, 0, k)

	// Tier 1: above-threshold patches in rank order.
	for _, idx := range ranked {
		if len(selected) == k {
			break
		}
		if adjusted[idx] > threshold {
			selected = append(selected, idx)
		}
	}

	// Tier 2: backfill from the remaining ranking, threshold ignored.
	if len(selected) < k {
		for _, idx := range ranked {
			if len(selected) == k {
				break
			}
			if adjusted[idx] <= threshold {
				selected = append(selected, idx)
			}
		}
	}

	sort.Ints(selected)
	return selected
}
