package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Vision Transformer Backbone
// ===========================================================================
//
// This file implements the transformer backbone the selective model runs
// on: a standard ViT encoder. Unlike a GPT-style decoder there is no
// causal mask — every patch attends to every other patch in both
// directions, and a learned CLS token prepended to the sequence carries
// the pooled representation the classifier head reads.
//
// The backbone is deliberately modeled as a capability interface plus one
// concrete implementation. The selective model performs "weight surgery"
// on a loaded backbone (swap the patch embedding, resize the positional
// table, replace the head) while keeping the encoder blocks' pretrained
// weights, so every sub-component the surgery touches is a settable field
// rather than something baked in at construction.
//
// Architecture (pre-norm, GELU MLP):
//
//	patches -> linear projection -> +pos embed -> [CLS; patches]
//	  -> N × { x = x + Attn(LN(x)); x = x + MLP(LN(x)) }
//	  -> LN -> head(x[CLS])
//
// ===========================================================================

// Backbone is the capability contract the selective model needs from a
// transformer: patch embedding, positional table, CLS token, encoder
// blocks, final norm, classification head, and a dropout hook that is
// identity at inference. Surgery happens through the Set* methods —
// explicit mutable composition, not subclassing.
type Backbone interface {
	// PatchEmbed maps a (B, C, H, W) image batch to (B, N, D) embeddings.
	PatchEmbed(images *Tensor) (*Tensor, error)

	// PosEmbed returns the (N+1, D) positional table; index 0 is the CLS
	// slot, indices 1..N correspond to row-major patch positions.
	PosEmbed() *Tensor

	// CLSToken returns the learned (D,) classification token.
	CLSToken() *Tensor

	// Blocks runs the encoder stack on a (B, L, D) sequence batch,
	// preserving sequence length.
	Blocks(x *Tensor) *Tensor

	// Norm applies the final layer normalization to (B, L, D).
	Norm(x *Tensor) *Tensor

	// Head maps pooled (B, D) features to (B, numClasses) logits.
	Head(x *Tensor) *Tensor

	// Dropout is the regularization hook applied to the assembled
	// sequence; identity unless the backbone is in training mode.
	Dropout(x *Tensor) *Tensor

	// EmbedDim returns D.
	EmbedDim() int

	// ParameterCount returns the total number of learned parameters.
	ParameterCount() int64

	SetPatchEmbed(pe *PatchEmbedding)
	SetPosEmbed(table *Tensor)
	SetHead(head *Linear)
	SetTraining(training bool)
}

// ---------------------------------------------------------------------------
// Layers
// ---------------------------------------------------------------------------

// Linear is a fully connected layer: y = x @ W + b.
type Linear struct {
	w *Tensor // (in, out)
	b *Tensor // (out,)
}

// NewLinear creates a linear layer with Xavier-scaled random weights.
func NewLinear(in, out int) *Linear {
	return &Linear{
		w: NewTensorNormal(math.Sqrt(2.0/float64(in)), in, out),
		b: NewTensor(out),
	}
}

// Forward applies the layer to a (rows, in) matrix, returning (rows, out).
func (l *Linear) Forward(x *Tensor) *Tensor {
	return addBias(MatMul(x, l.w), l.b)
}

// InDim returns the input feature size.
func (l *Linear) InDim() int { return l.w.Shape()[0] }

// OutDim returns the output feature size.
func (l *Linear) OutDim() int { return l.w.Shape()[1] }

func (l *Linear) paramCount() int64 {
	return int64(l.w.Size() + l.b.Size())
}

// PatchEmbedding projects non-overlapping patchSize×patchSize image cells
// into embedding vectors: (B, C, H, W) -> (B, N, D), N in row-major grid
// order. This is the learned equivalent of the scorer's fixed grid walk,
// so both stages agree on patch ordering by construction.
type PatchEmbedding struct {
	imgSize   int
	patchSize int
	inChans   int
	embedDim  int
	proj      *Linear // (C*patchSize*patchSize, embedDim)
}

// NewPatchEmbedding creates a patch embedding for square images of side
// imgSize, which must be divisible by patchSize.
func NewPatchEmbedding(imgSize, patchSize, inChans, embedDim int) (*PatchEmbedding, error) {
	if patchSize <= 0 || imgSize <= 0 {
		return nil, configErrorf("patch_embed", "image and patch sizes must be positive, got %d/%d", imgSize, patchSize)
	}
	if imgSize%patchSize != 0 {
		return nil, configErrorf("img_size", "(%d) must be divisible by patch_size (%d)", imgSize, patchSize)
	}
	return &PatchEmbedding{
		imgSize:   imgSize,
		patchSize: patchSize,
		inChans:   inChans,
		embedDim:  embedDim,
		proj:      NewLinear(inChans*patchSize*patchSize, embedDim),
	}, nil
}

// NumPatches returns the patch count of the configured grid.
func (pe *PatchEmbedding) NumPatches() int {
	side := pe.imgSize / pe.patchSize
	return side * side
}

// Forward embeds an image batch: (B, C, H, W) -> (B, N, D).
func (pe *PatchEmbedding) Forward(images *Tensor) (*Tensor, error) {
	shape := images.Shape()
	if len(shape) != 4 {
		return nil, shapeErrorf("image rank", "(B, C, H, W)", shape)
	}
	batch, chans, h, w := shape[0], shape[1], shape[2], shape[3]
	if chans != pe.inChans {
		return nil, shapeErrorf("image channels", pe.inChans, chans)
	}
	if h != pe.imgSize || w != pe.imgSize {
		return nil, shapeErrorf("image spatial dims", []int{pe.imgSize, pe.imgSize}, []int{h, w})
	}

	grid := pe.imgSize / pe.patchSize
	numPatches := grid * grid
	patchDim := pe.inChans * pe.patchSize * pe.patchSize

	out := NewTensor(batch, numPatches, pe.embedDim)

	forEachBatchRow(batch, globalComputeConfig, func(b int) {
		img := images.Row(b) // (C, H, W)

		// Unfold patches into a (N, C*p*p) matrix, then one matmul
		// projects the whole image.
		unfolded := NewTensor(numPatches, patchDim)
		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				n := gy*grid + gx
				col := 0
				for c := 0; c < chans; c++ {
					for py := 0; py < pe.patchSize; py++ {
						for px := 0; px < pe.patchSize; px++ {
							unfolded.Set(img.At(c, gy*pe.patchSize+py, gx*pe.patchSize+px), n, col)
							col++
						}
					}
				}
			}
		}

		out.SetRow(b, pe.proj.Forward(unfolded))
	})

	return out, nil
}

// LayerNorm implements layer normalization: y = γ (x-μ)/σ + β, computed
// per sequence position.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer normalization layer (identity-initialized).
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.Data() {
		gamma.Data()[i] = 1.0
	}
	return &LayerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: gamma,
		beta:  NewTensor(dim),
	}
}

// Forward applies layer normalization to a (seqLen, features) matrix.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 2 {
		panic("vit: LayerNorm input must be 2D")
	}

	seqLen, features := shape[0], shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.At(j)+ln.beta.At(j), i, j)
		}
	}

	return out
}

// SelfAttention implements bidirectional multi-head self-attention.
// No causal mask: every patch sees every other patch, which is what
// distinguishes an encoder from a GPT-style decoder.
type SelfAttention struct {
	embedDim int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor // (embedDim, embedDim)
}

// NewSelfAttention creates an attention layer.
func NewSelfAttention(embedDim, numHeads int) *SelfAttention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("vit: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	scale := math.Sqrt(2.0 / float64(embedDim))
	init := func() *Tensor {
		return NewTensorNormal(scale, embedDim, embedDim)
	}

	return &SelfAttention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       init(),
		wk:       init(),
		wv:       init(),
		wo:       init(),
	}
}

// Forward computes attention for a (seqLen, embedDim) sequence.
func (a *SelfAttention) Forward(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 2 {
		panic("vit: attention input must be 2D (seqLen, embedDim)")
	}
	seqLen := shape[0]

	q := MatMul(x, a.wq)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	concat := NewTensor(seqLen, a.embedDim)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qh := colSlice(q, h*a.headDim, (h+1)*a.headDim)
		kh := colSlice(k, h*a.headDim, (h+1)*a.headDim)
		vh := colSlice(v, h*a.headDim, (h+1)*a.headDim)

		scores := Scale(MatMul(qh, Transpose(kh)), scale) // (seqLen, seqLen)
		weights := Softmax(scores)
		headOut := MatMul(weights, vh) // (seqLen, headDim)

		for i := 0; i < seqLen; i++ {
			for j := 0; j < a.headDim; j++ {
				concat.Set(headOut.At(i, j), i, h*a.headDim+j)
			}
		}
	}

	return MatMul(concat, a.wo)
}

// colSlice copies columns [start, end) of a 2D tensor into a new tensor.
func colSlice(t *Tensor, start, end int) *Tensor {
	shape := t.Shape()
	rows := shape[0]
	out := NewTensor(rows, end-start)
	for i := 0; i < rows; i++ {
		for j := start; j < end; j++ {
			out.Set(t.At(i, j), i, j-start)
		}
	}
	return out
}

// MLP is the position-wise feed-forward network: fc2(GELU(fc1(x))).
// The hidden dimension is typically 4× the embedding dimension and holds
// most of the block's parameters.
type MLP struct {
	fc1 *Linear
	fc2 *Linear
}

// NewMLP creates a feed-forward layer.
func NewMLP(embedDim, hiddenDim int) *MLP {
	return &MLP{
		fc1: NewLinear(embedDim, hiddenDim),
		fc2: NewLinear(hiddenDim, embedDim),
	}
}

// Forward applies the MLP to a (seqLen, embedDim) matrix.
func (m *MLP) Forward(x *Tensor) *Tensor {
	return m.fc2.Forward(GELU(m.fc1.Forward(x)))
}

// EncoderBlock is one pre-norm transformer block:
//
//	x = x + Attention(LayerNorm(x))
//	x = x + MLP(LayerNorm(x))
type EncoderBlock struct {
	attn *SelfAttention
	ln1  *LayerNorm
	mlp  *MLP
	ln2  *LayerNorm
}

// NewEncoderBlock creates an encoder block.
func NewEncoderBlock(embedDim, numHeads, mlpHidden int) *EncoderBlock {
	return &EncoderBlock{
		attn: NewSelfAttention(embedDim, numHeads),
		ln1:  NewLayerNorm(embedDim),
		mlp:  NewMLP(embedDim, mlpHidden),
		ln2:  NewLayerNorm(embedDim),
	}
}

// Forward applies the block to a (seqLen, embedDim) sequence.
func (eb *EncoderBlock) Forward(x *Tensor) *Tensor {
	x = Add(x, eb.attn.Forward(eb.ln1.Forward(x)))
	x = Add(x, eb.mlp.Forward(eb.ln2.Forward(x)))
	return x
}

// ---------------------------------------------------------------------------
// ViT
// ---------------------------------------------------------------------------

// ViTConfig holds backbone hyperparameters.
type ViTConfig struct {
	ImgSize    int     // Input image side length (square images)
	PatchSize  int     // Patch side length
	InChans    int     // Input channels (3 for the magno image)
	NumClasses int     // Classifier output size
	EmbedDim   int     // Embedding dimension (d_model)
	Depth      int     // Number of encoder blocks
	NumHeads   int     // Attention heads per block
	MLPRatio   float64 // MLP hidden size as a multiple of EmbedDim
	Dropout    float64 // Dropout probability on the assembled sequence
}

// DefaultViTConfig returns a ViT-Tiny-shaped configuration for 64×64
// inputs, small enough to run forward passes in tests.
func DefaultViTConfig() ViTConfig {
	return ViTConfig{
		ImgSize:    64,
		PatchSize:  4,
		InChans:    3,
		NumClasses: 10,
		EmbedDim:   192,
		Depth:      12,
		NumHeads:   3,
		MLPRatio:   4.0,
		Dropout:    0.1,
	}
}

// ViT is the concrete Backbone implementation.
type ViT struct {
	config ViTConfig

	patchEmbed *PatchEmbedding
	posEmbed   *Tensor // (numPatches+1, embedDim), index 0 = CLS slot
	clsToken   *Tensor // (embedDim,)
	blocks     []*EncoderBlock
	finalNorm  *LayerNorm
	head       *Linear

	training bool
}

// NewViT creates a randomly initialized ViT.
func NewViT(config ViTConfig) (*ViT, error) {
	if config.EmbedDim <= 0 || config.Depth <= 0 || config.NumHeads <= 0 {
		return nil, configErrorf("vit", "embed_dim/depth/num_heads must be positive, got %d/%d/%d",
			config.EmbedDim, config.Depth, config.NumHeads)
	}
	if config.EmbedDim%config.NumHeads != 0 {
		return nil, configErrorf("num_heads", "embed_dim (%d) must be divisible by num_heads (%d)",
			config.EmbedDim, config.NumHeads)
	}
	if config.MLPRatio <= 0 {
		config.MLPRatio = 4.0
	}
	if config.InChans <= 0 {
		config.InChans = 3
	}

	patchEmbed, err := NewPatchEmbedding(config.ImgSize, config.PatchSize, config.InChans, config.EmbedDim)
	if err != nil {
		return nil, err
	}

	numPatches := patchEmbed.NumPatches()
	mlpHidden := int(float64(config.EmbedDim) * config.MLPRatio)

	blocks := make([]*EncoderBlock, config.Depth)
	for i := range blocks {
		blocks[i] = NewEncoderBlock(config.EmbedDim, config.NumHeads, mlpHidden)
	}

	return &ViT{
		config:     config,
		patchEmbed: patchEmbed,
		posEmbed:   NewTensorTruncNormal(0.02, numPatches+1, config.EmbedDim),
		clsToken:   NewTensorTruncNormal(0.02, config.EmbedDim),
		blocks:     blocks,
		finalNorm:  NewLayerNorm(config.EmbedDim),
		head:       NewLinear(config.EmbedDim, config.NumClasses),
	}, nil
}

// Config returns the backbone configuration.
func (v *ViT) Config() ViTConfig { return v.config }

// PatchEmbed implements Backbone.
func (v *ViT) PatchEmbed(images *Tensor) (*Tensor, error) {
	return v.patchEmbed.Forward(images)
}

// PosEmbed implements Backbone.
func (v *ViT) PosEmbed() *Tensor { return v.posEmbed }

// CLSToken implements Backbone.
func (v *ViT) CLSToken() *Tensor { return v.clsToken }

// Blocks runs the encoder stack over a (B, L, D) batch. Batch elements
// are independent; rows run in parallel under the compute configuration.
func (v *ViT) Blocks(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 3 {
		panic("vit: Blocks input must be (B, L, D)")
	}

	out := NewTensor(shape...)
	forEachBatchRow(shape[0], globalComputeConfig, func(b int) {
		seq := x.Row(b).Clone()
		for _, block := range v.blocks {
			seq = block.Forward(seq)
		}
		out.SetRow(b, seq)
	})
	return out
}

// Norm applies the final layer norm over a (B, L, D) batch.
func (v *ViT) Norm(x *Tensor) *Tensor {
	shape := x.Shape()
	if len(shape) != 3 {
		panic("vit: Norm input must be (B, L, D)")
	}

	out := NewTensor(shape...)
	forEachBatchRow(shape[0], globalComputeConfig, func(b int) {
		out.SetRow(b, v.finalNorm.Forward(x.Row(b)))
	})
	return out
}

// Head maps pooled (B, D) features to logits.
func (v *ViT) Head(x *Tensor) *Tensor {
	return v.head.Forward(x)
}

// Dropout applies inverted dropout to a (B, L, D) sequence in training
// mode, identity otherwise. Inference stays deterministic.
func (v *ViT) Dropout(x *Tensor) *Tensor {
	if !v.training || v.config.Dropout <= 0 {
		return x
	}

	keep := 1.0 - v.config.Dropout
	out := x.Clone()
	for i, val := range out.Data() {
		if rand.Float64() < v.config.Dropout {
			out.Data()[i] = 0
		} else {
			out.Data()[i] = val / keep
		}
	}
	return out
}

// EmbedDim implements Backbone.
func (v *ViT) EmbedDim() int { return v.config.EmbedDim }

// NumPatches returns the configured patch count.
func (v *ViT) NumPatches() int { return v.patchEmbed.NumPatches() }

// ParameterCount implements Backbone.
func (v *ViT) ParameterCount() int64 {
	total := v.patchEmbed.proj.paramCount()
	total += int64(v.posEmbed.Size() + v.clsToken.Size())
	for _, b := range v.blocks {
		total += int64(b.attn.wq.Size() + b.attn.wk.Size() + b.attn.wv.Size() + b.attn.wo.Size())
		total += int64(b.ln1.gamma.Size() + b.ln1.beta.Size())
		total += b.mlp.fc1.paramCount() + b.mlp.fc2.paramCount()
		total += int64(b.ln2.gamma.Size() + b.ln2.beta.Size())
	}
	total += int64(v.finalNorm.gamma.Size() + v.finalNorm.beta.Size())
	total += v.head.paramCount()
	return total
}

// SetPatchEmbed replaces the patch embedding (backbone surgery).
func (v *ViT) SetPatchEmbed(pe *PatchEmbedding) {
	v.patchEmbed = pe
	v.config.ImgSize = pe.imgSize
	v.config.PatchSize = pe.patchSize
	v.config.InChans = pe.inChans
}

// SetPosEmbed replaces the positional table (backbone surgery).
func (v *ViT) SetPosEmbed(table *Tensor) {
	v.posEmbed = table
}

// SetHead replaces the classification head (backbone surgery).
func (v *ViT) SetHead(head *Linear) {
	v.head = head
	v.config.NumClasses = head.OutDim()
}

// SetTraining toggles training mode (enables dropout).
func (v *ViT) SetTraining(training bool) {
	v.training = training
}

// ---------------------------------------------------------------------------
// Checkpointing
// ---------------------------------------------------------------------------
//
// Format: 4-byte little-endian header length, JSON-encoded ViTConfig,
// then raw float64 tensor dumps in a fixed traversal order. Simple, and
// round-trips exactly.

// Save writes the backbone weights to a file.
func (v *ViT) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer f.Close()

	configJSON, err := json.Marshal(v.config)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(configJSON))); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := f.Write(configJSON); err != nil {
		return errors.Wrap(err, "write config")
	}

	for i, t := range v.tensors() {
		if err := binary.Write(f, binary.LittleEndian, t.Data()); err != nil {
			return errors.Wrapf(err, "write tensor %d", i)
		}
	}

	return nil
}

// LoadViT reads a backbone checkpoint written by Save.
func LoadViT(filename string) (*ViT, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "read header length")
	}

	configJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, configJSON); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var config ViTConfig
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	model, err := NewViT(config)
	if err != nil {
		return nil, err
	}

	for i, t := range model.tensors() {
		if err := binary.Read(f, binary.LittleEndian, t.Data()); err != nil {
			return nil, errors.Wrapf(err, "read tensor %d", i)
		}
	}

	return model, nil
}

// tensors returns every learned tensor in checkpoint traversal order.
// Save and LoadViT both iterate this list, so the order is the format.
func (v *ViT) tensors() []*Tensor {
	ts := []*Tensor{
		v.patchEmbed.proj.w, v.patchEmbed.proj.b,
		v.posEmbed, v.clsToken,
	}
	for _, b := range v.blocks {
		ts = append(ts,
			b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo,
			b.ln1.gamma, b.ln1.beta,
			b.mlp.fc1.w, b.mlp.fc1.b,
			b.mlp.fc2.w, b.mlp.fc2.b,
			b.ln2.gamma, b.ln2.beta,
		)
	}
	ts = append(ts, v.finalNorm.gamma, v.finalNorm.beta, v.head.w, v.head.b)
	return ts
}
