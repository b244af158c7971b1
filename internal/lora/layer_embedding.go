package lora

import (
	"math/rand"

	"github.com/23skdu/quiver/internal/logger"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// EmbeddingLayer composes adapter deltas around a frozen embedding
// table. Factor shapes are transposed relative to the dense layer:
// A is [rank, num_embeddings], B is [dim, rank], and the merge delta
// is always transposed back onto the [num_embeddings, dim] table.
// The adapter path applies no dropout; that asymmetry with the dense
// layer is intentional.
type EmbeddingLayer struct {
	layerState

	base *nn.Embedding
	rng  *rand.Rand
}

func newEmbeddingLayer(adapterName string, base *nn.Embedding, cfg *Config, rng *rand.Rand) *EmbeddingLayer {
	e := &EmbeddingLayer{
		layerState: newLayerState(),
		base:       base,
		rng:        rng,
	}
	base.Weight.RequiresGrad = false
	e.UpdateLayer(adapterName, cfg)
	e.active = adapterName
	return e
}

// Base exposes the wrapped embedding layer.
func (e *EmbeddingLayer) Base() *nn.Embedding { return e.base }

func (e *EmbeddingLayer) UpdateLayer(name string, cfg *Config) {
	if _, ok := e.adapters[name]; ok {
		logger.Log.Warn("adapter already exists on embedding layer, skipping", "adapter", name)
		return
	}

	s := &AdapterState{Dropout: cfg.Dropout}
	s.setHyper(cfg.R, cfg.Alpha)

	if cfg.R > 0 {
		s.A = adapterParam(tensor.New("lora_embedding_A", cfg.R, e.base.NumEmbeddings))
		s.B = adapterParam(tensor.New("lora_embedding_B", e.base.Dim, cfg.R))
		if cfg.InitWeights {
			// A to zero, B to a normal draw: a fresh adapter leaves the
			// lookup result untouched.
			s.A.Data.Zero()
			initNormal(s.B.Data, e.rng)
		}
	}

	e.adapters[name] = s
}

// delta computes B @ A transposed onto the embedding table shape.
func (e *EmbeddingLayer) delta(s *AdapterState) (*tensor.Tensor, error) {
	d, err := tensor.MatMul(s.B.Data, s.A.Data)
	if err != nil {
		return nil, err
	}
	return d.Transpose(), nil
}

func (e *EmbeddingLayer) Merge() {
	name := e.resolveActive()
	if s, ok := e.adapters[name]; !ok || !s.hasFactors() {
		logger.Log.Warn("active adapter has no factor pair, nothing to merge", "adapter", name)
		return
	}
	e.MergeNamed(name)
}

func (e *EmbeddingLayer) Unmerge() {
	name := e.resolveActive()
	if s, ok := e.adapters[name]; !ok || !s.hasFactors() {
		logger.Log.Warn("active adapter has no factor pair, nothing to unmerge", "adapter", name)
		return
	}
	e.UnmergeNamed(name)
}

func (e *EmbeddingLayer) MergeNamed(name string) {
	s, ok := e.adapters[name]
	if !ok || !s.hasFactors() {
		return
	}
	if e.merged {
		logger.Log.Warn("already merged, nothing to do", "adapter", name)
		metrics.MergeNoops.WithLabelValues("merge").Inc()
		return
	}
	d, err := e.delta(s)
	if err != nil {
		logger.Log.Error("merge delta failed", "adapter", name, "error", err)
		return
	}
	if err := e.base.Weight.Data.AddScaled(d, float32(s.Scaling)); err != nil {
		logger.Log.Error("merge failed", "adapter", name, "error", err)
		return
	}
	e.merged = true
	e.mergedName = name
	metrics.MergeOps.WithLabelValues("merge").Inc()
}

func (e *EmbeddingLayer) UnmergeNamed(name string) {
	s, ok := e.adapters[name]
	if !ok || !s.hasFactors() {
		return
	}
	if !e.merged {
		logger.Log.Warn("already unmerged, nothing to do", "adapter", name)
		metrics.MergeNoops.WithLabelValues("unmerge").Inc()
		return
	}
	if e.mergedName != name {
		logger.Log.Warn("merged with a different adapter, skipping unmerge",
			"requested", name, "merged", e.mergedName)
		return
	}
	d, err := e.delta(s)
	if err != nil {
		logger.Log.Error("unmerge delta failed", "adapter", name, "error", err)
		return
	}
	if err := e.base.Weight.Data.AddScaled(d, float32(-s.Scaling)); err != nil {
		logger.Log.Error("unmerge failed", "adapter", name, "error", err)
		return
	}
	e.merged = false
	e.mergedName = ""
	metrics.MergeOps.WithLabelValues("unmerge").Inc()
}

// Forward is the base lookup plus, when enabled and unmerged, a second
// lookup through the transposed A factor projected up by B.
func (e *EmbeddingLayer) Forward(ids []int) (*tensor.Tensor, error) {
	name := e.resolveActive()
	s, ok := e.adapters[name]
	if !ok || !s.hasFactors() {
		return e.base.Forward(ids)
	}

	if e.disabled {
		if s.R > 0 && e.merged {
			e.Unmerge()
		}
		return e.base.Forward(ids)
	}

	result, err := e.base.Forward(ids)
	if err != nil {
		return nil, err
	}
	if s.R == 0 || e.merged {
		return result, nil
	}

	afterA, err := tensor.Lookup(s.A.Data.Transpose(), ids)
	if err != nil {
		return nil, err
	}
	// afterA: [tokens, r], B: [dim, r] -> contribution [tokens, dim].
	contrib, err := tensor.Affine(afterA, s.B.Data, nil, false)
	if err != nil {
		return nil, err
	}
	if err := result.AddScaled(contrib, float32(s.Scaling)); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *EmbeddingLayer) VisitParameters(prefix string, fn func(string, *nn.Parameter)) {
	e.base.VisitParameters(prefix, fn)
	e.visitAdapterParameters(prefix, fn)
}
