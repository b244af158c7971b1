package lora

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/quiver/internal/logger"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// LinearLayer wraps a frozen dense base layer and composes adapter
// deltas around it. The base weight tensor is transplanted by
// reference from the layer it replaces.
type LinearLayer struct {
	layerState

	base        *nn.Linear
	fanInFanOut bool
	rng         *rand.Rand
}

func newLinearLayer(adapterName string, base *nn.Linear, cfg *Config, fanInFanOut bool, rng *rand.Rand) *LinearLayer {
	l := &LinearLayer{
		layerState:  newLayerState(),
		base:        base,
		fanInFanOut: fanInFanOut,
		rng:         rng,
	}
	base.Weight.RequiresGrad = false
	l.UpdateLayer(adapterName, cfg)
	l.active = adapterName
	return l
}

// Base exposes the wrapped dense layer.
func (l *LinearLayer) Base() *nn.Linear { return l.base }

// FanInFanOut reports the storage convention of the base weight.
func (l *LinearLayer) FanInFanOut() bool { return l.fanInFanOut }

// UpdateLayer attaches the named adapter. Re-attaching the baseline
// adapter only refreshes its hyperparameters.
func (l *LinearLayer) UpdateLayer(name string, cfg *Config) {
	if name == BaselineAdapter {
		if s, ok := l.adapters[BaselineAdapter]; ok {
			s.setHyper(cfg.R, cfg.Alpha)
			s.Dropout = cfg.Dropout
			return
		}
	}

	s := &AdapterState{Dropout: cfg.Dropout}
	s.setHyper(cfg.R, cfg.Alpha)

	if cfg.R > 0 {
		s.NewA = adapterParam(tensor.New("loranew_A", cfg.R, l.base.In))
		s.NewB = adapterParam(tensor.New("loranew_B", l.base.Out, cfg.R))
		if cfg.RSum > 0 {
			s.A = adapterParam(tensor.New("lora_A", cfg.RSum, l.base.In))
			s.B = adapterParam(tensor.New("lora_B", l.base.Out, cfg.RSum))
		}
		if cfg.InitWeights {
			l.resetParameters(s)
		}
	}

	l.adapters[name] = s
}

// resetParameters applies the stock init: accumulated pair to zero,
// new A Kaiming-uniform, new B zero.
func (l *LinearLayer) resetParameters(s *AdapterState) {
	if s.A != nil {
		s.A.Data.Zero()
		s.B.Data.Zero()
	}
	if s.NewA != nil {
		initKaimingUniform(s.NewA.Data, l.base.In, l.rng)
		s.NewB.Data.Zero()
	}
}

// delta computes the adapter's full-rank weight delta, oriented to
// match the stored base weight.
func (l *LinearLayer) delta(s *AdapterState) (*tensor.Tensor, error) {
	sum := tensor.New("delta", l.base.Out, l.base.In)
	for _, pair := range [][2]*nn.Parameter{{s.B, s.A}, {s.NewB, s.NewA}} {
		if pair[0] == nil {
			continue
		}
		d, err := tensor.MatMul(pair[0].Data, pair[1].Data)
		if err != nil {
			return nil, err
		}
		if err := sum.AddScaled(d, float32(s.Scaling)); err != nil {
			return nil, err
		}
	}
	if l.fanInFanOut {
		return sum.Transpose(), nil
	}
	return sum, nil
}

func (l *LinearLayer) Merge() {
	name := l.resolveActive()
	if s, ok := l.adapters[name]; !ok || !s.hasFactors() {
		logger.Log.Warn("active adapter has no factor pair, nothing to merge", "adapter", name)
		return
	}
	l.MergeNamed(name)
}

func (l *LinearLayer) Unmerge() {
	name := l.resolveActive()
	if s, ok := l.adapters[name]; !ok || !s.hasFactors() {
		logger.Log.Warn("active adapter has no factor pair, nothing to unmerge", "adapter", name)
		return
	}
	l.UnmergeNamed(name)
}

func (l *LinearLayer) MergeNamed(name string) {
	s, ok := l.adapters[name]
	if !ok || !s.hasFactors() {
		return
	}
	if l.merged {
		logger.Log.Warn("already merged, nothing to do", "adapter", name)
		metrics.MergeNoops.WithLabelValues("merge").Inc()
		return
	}
	d, err := l.delta(s)
	if err != nil {
		logger.Log.Error("merge delta failed", "adapter", name, "error", err)
		return
	}
	if err := l.base.Weight.Data.AddScaled(d, 1); err != nil {
		logger.Log.Error("merge failed", "adapter", name, "error", err)
		return
	}
	l.merged = true
	l.mergedName = name
	metrics.MergeOps.WithLabelValues("merge").Inc()
}

func (l *LinearLayer) UnmergeNamed(name string) {
	s, ok := l.adapters[name]
	if !ok || !s.hasFactors() {
		return
	}
	if !l.merged {
		logger.Log.Warn("already unmerged, nothing to do", "adapter", name)
		metrics.MergeNoops.WithLabelValues("unmerge").Inc()
		return
	}
	if l.mergedName != name {
		logger.Log.Warn("merged with a different adapter, skipping unmerge",
			"requested", name, "merged", l.mergedName)
		return
	}
	d, err := l.delta(s)
	if err != nil {
		logger.Log.Error("unmerge delta failed", "adapter", name, "error", err)
		return
	}
	if err := l.base.Weight.Data.AddScaled(d, -1); err != nil {
		logger.Log.Error("unmerge failed", "adapter", name, "error", err)
		return
	}
	l.merged = false
	l.mergedName = ""
	metrics.MergeOps.WithLabelValues("unmerge").Inc()
}

// Forward composes the base affine transform with the active adapter's
// low-rank path. Host tensors are float32 throughout, so the original
// cast-back-to-input-dtype step is a no-op here.
func (l *LinearLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var bias *tensor.Tensor
	if l.base.Bias != nil {
		bias = l.base.Bias.Data
	}

	name := l.resolveActive()
	s, ok := l.adapters[name]
	if !ok || !s.hasFactors() {
		return tensor.Affine(x, l.base.Weight.Data, bias, l.fanInFanOut)
	}

	if l.disabled {
		// Disabled inference must always see the unmodified base weight.
		if s.R > 0 && l.merged {
			l.Unmerge()
		}
		return tensor.Affine(x, l.base.Weight.Data, bias, l.fanInFanOut)
	}

	result, err := tensor.Affine(x, l.base.Weight.Data, bias, l.fanInFanOut)
	if err != nil {
		return nil, err
	}
	if s.R == 0 || l.merged {
		return result, nil
	}

	xd := applyDropout(x, s.Dropout, l.training, l.rng)
	for _, pair := range [][2]*nn.Parameter{{s.A, s.B}, {s.NewA, s.NewB}} {
		if pair[0] == nil {
			continue
		}
		h, err := tensor.Affine(xd, pair[0].Data, nil, false)
		if err != nil {
			return nil, fmt.Errorf("adapter %s down-projection: %w", name, err)
		}
		o, err := tensor.Affine(h, pair[1].Data, nil, false)
		if err != nil {
			return nil, fmt.Errorf("adapter %s up-projection: %w", name, err)
		}
		if err := result.AddScaled(o, float32(s.Scaling)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (l *LinearLayer) VisitParameters(prefix string, fn func(string, *nn.Parameter)) {
	l.base.VisitParameters(prefix, fn)
	l.visitAdapterParameters(prefix, fn)
}
