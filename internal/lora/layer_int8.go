package lora

import (
	"math/rand"

	"github.com/23skdu/quiver/internal/logger"
	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// Int8Layer wraps a quantized dense base layer. The quantization
// bookkeeping travels verbatim from the replaced layer; merge and
// unmerge are undefined on quantized storage and warn instead of
// mutating anything.
type Int8Layer struct {
	layerState

	base *nn.QuantizedLinear
	rng  *rand.Rand
}

func newInt8Layer(adapterName string, base *nn.QuantizedLinear, cfg *Config, rng *rand.Rand) *Int8Layer {
	l := &Int8Layer{
		layerState: newLayerState(),
		base:       base,
		rng:        rng,
	}
	base.Weight.RequiresGrad = false
	l.UpdateLayer(adapterName, cfg)
	l.active = adapterName
	return l
}

// Base exposes the wrapped quantized layer, bookkeeping included.
func (l *Int8Layer) Base() *nn.QuantizedLinear { return l.base }

func (l *Int8Layer) UpdateLayer(name string, cfg *Config) {
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
			if s.A != nil {
				s.A.Data.Zero()
				s.B.Data.Zero()
			}
			initKaimingUniform(s.NewA.Data, l.base.In, l.rng)
			s.NewB.Data.Zero()
		}
	}
	l.adapters[name] = s
}

func (l *Int8Layer) Merge()   { l.MergeNamed(l.resolveActive()) }
func (l *Int8Layer) Unmerge() { l.UnmergeNamed(l.resolveActive()) }

func (l *Int8Layer) MergeNamed(name string) {
	logger.Log.Warn("merge is undefined on quantized base weights, skipping", "adapter", name)
}
func (l *Int8Layer) UnmergeNamed(name string) {
	logger.Log.Warn("unmerge is undefined on quantized base weights, skipping", "adapter", name)
}

// Forward runs the opaque quantized transform plus the adapter path.
func (l *Int8Layer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	result, err := l.base.Forward(x)
	if err != nil {
		return nil, err
	}

	name := l.resolveActive()
	s, ok := l.adapters[name]
	if !ok || !s.hasFactors() || l.disabled || s.R == 0 {
		return result, nil
	}

	xd := applyDropout(x, s.Dropout, l.training, l.rng)
	for _, pair := range [][2]*nn.Parameter{{s.A, s.B}, {s.NewA, s.NewB}} {
		if pair[0] == nil {
			continue
		}
		h, err := tensor.Affine(xd, pair[0].Data, nil, false)
		if err != nil {
			return nil, err
		}
		o, err := tensor.Affine(h, pair[1].Data, nil, false)
		if err != nil {
			return nil, err
		}
		if err := result.AddScaled(o, float32(s.Scaling)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (l *Int8Layer) VisitParameters(prefix string, fn func(string, *nn.Parameter)) {
	l.base.VisitParameters(prefix, fn)
	l.visitAdapterParameters(prefix, fn)
}
