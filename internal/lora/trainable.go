package lora

import (
	"fmt"

	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/nn"
)

// markOnlyAdaptersTrainable freezes every base-owned parameter, then
// unfreezes bias tensors per the policy. Ownership is read from the
// parameter tag, not from name matching.
func (e *Engine) markOnlyAdaptersTrainable(bias BiasMode) error {
	params := nn.NamedParameters(e.model)
	for _, np := range params {
		if np.Param.Owner != nn.OwnerAdapter {
			np.Param.RequiresGrad = false
		}
	}

	switch bias {
	case BiasNone:
	case BiasAll:
		for _, np := range params {
			if np.Param.IsBias {
				np.Param.RequiresGrad = true
			}
		}
	case BiasLoraOnly:
		for _, layer := range e.capable() {
			if b := baseBiasOf(layer); b != nil {
				b.RequiresGrad = true
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBiasPolicy, bias)
	}

	e.updateParamGauges()
	return nil
}

// baseBiasOf resolves the wrapped base layer's bias parameter, if any.
func baseBiasOf(layer CapableLayer) *nn.Parameter {
	switch t := layer.(type) {
	case *LinearLayer:
		return t.Base().Bias
	case *Int8Layer:
		return t.Base().Bias
	}
	return nil
}

func (e *Engine) updateParamGauges() {
	var trainable, frozen int64
	for _, np := range nn.NamedParameters(e.model) {
		n := int64(np.Param.Data.NumElements())
		if np.Param.RequiresGrad {
			trainable += n
		} else {
			frozen += n
		}
	}
	metrics.TrainableParams.Set(float64(trainable))
	metrics.FrozenParams.Set(float64(frozen))
}

// TrainableParameters reports the current trainable/frozen element
// counts, for operator logging.
func (e *Engine) TrainableParameters() (trainable, frozen int64) {
	for _, np := range nn.NamedParameters(e.model) {
		n := int64(np.Param.Data.NumElements())
		if np.Param.RequiresGrad {
			trainable += n
		} else {
			frozen += n
		}
	}
	return trainable, frozen
}
