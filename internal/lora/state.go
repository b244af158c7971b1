package lora

import (
	"math"
	"math/rand"

	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// AdapterState holds one adapter's per-layer hyperparameters and
// factor pairs. The primary pair (A/B, rank RSum) carries previously
// accumulated adapters; the New pair (rank R) is the one currently
// being trained. Pairs are nil when their rank is zero.
//
// Dense layers store A as [rank, in] and B as [out, rank]. Embedding
// layers transpose the convention: A is [rank, num_embeddings] and B
// is [dim, rank].
type AdapterState struct {
	R       int
	Alpha   float64
	Scaling float64

	Dropout float64

	A, B       *nn.Parameter
	NewA, NewB *nn.Parameter
}

// setHyper updates rank and alpha, recomputing Scaling. Scaling must
// never go stale relative to R and Alpha.
func (s *AdapterState) setHyper(r int, alpha float64) {
	s.R = r
	s.Alpha = alpha
	if r > 0 {
		s.Scaling = alpha / float64(r)
	} else {
		s.Scaling = 0
	}
}

// hasFactors reports whether any factor pair exists.
func (s *AdapterState) hasFactors() bool {
	return s.A != nil || s.NewA != nil
}

// parameters returns the state's own parameters, primary pair first.
func (s *AdapterState) parameters() []*nn.Parameter {
	var out []*nn.Parameter
	for _, p := range []*nn.Parameter{s.A, s.B, s.NewA, s.NewB} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func adapterParam(t *tensor.Tensor) *nn.Parameter {
	return nn.NewParameter(t, nn.OwnerAdapter)
}

// applyDropout returns x with inverted dropout applied, or x itself
// when the rate is zero or the layer is not training.
func applyDropout(x *tensor.Tensor, p float64, training bool, rng *rand.Rand) *tensor.Tensor {
	if p <= 0 || !training {
		return x
	}
	out := x.Clone()
	scale := float32(1 / (1 - p))
	data := out.Data()
	for i := range data {
		if rng.Float64() < p {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return out
}

// initKaimingUniform fills t with U(-bound, bound) where bound follows
// the Kaiming a=sqrt(5) convention: gain*sqrt(3/fan_in) = 1/sqrt(fan_in).
func initKaimingUniform(t *tensor.Tensor, fanIn int, rng *rand.Rand) {
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * bound
	}
}

// initNormal fills t with standard normal draws.
func initNormal(t *tensor.Tensor, rng *rand.Rand) {
	data := t.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
}
