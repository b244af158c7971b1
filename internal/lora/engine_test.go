package lora

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// attnModel builds a small decoder-shaped tree:
// embed_tokens, layers.N.self_attn.{q,v}_proj, lm_head.
func attnModel(t *testing.T, family string, numLayers, dim int) *nn.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(23))
	model := nn.NewModel(family)

	embed := nn.NewEmbedding(32, dim)
	fillRand(embed.Weight.Data, rng)
	model.Add("embed_tokens", embed)

	layers := nn.NewContainer()
	for i := 0; i < numLayers; i++ {
		attn := nn.NewContainer()
		for _, name := range []string{"q_proj", "v_proj"} {
			lin := nn.NewLinear(dim, dim, true)
			fillRand(lin.Weight.Data, rng)
			fillRand(lin.Bias.Data, rng)
			attn.Add(name, lin)
		}
		layers.Add(strconv.Itoa(i), nn.NewContainer().Add("self_attn", attn))
	}
	model.Add("layers", layers)

	head := nn.NewLinear(dim, 32, false)
	fillRand(head.Weight.Data, rng)
	model.Add("lm_head", head)
	return model
}

func linearLayersOf(model *nn.Model) []*LinearLayer {
	var out []*LinearLayer
	for _, nm := range nn.NamedModules(model) {
		if l, ok := nm.Module.(*LinearLayer); ok {
			out = append(out, l)
		}
	}
	return out
}

func randomizeAdapter(t *testing.T, model *nn.Model, name string, rng *rand.Rand) {
	t.Helper()
	for _, layer := range linearLayersOf(model) {
		s, ok := layer.State(name)
		if !ok {
			t.Fatalf("layer missing adapter %s", name)
		}
		randomizeFactors(t, s, rng)
	}
}

func TestInjectionCompleteness(t *testing.T) {
	model := attnModel(t, "llama", 3, 8)
	cfg := &Config{R: 4, Alpha: 4, RSum: 4, Bias: BiasNone, InitWeights: true}

	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// llama defaults target q_proj and v_proj, two per block.
	if got := len(linearLayersOf(eng.Model())); got != 6 {
		t.Errorf("injected layers: got %d, want 6", got)
	}

	_, head, _, err := nn.Submodule(eng.Model(), "lm_head")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	if _, ok := head.(*nn.Linear); !ok {
		t.Errorf("lm_head should stay untouched, got %T", head)
	}
	_, embed, _, err := nn.Submodule(eng.Model(), "embed_tokens")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	if _, ok := embed.(*nn.Embedding); !ok {
		t.Errorf("embed_tokens should stay untouched, got %T", embed)
	}
}

func TestTargetPattern(t *testing.T) {
	model := attnModel(t, "llama", 2, 8)
	cfg := &Config{
		R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true,
		TargetPattern: `.*\.self_attn\.q_proj`,
	}

	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := len(linearLayersOf(eng.Model())); got != 2 {
		t.Errorf("pattern should match q_proj only: got %d layers, want 2", got)
	}
}

func TestUnresolvedTargets(t *testing.T) {
	model := attnModel(t, "frobnicator", 1, 4)
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}

	if _, err := New(model, "a", cfg); !errors.Is(err, ErrUnresolvedTargets) {
		t.Errorf("unknown family: got %v, want ErrUnresolvedTargets", err)
	}
}

func TestNoTargetsMatched(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	cfg := &Config{
		R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true,
		TargetModules: []string{"nonexistent_proj"},
	}

	if _, err := New(model, "a", cfg); !errors.Is(err, ErrNoTargetsMatched) {
		t.Errorf("got %v, want ErrNoTargetsMatched", err)
	}
}

func TestAddAdapterMissingConfig(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	eng, err := New(model, "a", &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.AddAdapter("b", nil); !errors.Is(err, ErrMissingConfig) {
		t.Errorf("got %v, want ErrMissingConfig", err)
	}
}

func TestAddAdapterDuplicateNoop(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.AddAdapter("a", cfg); err != nil {
		t.Errorf("duplicate registration should warn and no-op, got %v", err)
	}
	if got := eng.AdapterNames(); len(got) != 1 {
		t.Errorf("adapter names after duplicate: %v", got)
	}
}

func TestBiasConflict(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	eng, err := New(model, "a", &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = eng.AddAdapter("b", &Config{R: 2, Alpha: 2, Bias: BiasAll, InitWeights: true})
	if !errors.Is(err, ErrBiasConflict) {
		t.Errorf("got %v, want ErrBiasConflict", err)
	}
}

func TestInvalidBiasPolicy(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasMode("weird"), InitWeights: true}
	if _, err := New(model, "a", cfg); !errors.Is(err, ErrInvalidBiasPolicy) {
		t.Errorf("got %v, want ErrInvalidBiasPolicy", err)
	}
}

func TestTrainabilityPartition(t *testing.T) {
	model := attnModel(t, "llama", 2, 6)
	eng, err := New(model, "a", &Config{R: 2, Alpha: 2, RSum: 2, Bias: BiasNone, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, np := range nn.NamedParameters(eng.Model()) {
		switch np.Param.Owner {
		case nn.OwnerBase:
			if np.Param.RequiresGrad {
				t.Errorf("base parameter %s still trainable", np.Name)
			}
		case nn.OwnerAdapter:
			if !np.Param.RequiresGrad {
				t.Errorf("adapter parameter %s frozen", np.Name)
			}
		}
	}

	trainable, frozen := eng.TrainableParameters()
	if trainable == 0 || frozen == 0 {
		t.Errorf("partition degenerate: trainable=%d frozen=%d", trainable, frozen)
	}
}

func TestBiasAllKeepsBiasesTrainable(t *testing.T) {
	model := attnModel(t, "llama", 1, 6)
	eng, err := New(model, "a", &Config{R: 2, Alpha: 2, Bias: BiasAll, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, np := range nn.NamedParameters(eng.Model()) {
		if np.Param.IsBias && !np.Param.RequiresGrad {
			t.Errorf("bias %s frozen under policy all", np.Name)
		}
	}
}

func TestInferenceModeFreezesAdapter(t *testing.T) {
	model := attnModel(t, "llama", 1, 6)
	cfg := &Config{R: 2, Alpha: 2, RSum: 2, Bias: BiasNone, InitWeights: true, InferenceMode: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, np := range nn.NamedParameters(eng.Model()) {
		if np.Param.Owner == nn.OwnerAdapter && np.Param.RequiresGrad {
			t.Errorf("adapter parameter %s trainable in inference mode", np.Name)
		}
	}
}

func TestMergeUnmergeBroadcastRoundTrip(t *testing.T) {
	model := attnModel(t, "llama", 2, 8)
	cfg := &Config{R: 4, Alpha: 8, RSum: 4, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rng := rand.New(rand.NewSource(31))
	randomizeAdapter(t, eng.Model(), "a", rng)

	layers := linearLayersOf(eng.Model())
	before := make([]*tensor.Tensor, len(layers))
	for i, l := range layers {
		before[i] = l.Base().Weight.Data.Clone()
	}

	eng.MergeAdapter("")
	for i, l := range layers {
		if !l.Merged() {
			t.Fatalf("layer %d not merged", i)
		}
		if d := tensor.MaxAbsDiff(l.Base().Weight.Data, before[i]); d == 0 {
			t.Fatalf("layer %d weight unchanged after merge", i)
		}
	}

	eng.UnmergeAdapter("")
	for i, l := range layers {
		if l.Merged() {
			t.Fatalf("layer %d still merged", i)
		}
		if d := tensor.MaxAbsDiff(l.Base().Weight.Data, before[i]); d > 1e-5 {
			t.Errorf("layer %d round-trip drift %g", i, d)
		}
	}
}

func TestSetAdapterUnmergesFirst(t *testing.T) {
	model := attnModel(t, "llama", 1, 8)
	cfg := &Config{R: 2, Alpha: 2, RSum: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.AddAdapter("b", cfg.clone()); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	rng := rand.New(rand.NewSource(37))
	randomizeAdapter(t, eng.Model(), "a", rng)

	eng.MergeAdapter("a")
	eng.SetAdapter("b")
	for i, l := range linearLayersOf(eng.Model()) {
		if l.Merged() {
			t.Errorf("layer %d still merged after adapter switch", i)
		}
		if l.Active() != "b" {
			t.Errorf("layer %d active adapter %q, want b", i, l.Active())
		}
	}
}

func TestDisableEnableAdapterLayers(t *testing.T) {
	model := attnModel(t, "llama", 1, 8)
	cfg := &Config{R: 4, Alpha: 8, RSum: 4, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rng := rand.New(rand.NewSource(41))
	randomizeAdapter(t, eng.Model(), "a", rng)

	layer := linearLayersOf(eng.Model())[0]
	x := tensor.New("x", 1, 8)
	fillRand(x, rng)

	plain, err := layer.Base().Forward(x)
	if err != nil {
		t.Fatalf("base Forward: %v", err)
	}

	eng.DisableAdapterLayers()
	got, err := layer.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, plain); d != 0 {
		t.Errorf("disabled forward differs from plain by %g", d)
	}

	eng.EnableAdapterLayers()
	got, err = layer.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, plain); d == 0 {
		t.Error("re-enabled forward identical to plain, adapter path inactive")
	}
}

func TestMergeAndUnload(t *testing.T) {
	model := attnModel(t, "llama", 2, 8)
	cfg := &Config{R: 4, Alpha: 8, RSum: 4, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rng := rand.New(rand.NewSource(43))
	randomizeAdapter(t, eng.Model(), "a", rng)

	x := tensor.New("x", 2, 8)
	fillRand(x, rng)
	layer := linearLayersOf(eng.Model())[0]
	composed, err := layer.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	unloaded, err := eng.MergeAndUnload()
	if err != nil {
		t.Fatalf("MergeAndUnload: %v", err)
	}
	if got := len(linearLayersOf(unloaded)); got != 0 {
		t.Fatalf("%d adapter layers survive unload", got)
	}

	_, q, _, err := nn.Submodule(unloaded, "layers.0.self_attn.q_proj")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	plain, ok := q.(*nn.Linear)
	if !ok {
		t.Fatalf("q_proj after unload is %T", q)
	}
	got, err := plain.Forward(x)
	if err != nil {
		t.Fatalf("plain Forward: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, composed); d > 1e-4 {
		t.Errorf("unloaded forward differs from adapted forward by %g", d)
	}
}

func TestMergeAndUnloadUnsupportedFamily(t *testing.T) {
	model := nn.NewModel("gpt2")
	model.Add("h", nn.NewContainer().Add("0", nn.NewContainer().Add("c_attn", nn.NewLinear(8, 8, true))))
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.MergeAndUnload(); !errors.Is(err, ErrUnsupportedMerge) {
		t.Errorf("got %v, want ErrUnsupportedMerge", err)
	}
}

func TestMergeAndUnloadQuantized(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	model.LoadedIn8Bit = true
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.MergeAndUnload(); !errors.Is(err, ErrQuantizedMerge) {
		t.Errorf("got %v, want ErrQuantizedMerge", err)
	}
}

func TestInt8InjectionKeepsState(t *testing.T) {
	model := nn.NewModel("llama")
	state := nn.Int8State{HasFP16Weights: true, Threshold: 6.0, Index: 3}
	attn := nn.NewContainer()
	attn.Add("q_proj", nn.NewQuantizedLinear(8, 8, true, state))
	attn.Add("v_proj", nn.NewQuantizedLinear(8, 8, true, state))
	model.Add("self_attn", attn)

	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, q, _, err := nn.Submodule(eng.Model(), "self_attn.q_proj")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	layer, ok := q.(*Int8Layer)
	if !ok {
		t.Fatalf("q_proj is %T, want *Int8Layer", q)
	}
	if layer.Base().State != state {
		t.Errorf("quantization state not carried over: %+v", layer.Base().State)
	}

	// Merge on quantized storage warns and leaves the weight alone.
	before := layer.Base().Weight.Data.Clone()
	layer.MergeNamed("a")
	if d := tensor.MaxAbsDiff(layer.Base().Weight.Data, before); d != 0 {
		t.Error("merge mutated quantized weight")
	}
}

func TestAddWeightedAdapterRankMismatch(t *testing.T) {
	model := attnModel(t, "llama", 1, 8)
	eng, err := New(model, "a", &Config{R: 4, Alpha: 4, RSum: 4, Bias: BiasNone, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.AddAdapter("b", &Config{R: 2, Alpha: 2, RSum: 2, Bias: BiasNone, InitWeights: true}); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	err = eng.AddWeightedAdapter([]string{"a", "b"}, []float64{0.5, 0.5}, "mix")
	if !errors.Is(err, ErrRankMismatch) {
		t.Fatalf("got %v, want ErrRankMismatch", err)
	}
	if _, ok := eng.Config("mix"); ok {
		t.Error("failed combination must not register the target adapter")
	}
}

func TestAddWeightedAdapter(t *testing.T) {
	model := attnModel(t, "llama", 3, 8)
	// Different alphas give the sources different scalings: a scales by
	// 2, b by 1.
	eng, err := New(model, "a", &Config{R: 4, Alpha: 8, RSum: 4, Bias: BiasNone, InitWeights: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.AddAdapter("b", &Config{R: 4, Alpha: 4, RSum: 4, Bias: BiasNone, InitWeights: true}); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}

	rng := rand.New(rand.NewSource(47))
	randomizeAdapter(t, eng.Model(), "a", rng)
	randomizeAdapter(t, eng.Model(), "b", rng)

	weights := []float64{0.5, 0.25}
	if err := eng.AddWeightedAdapter([]string{"a", "b"}, weights, "mix"); err != nil {
		t.Fatalf("AddWeightedAdapter: %v", err)
	}

	mixCfg, ok := eng.Config("mix")
	if !ok {
		t.Fatal("combined adapter not registered")
	}
	if got := mixCfg.Scaling(); got != 1 {
		t.Errorf("combined scaling: got %f, want 1", got)
	}

	for i, layer := range linearLayersOf(eng.Model()) {
		sa, _ := layer.State("a")
		sb, _ := layer.State("b")
		mix, ok := layer.State("mix")
		if !ok || mix.A == nil {
			t.Fatalf("layer %d missing combined factors", i)
		}

		wantA := mix.A.Data.Clone()
		wantA.Zero()
		if err := wantA.AddScaled(sa.A.Data, float32(weights[0]*sa.Scaling)); err != nil {
			t.Fatal(err)
		}
		if err := wantA.AddScaled(sb.A.Data, float32(weights[1]*sb.Scaling)); err != nil {
			t.Fatal(err)
		}
		if d := tensor.MaxAbsDiff(mix.A.Data, wantA); d > 1e-6 {
			t.Errorf("layer %d combined A off by %g", i, d)
		}

		wantB := mix.B.Data.Clone()
		wantB.Zero()
		if err := wantB.AddScaled(sa.B.Data, float32(weights[0])); err != nil {
			t.Fatal(err)
		}
		if err := wantB.AddScaled(sb.B.Data, float32(weights[1])); err != nil {
			t.Fatal(err)
		}
		if d := tensor.MaxAbsDiff(mix.B.Data, wantB); d > 1e-6 {
			t.Errorf("layer %d combined B off by %g", i, d)
		}

		for _, p := range mix.parameters() {
			if p.RequiresGrad {
				t.Errorf("layer %d combined adapter left trainable", i)
			}
		}
	}
}

func TestModulesToSave(t *testing.T) {
	model := attnModel(t, "llama", 1, 8)
	cfg := &Config{
		R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true,
		ModulesToSave: []string{"lm_head"},
	}
	eng, err := New(model, "a", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, head, _, err := nn.Submodule(eng.Model(), "lm_head")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	if _, ok := head.(*nn.ModulesToSaveWrapper); !ok {
		t.Fatalf("lm_head is %T, want wrapper", head)
	}

	unloaded, err := eng.MergeAndUnload()
	if err != nil {
		t.Fatalf("MergeAndUnload: %v", err)
	}
	_, head, _, err = nn.Submodule(unloaded, "lm_head")
	if err != nil {
		t.Fatalf("Submodule: %v", err)
	}
	if _, ok := head.(*nn.Linear); !ok {
		t.Errorf("lm_head after unload is %T, want *nn.Linear", head)
	}
}

func TestBaselineAdapterFromEmptyName(t *testing.T) {
	model := attnModel(t, "llama", 1, 4)
	cfg := &Config{R: 2, Alpha: 2, Bias: BiasNone, InitWeights: true}
	eng, err := New(model, "", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := eng.Config(BaselineAdapter); !ok {
		t.Errorf("empty name should register %q, got %v", BaselineAdapter, eng.AdapterNames())
	}
}
