package lora

import (
	"sort"

	"github.com/23skdu/quiver/internal/nn"
)

// CapableLayer is what every adapter-capable layer implements,
// regardless of the base layer kind it wraps. Forward stays on the
// concrete types because dense layers consume activations and
// embedding layers consume token ids.
type CapableLayer interface {
	nn.Module

	// UpdateLayer attaches (or refreshes) the named adapter's state.
	UpdateLayer(name string, cfg *Config)

	// MergeNamed folds the named adapter's delta into the base weight.
	// UnmergeNamed is its exact inverse. Both are warning no-ops when
	// the state machine is already in the requested state.
	MergeNamed(name string)
	UnmergeNamed(name string)

	// Merge and Unmerge operate on the resolved active adapter
	// (baseline override first, active adapter second).
	Merge()
	Unmerge()

	Merged() bool
	SetActive(name string)
	Active() string
	SetDisabled(disabled bool)
	SetTraining(training bool)
	State(name string) (*AdapterState, bool)
	AdapterNames() []string
}

// layerState is the shared per-layer adapter bookkeeping embedded by
// every capable layer variant.
type layerState struct {
	adapters map[string]*AdapterState

	active   string
	disabled bool
	training bool

	// merged tracks which adapter, if any, is currently folded into
	// the base weight. At most one adapter is merged at a time.
	merged     bool
	mergedName string
}

func newLayerState() layerState {
	return layerState{adapters: make(map[string]*AdapterState)}
}

// resolveActive applies the two-tier resolution rule: the reserved
// baseline adapter, when present, overrides the active adapter. This
// is a deliberate special case for the shared single-adapter mode,
// not a general precedence rule.
func (ls *layerState) resolveActive() string {
	if _, ok := ls.adapters[BaselineAdapter]; ok {
		return BaselineAdapter
	}
	return ls.active
}

func (ls *layerState) Merged() bool          { return ls.merged }
func (ls *layerState) Active() string        { return ls.active }
func (ls *layerState) SetActive(name string) { ls.active = name }

func (ls *layerState) SetDisabled(disabled bool) { ls.disabled = disabled }
func (ls *layerState) SetTraining(training bool) { ls.training = training }

func (ls *layerState) State(name string) (*AdapterState, bool) {
	s, ok := ls.adapters[name]
	return s, ok
}

func (ls *layerState) AdapterNames() []string {
	names := make([]string, 0, len(ls.adapters))
	for name := range ls.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// visitAdapterParameters reports every adapter-owned parameter under
// dotted names, for traversal and snapshotting.
func (ls *layerState) visitAdapterParameters(prefix string, fn func(string, *nn.Parameter)) {
	for _, name := range ls.AdapterNames() {
		s := ls.adapters[name]
		if s.A != nil {
			fn(prefix+".lora_A."+name, s.A)
			fn(prefix+".lora_B."+name, s.B)
		}
		if s.NewA != nil {
			fn(prefix+".loranew_A."+name, s.NewA)
			fn(prefix+".loranew_B."+name, s.NewB)
		}
	}
}
