// Package nn provides the minimal module tree the adapter machinery
// injects into: ownership-tagged parameters, plain linear/embedding
// leaves, an opaque int8 linear variant, and named-children containers
// with dotted-path traversal.
package nn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/quiver/internal/tensor"
)

// Owner marks who a parameter belongs to. The trainability partition
// queries this tag directly instead of matching name substrings.
type Owner int

const (
	OwnerBase Owner = iota
	OwnerAdapter
)

// Parameter is a tensor with gradient-tracking and ownership metadata.
type Parameter struct {
	Data         *tensor.Tensor
	RequiresGrad bool
	Owner        Owner
	IsBias       bool
}

func NewParameter(t *tensor.Tensor, owner Owner) *Parameter {
	return &Parameter{Data: t, RequiresGrad: true, Owner: owner}
}

func NewBiasParameter(t *tensor.Tensor, owner Owner) *Parameter {
	return &Parameter{Data: t, RequiresGrad: true, Owner: owner, IsBias: true}
}

// Module is the traversal unit of the tree. Leaves report their
// parameters; containers additionally implement Parent.
type Module interface {
	VisitParameters(prefix string, fn func(name string, p *Parameter))
}

// Parent is a module with named, replaceable children.
type Parent interface {
	Module
	ChildNames() []string
	Child(name string) Module
	SetChild(name string, m Module)
}

// Container is an ordered map of named child modules.
type Container struct {
	order    []string
	children map[string]Module
}

func NewContainer() *Container {
	return &Container{children: make(map[string]Module)}
}

// Add registers a child, keeping insertion order for traversal.
func (c *Container) Add(name string, m Module) *Container {
	if _, ok := c.children[name]; !ok {
		c.order = append(c.order, name)
	}
	c.children[name] = m
	return c
}

func (c *Container) ChildNames() []string { return c.order }

func (c *Container) Child(name string) Module { return c.children[name] }

func (c *Container) SetChild(name string, m Module) {
	if _, ok := c.children[name]; !ok {
		c.order = append(c.order, name)
	}
	c.children[name] = m
}

func (c *Container) VisitParameters(prefix string, fn func(string, *Parameter)) {
	for _, name := range c.order {
		c.children[name].VisitParameters(join(prefix, name), fn)
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Model is the tree root. It carries the family identifier and the
// storage flags the injection engine consults.
type Model struct {
	*Container

	ModelType    string
	LoadedIn8Bit bool
}

func NewModel(modelType string) *Model {
	return &Model{Container: NewContainer(), ModelType: modelType}
}

// ConfigDict mirrors the frozen config-to-dict accessor of the host
// model family.
func (m *Model) ConfigDict() map[string]any {
	return map[string]any{
		"model_type":        m.ModelType,
		"is_loaded_in_8bit": m.LoadedIn8Bit,
	}
}

// Linear is a dense affine layer with weight stored [out, in].
type Linear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter // nil when the layer has no bias
}

func NewLinear(in, out int, withBias bool) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParameter(tensor.New("weight", out, in), OwnerBase),
	}
	if withBias {
		l.Bias = NewBiasParameter(tensor.New("bias", 1, out), OwnerBase)
	}
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if l.Bias != nil {
		b = l.Bias.Data
	}
	return tensor.Affine(x, l.Weight.Data, b, false)
}

func (l *Linear) VisitParameters(prefix string, fn func(string, *Parameter)) {
	fn(join(prefix, "weight"), l.Weight)
	if l.Bias != nil {
		fn(join(prefix, "bias"), l.Bias)
	}
}

// Embedding is a lookup table stored [num_embeddings, dim].
type Embedding struct {
	NumEmbeddings, Dim int
	Weight             *Parameter
}

func NewEmbedding(numEmbeddings, dim int) *Embedding {
	return &Embedding{
		NumEmbeddings: numEmbeddings,
		Dim:           dim,
		Weight:        NewParameter(tensor.New("weight", numEmbeddings, dim), OwnerBase),
	}
}

func (e *Embedding) Forward(ids []int) (*tensor.Tensor, error) {
	return tensor.Lookup(e.Weight.Data, ids)
}

func (e *Embedding) VisitParameters(prefix string, fn func(string, *Parameter)) {
	fn(join(prefix, "weight"), e.Weight)
}

// Int8State is the quantization bookkeeping an int8 linear layer
// carries. It is opaque to the adapter machinery and must be copied
// verbatim onto any replacement layer.
type Int8State struct {
	HasFP16Weights          bool
	MemoryEfficientBackward bool
	Threshold               float64
	Index                   int
}

// QuantizedLinear is a dense layer whose weight lives in int8 storage.
// The float32 view here stands in for the packed representation; merge
// is undefined on it either way.
type QuantizedLinear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter
	State   Int8State
}

func NewQuantizedLinear(in, out int, withBias bool, state Int8State) *QuantizedLinear {
	q := &QuantizedLinear{
		In:     in,
		Out:    out,
		Weight: NewParameter(tensor.New("weight", out, in), OwnerBase),
		State:  state,
	}
	if withBias {
		q.Bias = NewBiasParameter(tensor.New("bias", 1, out), OwnerBase)
	}
	return q
}

func (q *QuantizedLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if q.Bias != nil {
		b = q.Bias.Data
	}
	return tensor.Affine(x, q.Weight.Data, b, false)
}

func (q *QuantizedLinear) VisitParameters(prefix string, fn func(string, *Parameter)) {
	fn(join(prefix, "weight"), q.Weight)
	if q.Bias != nil {
		fn(join(prefix, "bias"), q.Bias)
	}
}

// ModulesToSaveWrapper keeps one trainable variant of a submodule per
// adapter name, with one marked active.
type ModulesToSaveWrapper struct {
	Variants map[string]Module
	Active   string
}

func NewModulesToSaveWrapper(original Module, adapterName string) *ModulesToSaveWrapper {
	return &ModulesToSaveWrapper{
		Variants: map[string]Module{adapterName: original},
		Active:   adapterName,
	}
}

func (w *ModulesToSaveWrapper) ActiveVariant() Module {
	return w.Variants[w.Active]
}

func (w *ModulesToSaveWrapper) VisitParameters(prefix string, fn func(string, *Parameter)) {
	names := make([]string, 0, len(w.Variants))
	for name := range w.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.Variants[name].VisitParameters(join(prefix, name), fn)
	}
}

// NamedModule pairs a module with its dotted path from the root.
type NamedModule struct {
	Path   string
	Module Module
}

// NamedModules returns every submodule below root in depth-first
// insertion order. The root itself is not included.
func NamedModules(root Module) []NamedModule {
	var out []NamedModule
	var walk func(prefix string, m Module)
	walk = func(prefix string, m Module) {
		p, ok := m.(Parent)
		if !ok {
			return
		}
		for _, name := range p.ChildNames() {
			child := p.Child(name)
			path := join(prefix, name)
			out = append(out, NamedModule{Path: path, Module: child})
			walk(path, child)
		}
	}
	walk("", root)
	return out
}

// Submodule resolves a dotted path to (parent, child, childName).
func Submodule(root Module, path string) (Parent, Module, string, error) {
	parentPath, childName := "", path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		parentPath, childName = path[:idx], path[idx+1:]
	}

	cur := root
	if parentPath != "" {
		for _, seg := range strings.Split(parentPath, ".") {
			p, ok := cur.(Parent)
			if !ok {
				return nil, nil, "", fmt.Errorf("module path %s: %s is not a container", path, seg)
			}
			cur = p.Child(seg)
			if cur == nil {
				return nil, nil, "", fmt.Errorf("module path %s: no submodule %s", path, seg)
			}
		}
	}

	parent, ok := cur.(Parent)
	if !ok {
		return nil, nil, "", fmt.Errorf("module path %s: parent is not a container", path)
	}
	child := parent.Child(childName)
	if child == nil {
		return nil, nil, "", fmt.Errorf("module path %s: not found", path)
	}
	return parent, child, childName, nil
}

// NamedParam pairs a parameter with its dotted path.
type NamedParam struct {
	Name  string
	Param *Parameter
}

func NamedParameters(root Module) []NamedParam {
	var out []NamedParam
	root.VisitParameters("", func(name string, p *Parameter) {
		out = append(out, NamedParam{Name: name, Param: p})
	})
	return out
}
