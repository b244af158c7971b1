package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 matrix. All adapter math in this
// module runs on the host in float32; there is no device indirection.
type Tensor struct {
	data []float32
	rows int
	cols int
	name string
}

// New allocates a zeroed rows x cols tensor.
func New(name string, rows, cols int) *Tensor {
	return &Tensor{
		data: make([]float32, rows*cols),
		rows: rows,
		cols: cols,
		name: name,
	}
}

// FromValues wraps an existing backing slice. The slice is NOT copied;
// the caller hands over ownership.
func FromValues(name string, rows, cols int, values []float32) (*Tensor, error) {
	if len(values) != rows*cols {
		return nil, fmt.Errorf("tensor %s: %d values for %dx%d shape", name, len(values), rows, cols)
	}
	return &Tensor{data: values, rows: rows, cols: cols, name: name}, nil
}

func (t *Tensor) Rows() int       { return t.rows }
func (t *Tensor) Cols() int       { return t.cols }
func (t *Tensor) Data() []float32 { return t.data }
func (t *Tensor) Name() string    { return t.name }

func (t *Tensor) NumElements() int {
	return t.rows * t.cols
}

func (t *Tensor) At(i, j int) float32 {
	return t.data[i*t.cols+j]
}

func (t *Tensor) Set(i, j int, v float32) {
	t.data[i*t.cols+j] = v
}

// Clone returns a deep copy sharing nothing with the receiver.
func (t *Tensor) Clone() *Tensor {
	out := New(t.name, t.rows, t.cols)
	copy(out.data, t.data)
	return out
}

// Zero clears every element in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// CopyFrom overwrites the receiver's data with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t.rows != src.rows || t.cols != src.cols {
		return fmt.Errorf("tensor %s: copy shape mismatch %dx%d vs %dx%d", t.name, t.rows, t.cols, src.rows, src.cols)
	}
	copy(t.data, src.data)
	return nil
}

// Transpose returns a new tensor with rows and columns swapped.
func (t *Tensor) Transpose() *Tensor {
	out := New(t.name, t.cols, t.rows)
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			out.data[j*t.rows+i] = t.data[i*t.cols+j]
		}
	}
	return out
}

// MatMul computes a @ b. a: [M, K], b: [K, N], out: [M, N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.cols != b.rows {
		return nil, fmt.Errorf("matmul %s @ %s: inner dims %d vs %d", a.name, b.name, a.cols, b.rows)
	}
	m, k, n := a.rows, a.cols, b.cols
	out := New("", m, n)
	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			row := b.data[kk*n : kk*n+n]
			dst := out.data[i*n : i*n+n]
			for j, bv := range row {
				dst[j] += av * bv
			}
		}
	}
	return out, nil
}

// AddScaled adds scale*delta into the receiver in place.
func (t *Tensor) AddScaled(delta *Tensor, scale float32) error {
	if t.rows != delta.rows || t.cols != delta.cols {
		return fmt.Errorf("tensor %s: add shape mismatch %dx%d vs %dx%d", t.name, t.rows, t.cols, delta.rows, delta.cols)
	}
	for i, v := range delta.data {
		t.data[i] += scale * v
	}
	return nil
}

// Affine computes x @ W^T (+ bias). W is stored [out, in] unless
// transposed is set, in which case it is stored [in, out] (the
// fan-in/fan-out convention). x: [batch, in], out: [batch, out].
func Affine(x, w, bias *Tensor, transposed bool) (*Tensor, error) {
	inF, outF := w.cols, w.rows
	if transposed {
		inF, outF = w.rows, w.cols
	}
	if x.cols != inF {
		return nil, fmt.Errorf("affine %s: input width %d, weight expects %d", w.name, x.cols, inF)
	}
	out := New("", x.rows, outF)
	for i := 0; i < x.rows; i++ {
		xrow := x.data[i*x.cols : (i+1)*x.cols]
		dst := out.data[i*outF : (i+1)*outF]
		if transposed {
			for k, xv := range xrow {
				if xv == 0 {
					continue
				}
				wrow := w.data[k*outF : (k+1)*outF]
				for o, wv := range wrow {
					dst[o] += xv * wv
				}
			}
		} else {
			for o := 0; o < outF; o++ {
				wrow := w.data[o*inF : (o+1)*inF]
				var sum float32
				for k, xv := range xrow {
					sum += xv * wrow[k]
				}
				dst[o] = sum
			}
		}
		if bias != nil {
			for o := 0; o < outF; o++ {
				dst[o] += bias.data[o]
			}
		}
	}
	return out, nil
}

// Lookup gathers rows of table by index. table: [vocab, dim],
// out: [len(ids), dim].
func Lookup(table *Tensor, ids []int) (*Tensor, error) {
	out := New("", len(ids), table.cols)
	for i, id := range ids {
		if id < 0 || id >= table.rows {
			return nil, fmt.Errorf("lookup %s: index %d out of range [0, %d)", table.name, id, table.rows)
		}
		copy(out.data[i*table.cols:(i+1)*table.cols], table.data[id*table.cols:(id+1)*table.cols])
	}
	return out, nil
}

// MaxAbsDiff returns the largest elementwise |a-b|; infinity on shape
// mismatch so callers comparing against a tolerance always fail loudly.
func MaxAbsDiff(a, b *Tensor) float64 {
	if a.rows != b.rows || a.cols != b.cols {
		return math.Inf(1)
	}
	var max float64
	for i := range a.data {
		d := math.Abs(float64(a.data[i] - b.data[i]))
		if d > max {
			max = d
		}
	}
	return max
}
