package nn

import "gonum.org/v1/gonum/mat"

// Parameter is a named trainable matrix plus its Adam moment state.
// Modules expose their parameters through Params() so the optimizer,
// grad clipping, and state serialization can sweep them uniformly.
type Parameter struct {
	Name string
	W    *mat.Dense
	M, V *mat.Dense // Adam first/second moments
	T    int        // optimizer step count
}

func NewParameter(name string, w *mat.Dense) *Parameter {
	r, c := w.Dims()
	return &Parameter{
		Name: name,
		W:    w,
		M:    mat.NewDense(r, c, nil),
		V:    mat.NewDense(r, c, nil),
	}
}

// Buffer is a named non-trainable matrix: causal masks, BatchNorm running
// statistics, KV caches. Registering state as a Buffer instead of a plain
// struct field means SaveState/LoadState and VisitState cover it without
// the module doing anything extra. Buffers never receive optimizer updates.
type Buffer struct {
	Name string
	W    *mat.Dense
}

func NewBuffer(name string, w *mat.Dense) *Buffer {
	return &Buffer{Name: name, W: w}
}

// Module is anything with registered state.
type Module interface {
	Params() []*Parameter
	Buffers() []*Buffer
}

// VisitState calls fn for every registered parameter and buffer of m.
// kind is "param" or "buffer". Buffers with a nil matrix (e.g. an empty
// KV cache) are skipped.
func VisitState(m Module, fn func(kind, name string, w *mat.Dense)) {
	for _, p := range m.Params() {
		fn("param", p.Name, p.W)
	}
	for _, b := range m.Buffers() {
		if b.W == nil {
			continue
		}
		fn("buffer", b.Name, b.W)
	}
}
