package nn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Gob-based state round-trip, in the flattened row-major form gonum exposes
// through RawMatrix. Adam moments travel with their parameter so a reloaded
// module can resume optimizer steps.

type stateEntry struct {
	Name string
	R, C int
	Data []float64

	// Parameters only
	M, V []float64
	T    int
}

type stateFile struct {
	Params  []stateEntry
	Buffers []stateEntry
}

func flatten(w *mat.Dense) (int, int, []float64) {
	r, c := w.Dims()
	raw := mat.DenseCopyOf(w).RawMatrix()
	return r, c, append([]float64(nil), raw.Data...)
}

// SaveState persists every registered parameter and buffer of the given
// modules. Buffers ride along in the same sweep as parameters; that is
// the point of registering them. Names must be unique across all modules
// in one call; a collision is an error, not a silent overwrite.
func SaveState(filename string, modules ...Module) error {
	data := stateFile{}
	names := map[string]bool{}
	for _, m := range modules {
		for _, p := range m.Params() {
			if names[p.Name] {
				return fmt.Errorf("SaveState: duplicate name %q across modules", p.Name)
			}
			names[p.Name] = true
			e := stateEntry{Name: p.Name, T: p.T}
			e.R, e.C, e.Data = flatten(p.W)
			if p.M != nil {
				_, _, e.M = flatten(p.M)
				_, _, e.V = flatten(p.V)
			}
			data.Params = append(data.Params, e)
		}
		for _, b := range m.Buffers() {
			if names[b.Name] {
				return fmt.Errorf("SaveState: duplicate name %q across modules", b.Name)
			}
			names[b.Name] = true
			if b.W == nil {
				continue
			}
			e := stateEntry{Name: b.Name}
			e.R, e.C, e.Data = flatten(b.W)
			data.Buffers = append(data.Buffers, e)
		}
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return os.WriteFile(filename, buf.Bytes(), 0644)
}

// LoadState restores parameters and buffers saved by SaveState into the
// given modules. Parameters are matched by name and shape-checked; buffers
// are matched by name and adopt the saved shape (masks and caches are
// sized at runtime). Unknown names in the file are an error, as is a
// registered parameter missing from the file.
func LoadState(filename string, modules ...Module) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	data := stateFile{}
	dec := gob.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&data); err != nil {
		return err
	}

	params := map[string]*Parameter{}
	buffers := map[string]*Buffer{}
	for _, m := range modules {
		for _, p := range m.Params() {
			if _, dup := params[p.Name]; dup {
				return fmt.Errorf("LoadState: duplicate parameter %q across modules", p.Name)
			}
			params[p.Name] = p
		}
		for _, b := range m.Buffers() {
			if _, dup := buffers[b.Name]; dup {
				return fmt.Errorf("LoadState: duplicate buffer %q across modules", b.Name)
			}
			buffers[b.Name] = b
		}
	}

	seen := map[string]bool{}
	for _, e := range data.Params {
		p, ok := params[e.Name]
		if !ok {
			return fmt.Errorf("LoadState: unknown parameter %q in %s", e.Name, filename)
		}
		r, c := p.W.Dims()
		if r != e.R || c != e.C {
			return fmt.Errorf("LoadState: parameter %q shape mismatch (have %dx%d, file %dx%d)",
				e.Name, r, c, e.R, e.C)
		}
		p.W = mat.NewDense(e.R, e.C, e.Data)
		if len(e.M) > 0 {
			p.M = mat.NewDense(e.R, e.C, e.M)
			p.V = mat.NewDense(e.R, e.C, e.V)
		}
		p.T = e.T
		seen[e.Name] = true
	}
	for name := range params {
		if !seen[name] {
			return fmt.Errorf("LoadState: parameter %q missing from %s", name, filename)
		}
	}

	for _, e := range data.Buffers {
		b, ok := buffers[e.Name]
		if !ok {
			return fmt.Errorf("LoadState: unknown buffer %q in %s", e.Name, filename)
		}
		b.W = mat.NewDense(e.R, e.C, e.Data)
	}
	return nil
}
