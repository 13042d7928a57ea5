// Package frame holds the pixel matrix type shared by the master-frame
// builder and the reduction engine.
package frame

import (
	"fmt"
	"sort"
)

// Matrix is a dense 2D pixel array in row-major order (width is the fast
// axis, matching FITS NAXIS1).
type Matrix struct {
	Width  int
	Height int
	Pix    []float64
}

// New allocates a zeroed matrix.
func New(width, height int) *Matrix {
	return &Matrix{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Width, m.Height)
	copy(out.Pix, m.Pix)
	return out
}

// SameShape reports whether two matrices have identical dimensions.
func (m *Matrix) SameShape(o *Matrix) bool {
	return m.Width == o.Width && m.Height == o.Height
}

func (m *Matrix) shapeErr(o *Matrix) error {
	return fmt.Errorf("shape mismatch: %dx%d vs %dx%d", m.Width, m.Height, o.Width, o.Height)
}

// Sub subtracts o from m in place.
func (m *Matrix) Sub(o *Matrix) error {
	if !m.SameShape(o) {
		return m.shapeErr(o)
	}
	for i := range m.Pix {
		m.Pix[i] -= o.Pix[i]
	}
	return nil
}

// SubScaled subtracts o·s from m in place.
func (m *Matrix) SubScaled(o *Matrix, s float64) error {
	if !m.SameShape(o) {
		return m.shapeErr(o)
	}
	for i := range m.Pix {
		m.Pix[i] -= o.Pix[i] * s
	}
	return nil
}

// Div divides m by o elementwise, in place. Division by zero follows
// IEEE-754; callers that must avoid infinities replace zeros first (see
// ReplaceZero).
func (m *Matrix) Div(o *Matrix) error {
	if !m.SameShape(o) {
		return m.shapeErr(o)
	}
	for i := range m.Pix {
		m.Pix[i] /= o.Pix[i]
	}
	return nil
}

// Scale multiplies every pixel by s, in place.
func (m *Matrix) Scale(s float64) {
	for i := range m.Pix {
		m.Pix[i] *= s
	}
}

// Median returns the median of all pixel values. Even-sized inputs use the
// mean of the two central values.
func (m *Matrix) Median() float64 {
	return medianOf(append([]float64(nil), m.Pix...))
}

// ReplaceZero substitutes every exactly-zero pixel with eps, in place.
func (m *Matrix) ReplaceZero(eps float64) {
	for i, v := range m.Pix {
		if v == 0 {
			m.Pix[i] = eps
		}
	}
}

// MedianStack collapses a stack of same-shape matrices into one matrix whose
// every pixel is the per-pixel median across the stack. A single-frame stack
// degenerates to a copy of that frame.
func MedianStack(stack []*Matrix) (*Matrix, error) {
	if len(stack) == 0 {
		return nil, fmt.Errorf("empty stack")
	}
	first := stack[0]
	for _, m := range stack[1:] {
		if !first.SameShape(m) {
			return nil, first.shapeErr(m)
		}
	}
	if len(stack) == 1 {
		return first.Clone(), nil
	}
	out := New(first.Width, first.Height)
	column := make([]float64, len(stack))
	for i := range out.Pix {
		for j, m := range stack {
			column[j] = m.Pix[i]
		}
		out.Pix[i] = medianOf(column)
	}
	return out, nil
}

func medianOf(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
