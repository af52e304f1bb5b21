// Package indicator computes derived columns over bar windows. Columns are
// declared in config, computed independently, and a failure in one leaves
// that column absent without disturbing its siblings.
package indicator

import (
	"fmt"

	"github.com/amuzetnoM/herald/internal/models"
)

// Frame is one bar window plus its computed columns. Column slices are
// aligned index-for-index with Bars; warm-up rows hold zeros, as the
// underlying TA library emits them.
type Frame struct {
	Bars    []models.Bar
	Columns map[string][]float64
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Bars) }

// Column returns a named column, if it was computed.
func (f *Frame) Column(name string) ([]float64, bool) {
	col, ok := f.Columns[name]
	return col, ok
}

// At returns column[i], erroring when the column is absent or i out of range.
func (f *Frame) At(name string, i int) (float64, error) {
	col, ok := f.Columns[name]
	if !ok {
		return 0, fmt.Errorf("indicator: column %q not computed", name)
	}
	if i < 0 || i >= len(col) {
		return 0, fmt.Errorf("indicator: column %q index %d out of range", name, i)
	}
	return col[i], nil
}

// Last returns the final value of a column (the last closed bar's value).
func (f *Frame) Last(name string) (float64, error) {
	col, ok := f.Columns[name]
	if !ok || len(col) == 0 {
		return 0, fmt.Errorf("indicator: column %q not computed", name)
	}
	return col[len(col)-1], nil
}

// LastBar returns the most recent bar in the window.
func (f *Frame) LastBar() models.Bar {
	return f.Bars[len(f.Bars)-1]
}
