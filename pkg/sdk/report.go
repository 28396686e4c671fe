// Package sdk defines the capability contracts shared between the padmux host
// and its plugins. Plugin modules import this package and expose a Register
// function; nothing here depends on host internals.
package sdk

import "maps"

// InputReport is one sample read from a physical controller.
type InputReport struct {
	Buttons map[string]bool
	Axes    map[string]float64
	Raw     []byte
}

// OutputReport is the state written to an output controller, or feedback
// (rumble, lights) sent back to a physical controller.
type OutputReport struct {
	Buttons map[string]bool
	Axes    map[string]float64
	Raw     []byte
}

// Clone returns a deep copy of the report.
func (r InputReport) Clone() InputReport {
	return InputReport{
		Buttons: maps.Clone(r.Buttons),
		Axes:    maps.Clone(r.Axes),
		Raw:     append([]byte(nil), r.Raw...),
	}
}

// Clone returns a deep copy of the report.
func (r OutputReport) Clone() OutputReport {
	return OutputReport{
		Buttons: maps.Clone(r.Buttons),
		Axes:    maps.Clone(r.Axes),
		Raw:     append([]byte(nil), r.Raw...),
	}
}

// PassThrough converts an input report into an output report unchanged.
// Sessions without a remap engine use it.
func PassThrough(in InputReport) OutputReport {
	c := in.Clone()
	return OutputReport{Buttons: c.Buttons, Axes: c.Axes, Raw: c.Raw}
}
