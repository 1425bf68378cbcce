// Package impedance post-processes impedance-spectroscopy sweeps: it
// assembles spectra from PEIS/GEIS output records and fits a simple
// R + (R || C) equivalent circuit to them.
package impedance

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/maorshutman/lm"

	"github.jpl.nasa.gov/bdube/biologic/technique"
)

// Point is one frequency sample of a spectrum.
type Point struct {
	// Freq in Hz
	Freq float64

	// Magnitude of the complex impedance in Ohm
	Magnitude float64

	// Phase in radians
	Phase float64
}

// Z returns the complex impedance.
func (p Point) Z() complex128 {
	return cmplx.Rect(p.Magnitude, p.Phase)
}

// Spectrum is an impedance sweep, ordered as measured.
type Spectrum struct {
	Points []Point
}

// FromRecords assembles a spectrum from impedance program output rows
// (frequency, magnitude, phase in the first three columns).
func FromRecords(recs []technique.Record) (Spectrum, error) {
	if len(recs) == 0 {
		return Spectrum{}, errors.New("impedance: no sweep records")
	}
	s := Spectrum{Points: make([]Point, 0, len(recs))}
	for i, r := range recs {
		if len(r) < 3 {
			return Spectrum{}, fmt.Errorf("impedance: record %d has %d fields, want at least 3", i, len(r))
		}
		s.Points = append(s.Points, Point{Freq: r[0], Magnitude: r[1], Phase: r[2]})
	}
	return s, nil
}

// Nyquist returns the real and negated-imaginary components, the usual
// plotting axes.
func (s Spectrum) Nyquist() (re, negIm []float64) {
	re = make([]float64, len(s.Points))
	negIm = make([]float64, len(s.Points))
	for i, p := range s.Points {
		z := p.Z()
		re[i] = real(z)
		negIm[i] = -imag(z)
	}
	return re, negIm
}

// RC is a series resistance with a parallel resistor-capacitor pair:
// Z(w) = Rs + Rct / (1 + jw*Rct*C).  It is the standard first model for
// an electrochemical interface.
type RC struct {
	// Rs is the series (solution) resistance in Ohm
	Rs float64

	// Rct is the charge-transfer resistance in Ohm
	Rct float64

	// C is the interfacial capacitance in F
	C float64
}

// Z evaluates the model at a frequency in Hz.
func (m RC) Z(freq float64) complex128 {
	w := 2 * math.Pi * freq
	den := complex(1, w*m.Rct*m.C)
	return complex(m.Rs, 0) + complex(m.Rct, 0)/den
}

// FitResult is a completed circuit fit.
type FitResult struct {
	Model RC

	// ChiSq is the modulus-weighted residual at the solution
	ChiSq float64
}

// FitRC fits the RC model to a spectrum with Levenberg-Marquardt,
// starting from init.  Residuals are weighted by the observed modulus
// so the small high-frequency impedances are not drowned out.
func FitRC(s Spectrum, init RC) (FitResult, error) {
	if len(s.Points) < 3 {
		return FitResult{}, errors.New("impedance: need at least 3 points to fit 3 parameters")
	}
	residuals := func(dst, x []float64) {
		m := RC{Rs: x[0], Rct: x[1], C: x[2]}
		for i, p := range s.Points {
			obs := p.Z()
			calc := m.Z(p.Freq)
			d2 := math.Pow(real(obs)-real(calc), 2) + math.Pow(imag(obs)-imag(calc), 2)
			w2 := real(obs)*real(obs) + imag(obs)*imag(obs)
			if w2 == 0 {
				w2 = 1
			}
			dst[i] = d2 / w2
		}
	}
	jac := lm.NumJac{Func: residuals}
	problem := lm.LMProblem{
		Dim:        3,
		Size:       len(s.Points),
		Func:       residuals,
		Jac:        jac.Jac,
		InitParams: []float64{init.Rs, init.Rct, init.C},
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}
	res, err := lm.LM(problem, &lm.Settings{Iterations: 100000, ObjectiveTol: 1e-16})
	if err != nil {
		return FitResult{}, fmt.Errorf("impedance: fit did not converge: %w", err)
	}
	fitted := RC{Rs: res.X[0], Rct: res.X[1], C: res.X[2]}
	dst := make([]float64, len(s.Points))
	residuals(dst, res.X)
	var chi float64
	for _, r := range dst {
		chi += r
	}
	return FitResult{Model: fitted, ChiSq: chi}, nil
}
