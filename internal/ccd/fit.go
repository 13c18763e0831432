package ccd

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// annualPeriodDays is the harmonic base period in days.
const annualPeriodDays = 365.25

// tukeyC is the bisquare tuning constant (95% efficiency under normality).
const tukeyC = 4.685

// madScale converts a median absolute deviation into a consistent
// estimate of the standard deviation under normality.
const madScale = 1.4826

// minResidualScale guards the reweighting against exactly-fitting data.
const minResidualScale = 1e-12

// Model is a fitted trend-plus-harmonics regression for one band.
// Coef layout: [intercept, slope, cos1, sin1, cos2, sin2, ...] where
// slope is per day and harmonic k has period annualPeriodDays/k.
type Model struct {
	Coef      []float64
	RMSE      float64
	Converged bool
}

// FitNonConvergence reports a robust fit that hit its iteration cap
// before the coefficient update settled. The model is still usable but
// the enclosing segment should be flagged low-confidence.
type FitNonConvergence struct {
	Band       int
	Iterations int
}

func (e *FitNonConvergence) Error() string {
	return fmt.Sprintf("band %d: robust fit did not converge within %d iterations", e.Band, e.Iterations)
}

// NumCoef returns the coefficient count for a harmonic term count.
func NumCoef(harmonics int) int {
	return 2 + 2*harmonics
}

// designRow fills row with the regression terms for time t (days since
// the Unix epoch).
func designRow(row []float64, t float64, harmonics int) {
	row[0] = 1
	row[1] = t
	for k := 1; k <= harmonics; k++ {
		w := 2 * math.Pi * float64(k) * t / annualPeriodDays
		row[2*k] = math.Cos(w)
		row[2*k+1] = math.Sin(w)
	}
}

// Predict evaluates the model at time t (days since the Unix epoch).
func (m Model) Predict(t float64, harmonics int) float64 {
	row := make([]float64, NumCoef(harmonics))
	designRow(row, t, harmonics)
	var sum float64
	for i, c := range m.Coef {
		sum += c * row[i]
	}
	return sum
}

// FitRobust fits the harmonic model to (times, values) using iteratively
// reweighted least squares with Tukey bisquare weights. times are days
// since the Unix epoch. The iteration count is bounded; if the cap is
// reached before convergence, the best-effort model is returned together
// with a *FitNonConvergence error.
func FitRobust(times, values []float64, harmonics, maxIter int, tol float64) (Model, error) {
	n := len(times)
	p := NumCoef(harmonics)
	if len(values) != n {
		return Model{}, fmt.Errorf("times/values length mismatch: %d vs %d", n, len(values))
	}
	if n < p {
		return Model{}, fmt.Errorf("underdetermined fit: %d observations for %d coefficients", n, p)
	}

	// Design matrix is built once; weighted copies are rebuilt per
	// iteration by row scaling.
	design := mat.NewDense(n, p, nil)
	row := make([]float64, p)
	for i, t := range times {
		designRow(row, t, harmonics)
		design.SetRow(i, row)
	}

	coef, err := solveLS(design, values, nil)
	if err != nil {
		return Model{}, fmt.Errorf("initial least squares solve: %w", err)
	}

	resid := make([]float64, n)
	weights := make([]float64, n)
	converged := false
	for iter := 0; iter < maxIter; iter++ {
		residuals(design, values, coef, resid)

		s := madScale * medianAbs(resid)
		if s < minResidualScale {
			// Residuals are numerically zero; nothing left to reweight.
			converged = true
			break
		}
		for i, r := range resid {
			u := r / (tukeyC * s)
			if math.Abs(u) >= 1 {
				weights[i] = 0
			} else {
				v := 1 - u*u
				weights[i] = v * v
			}
		}

		next, err := solveLS(design, values, weights)
		if err != nil {
			return Model{}, fmt.Errorf("reweighted solve (iteration %d): %w", iter, err)
		}

		delta := 0.0
		scale := 1.0
		for i := range coef {
			if d := math.Abs(next[i] - coef[i]); d > delta {
				delta = d
			}
			if a := math.Abs(coef[i]); a > scale {
				scale = a
			}
		}
		coef = next
		if delta < tol*scale {
			converged = true
			break
		}
	}

	residuals(design, values, coef, resid)
	var ss float64
	for _, r := range resid {
		ss += r * r
	}
	dof := n - p
	if dof < 1 {
		dof = 1
	}

	m := Model{
		Coef:      coef,
		RMSE:      math.Sqrt(ss / float64(dof)),
		Converged: converged,
	}
	if !converged {
		return m, &FitNonConvergence{Iterations: maxIter}
	}
	return m, nil
}

// AnomalyThreshold returns the chi-squared quantile used to classify a
// combined normalised residual as anomalous, with one degree of freedom
// per band.
func AnomalyThreshold(prob float64, bands int) float64 {
	return distuv.ChiSquared{K: float64(bands)}.Quantile(prob)
}

// solveLS solves the (optionally weighted) least squares problem.
// A nil weights slice means ordinary least squares. Zero-weight rows are
// scaled out rather than removed so the system shape is stable.
func solveLS(design *mat.Dense, values, weights []float64) ([]float64, error) {
	n, p := design.Dims()
	a := design
	y := mat.NewVecDense(n, nil)
	for i, v := range values {
		y.SetVec(i, v)
	}

	if weights != nil {
		wd := mat.NewDense(n, p, nil)
		row := make([]float64, p)
		for i := 0; i < n; i++ {
			sw := math.Sqrt(weights[i])
			mat.Row(row, i, design)
			for j := range row {
				row[j] *= sw
			}
			wd.SetRow(i, row)
			y.SetVec(i, values[i]*sw)
		}
		a = wd
	}

	var coef mat.VecDense
	if err := coef.SolveVec(a, y); err != nil {
		// A condition warning still yields a usable solution.
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}

	out := make([]float64, p)
	copy(out, coef.RawVector().Data)
	return out, nil
}

// residuals computes observed minus predicted into resid.
func residuals(design *mat.Dense, values, coef, resid []float64) {
	n, p := design.Dims()
	for i := 0; i < n; i++ {
		var pred float64
		for j := 0; j < p; j++ {
			pred += design.At(i, j) * coef[j]
		}
		resid[i] = values[i] - pred
	}
}

// medianAbs returns the median of the absolute values.
func medianAbs(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	abs := make([]float64, len(xs))
	for i, x := range xs {
		abs[i] = math.Abs(x)
	}
	sort.Float64s(abs)
	mid := len(abs) / 2
	if len(abs)%2 == 1 {
		return abs[mid]
	}
	return (abs[mid-1] + abs[mid]) / 2
}
