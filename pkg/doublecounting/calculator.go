package doublecounting

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dysonloop/dysonloop/pkg/gf"
)

// Formula selects the double-counting functional for one site.
type Formula string

const (
	FormulaFLL       Formula = "fll"
	FormulaAMF       Formula = "amf"
	FormulaHeld      Formula = "held"
	FormulaFLLEgOnly Formula = "fll_eg"
	FormulaFixed     Formula = "fixed_value"

	// Dynamic-interaction derived functionals. They need a screened
	// interaction kernel; the static value is extracted at zero
	// frequency and fed through the FLL functional.
	FormulaCRPAStatic   Formula = "crpa_static"
	FormulaCRPAStaticQP Formula = "crpa_static_qp"
	FormulaCRPADynamic  Formula = "crpa_dynamic"
)

// ParseFormula maps a config string onto a known functional.
func ParseFormula(s string) (Formula, error) {
	switch Formula(s) {
	case FormulaFLL, FormulaAMF, FormulaHeld, FormulaFLLEgOnly, FormulaFixed,
		FormulaCRPAStatic, FormulaCRPAStaticQP, FormulaCRPADynamic:
		return Formula(s), nil
	}
	return "", fmt.Errorf("unknown double-counting formula %q", s)
}

// Dynamic reports whether the functional needs a screened interaction
// kernel instead of static Hubbard parameters.
func (f Formula) Dynamic() bool {
	switch f {
	case FormulaCRPAStatic, FormulaCRPAStaticQP, FormulaCRPADynamic:
		return true
	}
	return false
}

// NotImplementedCombinationError marks a functional/option pairing that
// has no defined semantics.
type NotImplementedCombinationError struct {
	Site    int
	Formula Formula
	Option  string
}

func (e *NotImplementedCombinationError) Error() string {
	return fmt.Sprintf("double counting: site %d: formula %q does not support %s",
		e.Site, e.Formula, e.Option)
}

// ShiftCountMismatchError is returned when the orbital shift list does
// not consume exactly one scalar per orbital of the site.
type ShiftCountMismatchError struct {
	Site int
	Want int
	Got  int
}

func (e *ShiftCountMismatchError) Error() string {
	return fmt.Sprintf("double counting: site %d: orbital shift list has %d entries, site has %d orbitals",
		e.Site, e.Got, e.Want)
}

// Params carries the per-site double-counting configuration.
type Params struct {
	Formula Formula
	U       float64
	J       float64

	// FixedValue is the potential applied uniformly when Formula is
	// FormulaFixed.
	FixedValue float64

	// FixedOccupation, when set, replaces the measured total occupation
	// before the functional is evaluated.
	FixedOccupation *float64

	// Nominal recomputes the energy from the measured occupation after
	// a fixed-occupation potential was applied.
	Nominal bool

	// Factor rescales potential and energy after the base formula.
	Factor *float64

	// OrbShifts adds one scalar per orbital, consumed in orbital order
	// across the site's blocks.
	OrbShifts []float64
}

// State is the outcome of one double-counting evaluation for one site.
type State struct {
	// Potential holds one matrix per lattice block, subtracted from the
	// self-energy before embedding.
	Potential gf.MatrixSet

	// Energy is the double-counting energy functional value.
	Energy float64

	// DynamicPart carries the frequency-dependent residual of a
	// crpa_dynamic kernel after its static value was split off. Nil for
	// all static functionals.
	DynamicPart *gf.BlockFunction
}

// Copy deep-copies the state.
func (s State) Copy() State {
	out := State{Potential: s.Potential.Copy(), Energy: s.Energy}
	if s.DynamicPart != nil {
		out.DynamicPart = s.DynamicPart.Copy()
	}
	return out
}

// Calculator evaluates double-counting corrections site by site. One
// Params entry per inequivalent site.
type Calculator struct {
	params []Params
}

func NewCalculator(params []Params) *Calculator {
	return &Calculator{params: params}
}

func (c *Calculator) Sites() int { return len(c.params) }

// Zero builds an all-zero state matching the density's block shape.
// Used for solvers that own their double counting.
func Zero(density gf.MatrixSet) State {
	pot := gf.MatrixSet{}
	for lbl, m := range density {
		r, ch := m.Dims()
		pot[lbl] = mat.NewCDense(r, ch, nil)
	}
	return State{Potential: pot}
}

// Compute evaluates the double counting for one site from its lattice
// density matrix. spinOrbit marks a single combined spin block. kernel
// is the screened interaction, required for the dynamic functionals and
// ignored otherwise.
func (c *Calculator) Compute(site int, density gf.MatrixSet, spinOrbit bool, kernel *gf.BlockFunction) (State, error) {
	if site < 0 || site >= len(c.params) {
		return State{}, fmt.Errorf("double counting: site %d out of range [0,%d)", site, len(c.params))
	}
	p := c.params[site]

	if p.Formula.Dynamic() {
		if p.FixedOccupation != nil {
			return State{}, &NotImplementedCombinationError{Site: site, Formula: p.Formula, Option: "fixed occupation"}
		}
		if kernel == nil {
			return State{}, fmt.Errorf("double counting: site %d: formula %q requires a screened interaction kernel", site, p.Formula)
		}
	}
	if p.Formula == FormulaFLLEgOnly && spinOrbit {
		return State{}, &NotImplementedCombinationError{Site: site, Formula: p.Formula, Option: "spin-orbit coupling"}
	}

	occ, total, nOrb := occupations(density, spinOrbit, p.FixedOccupation)

	st, err := c.base(site, p, density, occ, total, nOrb, kernel)
	if err != nil {
		return State{}, err
	}

	// Post hooks run in a fixed order: nominal energy correction,
	// global rescale, orbital shift.
	if p.Nominal && p.FixedOccupation != nil {
		_, measured, _ := occupations(density, spinOrbit, nil)
		st.Energy = nominalEnergy(p, measured, nOrb)
	}
	if p.Factor != nil {
		for _, m := range st.Potential {
			scaleInPlace(m, complex(*p.Factor, 0))
		}
		st.Energy *= *p.Factor
	}
	if len(p.OrbShifts) > 0 {
		if err := applyOrbShifts(site, st.Potential, p.OrbShifts); err != nil {
			return State{}, err
		}
	}
	return st, nil
}

func (c *Calculator) base(site int, p Params, density gf.MatrixSet, occ map[gf.BlockLabel]float64, total float64, nOrb int, kernel *gf.BlockFunction) (State, error) {
	switch p.Formula {
	case FormulaFixed:
		return scalarState(density, p.FixedValue, 0), nil
	case FormulaFLL:
		return fllState(density, occ, total, p.U, p.J), nil
	case FormulaFLLEgOnly:
		// eg subshell convention: the averaged interaction replaces the
		// bare parameters before the FLL functional.
		return fllState(density, occ, total, p.U-p.J, 2*p.J), nil
	case FormulaAMF:
		return amfState(density, occ, total, p.U, p.J, nOrb), nil
	case FormulaHeld:
		uav := heldAverage(p.U, p.J, nOrb)
		return scalarState(density, uav*(total-0.5), 0.5*uav*total*(total-1)), nil
	case FormulaCRPAStatic, FormulaCRPAStaticQP, FormulaCRPADynamic:
		ueff, err := staticInteraction(kernel, p.Formula == FormulaCRPAStaticQP)
		if err != nil {
			return State{}, fmt.Errorf("double counting: site %d: %w", site, err)
		}
		st := fllState(density, occ, total, ueff, p.J)
		if p.Formula == FormulaCRPADynamic {
			st.DynamicPart = dynamicResidual(kernel, ueff)
		}
		return st, nil
	}
	return State{}, fmt.Errorf("unknown double-counting formula %q", p.Formula)
}

// occupations returns the per-block and total electron counts and the
// orbital count per spin channel. A forced occupation replaces the
// total and is distributed over the blocks in proportion to their
// dimension.
func occupations(density gf.MatrixSet, spinOrbit bool, forced *float64) (map[gf.BlockLabel]float64, float64, int) {
	occ := make(map[gf.BlockLabel]float64, len(density))
	total := 0.0
	dims := 0
	for lbl, m := range density {
		n := real(traceC(m))
		occ[lbl] = n
		total += n
		r, _ := m.Dims()
		dims += r
	}
	nOrb := dims
	if spinOrbit {
		nOrb = dims / 2
	} else if len(density) > 1 {
		nOrb = dims / len(density)
	}
	if forced != nil {
		for lbl, m := range density {
			r, _ := m.Dims()
			occ[lbl] = *forced * float64(r) / float64(dims)
		}
		total = *forced
	}
	return occ, total, nOrb
}

// fllState implements the fully localized limit: per spin channel
// V = U(N - 1/2) - J(N_sigma - 1/2), E = U/2 N(N-1) - J/2 sum_sigma
// N_sigma(N_sigma - 1).
func fllState(density gf.MatrixSet, occ map[gf.BlockLabel]float64, total, u, j float64) State {
	pot := gf.MatrixSet{}
	energy := 0.5 * u * total * (total - 1)
	for lbl, m := range density {
		v := u*(total-0.5) - j*(occ[lbl]-0.5)
		pot[lbl] = scalarMatrix(m, v)
		energy -= 0.5 * j * occ[lbl] * (occ[lbl] - 1)
	}
	return State{Potential: pot, Energy: energy}
}

// amfState implements the around mean-field functional.
func amfState(density gf.MatrixSet, occ map[gf.BlockLabel]float64, total, u, j float64, nOrb int) State {
	pot := gf.MatrixSet{}
	energy := 0.5 * u * total * total
	for lbl, m := range density {
		mean := occ[lbl] / float64(nOrb)
		v := u*(total-mean) - j*(occ[lbl]-mean)
		pot[lbl] = scalarMatrix(m, v)
		energy -= 0.5 * (u + float64(nOrb-1)*j) / float64(nOrb) * occ[lbl] * occ[lbl]
	}
	return State{Potential: pot, Energy: energy}
}

// heldAverage is the orbitally averaged Coulomb interaction of the Held
// functional.
func heldAverage(u, j float64, nOrb int) float64 {
	if nOrb <= 0 {
		return u
	}
	n := float64(nOrb)
	return (u + (n-1)*(u-2*j) + (n-1)*(u-3*j)) / (2*n - 1)
}

func nominalEnergy(p Params, measured float64, nOrb int) float64 {
	switch p.Formula {
	case FormulaHeld:
		uav := heldAverage(p.U, p.J, nOrb)
		return 0.5 * uav * measured * (measured - 1)
	case FormulaFLLEgOnly:
		return 0.5 * (p.U - p.J) * measured * (measured - 1)
	default:
		return 0.5 * p.U * measured * (measured - 1)
	}
}

// staticInteraction extracts the zero-frequency interaction strength
// from a screened kernel. The quasiparticle variant extrapolates the
// lowest Matsubara points to zero frequency instead of taking the first
// point directly.
func staticInteraction(kernel *gf.BlockFunction, extrapolate bool) (float64, error) {
	msh := kernel.Mesh()
	if msh.Len() == 0 {
		return 0, fmt.Errorf("screened interaction kernel has an empty mesh")
	}
	// Lowest positive frequencies, ordered by |omega|.
	type pt struct {
		w float64
		u float64
	}
	var pts []pt
	for i := 0; i < msh.Len(); i++ {
		w := imag(msh.Point(i))
		if w <= 0 {
			continue
		}
		pts = append(pts, pt{w: w, u: avgDiagReal(kernel, i)})
	}
	if len(pts) == 0 {
		return 0, fmt.Errorf("screened interaction kernel has no positive frequencies")
	}
	// Points arrive ordered in the mesh; the first positive one is the
	// smallest.
	if !extrapolate || len(pts) < 2 {
		return pts[0].u, nil
	}
	// Linear extrapolation in omega^2, matching the even low-frequency
	// behavior of a bosonic kernel.
	w0, w1 := pts[0].w*pts[0].w, pts[1].w*pts[1].w
	u0, u1 := pts[0].u, pts[1].u
	return u0 - w0*(u1-u0)/(w1-w0), nil
}

func avgDiagReal(kernel *gf.BlockFunction, fi int) float64 {
	sum := 0.0
	count := 0
	for _, blk := range kernel.Blocks() {
		for o := 0; o < blk.Dim; o++ {
			sum += real(blk.Data[fi].At(o, o))
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// dynamicResidual is the kernel with its static value removed, kept for
// later frequency-dependent treatment downstream.
func dynamicResidual(kernel *gf.BlockFunction, static float64) *gf.BlockFunction {
	res := kernel.Copy()
	for _, blk := range res.Blocks() {
		for _, m := range blk.Data {
			for o := 0; o < blk.Dim; o++ {
				m.Set(o, o, m.At(o, o)-complex(static, 0))
			}
		}
	}
	return res
}

// applyOrbShifts adds one scalar per orbital of the site, the same
// shift landing on every spin channel. Within a channel the shifts are
// consumed in block label order then orbital order.
func applyOrbShifts(site int, pot gf.MatrixSet, shifts []float64) error {
	channels := make(map[gf.Spin][]gf.BlockLabel)
	for _, lbl := range sortedLabels(pot) {
		channels[lbl.Spin] = append(channels[lbl.Spin], lbl)
	}
	for _, labels := range channels {
		want := 0
		for _, lbl := range labels {
			r, _ := pot[lbl].Dims()
			want += r
		}
		if len(shifts) != want {
			return &ShiftCountMismatchError{Site: site, Want: want, Got: len(shifts)}
		}
		next := 0
		for _, lbl := range labels {
			m := pot[lbl]
			r, _ := m.Dims()
			for o := 0; o < r; o++ {
				m.Set(o, o, m.At(o, o)+complex(shifts[next], 0))
				next++
			}
		}
	}
	return nil
}

func sortedLabels(set gf.MatrixSet) []gf.BlockLabel {
	labels := make([]gf.BlockLabel, 0, len(set))
	for lbl := range set {
		labels = append(labels, lbl)
	}
	for i := 1; i < len(labels); i++ {
		for j := i; j > 0 && labels[j].String() < labels[j-1].String(); j-- {
			labels[j], labels[j-1] = labels[j-1], labels[j]
		}
	}
	return labels
}

func scalarState(density gf.MatrixSet, v, energy float64) State {
	pot := gf.MatrixSet{}
	for lbl, m := range density {
		pot[lbl] = scalarMatrix(m, v)
	}
	return State{Potential: pot, Energy: energy}
}

func scalarMatrix(like *mat.CDense, v float64) *mat.CDense {
	r, ch := like.Dims()
	out := mat.NewCDense(r, ch, nil)
	for i := 0; i < r; i++ {
		out.Set(i, i, complex(v, 0))
	}
	return out
}

func scaleInPlace(m *mat.CDense, f complex128) {
	r, ch := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < ch; j++ {
			m.Set(i, j, f*m.At(i, j))
		}
	}
}

func traceC(m *mat.CDense) complex128 {
	r, _ := m.Dims()
	var t complex128
	for i := 0; i < r; i++ {
		t += m.At(i, i)
	}
	return t
}
