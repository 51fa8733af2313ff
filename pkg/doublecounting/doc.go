// Package doublecounting computes the correction subtracted from the bare
// lattice potential to avoid counting interaction effects twice. It
// supports the standard static functionals, a fixed-value and a
// fixed-occupation mode, dynamic-interaction derived forms, and the
// post-processing hooks (nominal correction, global rescaling,
// orbital-resolved shifts) applied in a fixed order after the base
// formula.
package doublecounting
