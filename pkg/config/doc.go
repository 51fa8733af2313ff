// Package config loads and validates dysonloop job configurations.
//
// A job is described by a single YAML document. Struct-tag validation
// (go-playground/validator) catches malformed fields; Loader.Validate
// additionally runs the cross-field checks and expands every per-site
// list once so that a `dysonloop validate` pass guarantees the engine
// setup cannot fail on the same input.
//
// Values that vary by impurity site use the PerSite container: a scalar
// in the document broadcasts to all sites, a sequence must carry exactly
// one entry per site. There is no partial broadcasting.
//
//	solver:
//	  type: cthyb        # every site
//	  u: [4.0, 4.0, 2.5] # one per site
package config
