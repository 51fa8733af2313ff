package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PerSite holds a value that may be given once for all impurity sites or
// as a list with exactly one entry per site. A scalar in the YAML
// document broadcasts; a sequence must match the site count exactly.
type PerSite[T any] struct {
	values    []T
	broadcast bool
}

// Single wraps one value as a broadcast PerSite.
func Single[T any](v T) PerSite[T] {
	return PerSite[T]{values: []T{v}, broadcast: true}
}

// List wraps an explicit per-site list.
func List[T any](vs ...T) PerSite[T] {
	return PerSite[T]{values: vs}
}

// UnmarshalYAML accepts either a scalar or a sequence node.
func (p *PerSite[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var vs []T
		if err := node.Decode(&vs); err != nil {
			return err
		}
		p.values = vs
		p.broadcast = false
		return nil
	}
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	p.values = []T{v}
	p.broadcast = true
	return nil
}

// IsSet reports whether any value was provided.
func (p PerSite[T]) IsSet() bool { return len(p.values) > 0 }

// Resolve expands the container to one value per site. A broadcast value
// is repeated; a list must have exactly nSites entries. An unset
// container resolves to nil.
func (p PerSite[T]) Resolve(nSites int) ([]T, error) {
	if len(p.values) == 0 {
		return nil, nil
	}
	if p.broadcast {
		out := make([]T, nSites)
		for i := range out {
			out[i] = p.values[0]
		}
		return out, nil
	}
	if len(p.values) != nSites {
		return nil, fmt.Errorf("per-site list has %d entries for %d sites", len(p.values), nSites)
	}
	out := make([]T, nSites)
	copy(out, p.values)
	return out, nil
}

// ResolveDefault expands like Resolve but fills an unset container with
// the given default on every site.
func (p PerSite[T]) ResolveDefault(nSites int, def T) ([]T, error) {
	if len(p.values) == 0 {
		out := make([]T, nSites)
		for i := range out {
			out[i] = def
		}
		return out, nil
	}
	return p.Resolve(nSites)
}
