package asdf

// Node is any domain-tree value produced by the Tagged Tree Bridge (C5): *Mapping, *Sequence,
// Scalar, *ArrayRef, or *Reference. Go has no sum type, so dispatch is a type switch at each
// walker/hook site, mirroring spec.md §3's "DAG of domain values".
type Node interface{}

// Mapping is an ordered string-keyed node, per spec.md §3 ("mappings (ordered)"). A plain Go
// map would lose the YAML key order on round-trip, so keys and values are kept as parallel
// slices rather than a map[string]Node.
type Mapping struct {
	Keys   []string
	Values []Node

	// Tag is the mapping's own YAML tag when it was read from (or is destined for) an
	// extension-defined type rather than a plain "!!map", e.g. "tag:stsci.edu:asdf/core/asdf-1.0.0".
	// Empty for an ordinary untagged mapping. Schema/Validator Bridge compares this against the
	// tag a schema was resolved from, per the original's "mismatched tags" check.
	Tag string
	// FlowStyle requests YAML flow ("{a: 1, b: 2}") rather than block output, mirroring the
	// original schema's flowStyle extension keyword.
	FlowStyle bool
}

// NewMapping returns an empty ordered mapping.
func NewMapping() *Mapping { return &Mapping{} }

// Get returns the value bound to key and whether it was present.
func (m *Mapping) Get(key string) (Node, bool) {
	for i, k := range m.Keys {
		if k == key {
			return m.Values[i], true
		}
	}
	return nil, false
}

// Set inserts or replaces key's value, preserving first-insertion order.
func (m *Mapping) Set(key string, value Node) {
	for i, k := range m.Keys {
		if k == key {
			m.Values[i] = value
			return
		}
	}
	m.Keys = append(m.Keys, key)
	m.Values = append(m.Values, value)
}

// Delete removes key if present, shifting later entries down to preserve order.
func (m *Mapping) Delete(key string) {
	for i, k := range m.Keys {
		if k == key {
			m.Keys = append(m.Keys[:i], m.Keys[i+1:]...)
			m.Values = append(m.Values[:i], m.Values[i+1:]...)
			return
		}
	}
}

// Sequence is an ordered list node.
type Sequence struct {
	Items []Node

	// FlowStyle requests YAML flow ("[1, 2, 3]") rather than block output, mirroring the
	// original schema's flowStyle extension keyword.
	FlowStyle bool
}

// NewSequence returns a sequence wrapping items.
func NewSequence(items ...Node) *Sequence { return &Sequence{Items: items} }

// Scalar wraps a leaf value: string, int64, float64, bool, or nil, matching what yaml.v3
// decodes a plain scalar node into.
type Scalar struct {
	Value interface{}

	// Style requests a specific YAML scalar presentation ("literal", "folded", "quoted",
	// "dquoted", or "" for the default), mirroring the original schema's style extension keyword.
	Style string
}

// Reference is an unresolved JSON-reference placeholder (spec.md §3's "externally-referenced
// nodes"). URI is the raw $ref string, possibly with a "#/json/pointer" fragment; Resolved is
// filled in by ResolveReferences and nil until then.
type Reference struct {
	URI      string
	Resolved Node
}
