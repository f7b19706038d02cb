package asdf

import (
	"fmt"
	"io"
	"net/url"

	lru "github.com/hashicorp/golang-lru"
	"gopkg.in/yaml.v3"
)

// Schema is the parsed form of a loaded JSON-Schema document. The validator itself (structural
// checking against a schema) is the out-of-scope collaborator spec.md §1 names; Schema here is
// deliberately thin — raw bytes plus whatever minimal structure defaultValidator needs to find a
// "default" keyword per property, since full JSON-Schema authoring is a Non-goal.
type Schema struct {
	URL      string
	Raw      []byte
	Defaults map[string]interface{} // property name -> default value, parsed lazily by loadSchema
}

// SchemaValidator is the C9 collaborator interface: given a tag and the node it was applied to,
// validate the node (optionally filling in or stripping default property values per spec.md §9's
// "swap the properties validator" strategy).
type SchemaValidator interface {
	Validate(tag string, node Node) error
}

// TagToSchemaResolver maps a YAML tag to the schema URL C9 should load and validate against.
type TagToSchemaResolver func(tag string) (string, error)

// SchemaMode selects the default-fill/remove-default strategy spec.md §9 describes as "a
// strategy parameter on the validator factory rather than hidden state".
type SchemaMode int

const (
	SchemaModeValidateOnly SchemaMode = iota
	SchemaModeFillDefaults
	SchemaModeRemoveDefaults
)

// defaultValidator is the Schema/Validator Bridge's built-in SchemaValidator: it loads schemas
// via a Stream-backed fetch (C1), caches them by post-resolver URL, and in FillDefaults/
// RemoveDefaults mode mutates Mapping nodes in place. External $ref nodes inside a schema are not
// followed — a known limitation carried over verbatim from spec.md §4.9.
type defaultValidator struct {
	resolver TagToSchemaResolver
	cache    *lru.Cache
	mode     SchemaMode
	fetch    func(url string) ([]byte, error)

	visiting map[interface{}]bool // cycle guard, per spec.md §9/Invariant 7
}

// NewDefaultValidator returns a SchemaValidator backed by an LRU schema cache of the given
// capacity (0 uses a reasonable default), resolving tags to schema URLs via resolver and
// fetching schema bytes via fetchSchemaBytes, which understands file:// and http(s):// URLs
// through C1's stream backends.
func NewDefaultValidator(resolver TagToSchemaResolver, mode SchemaMode, cacheSize int) (SchemaValidator, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &defaultValidator{
		resolver: resolver,
		cache:    c,
		mode:     mode,
		fetch:    fetchSchemaBytes,
		visiting: make(map[interface{}]bool),
	}, nil
}

func (v *defaultValidator) Validate(tag string, node Node) error {
	if v.visiting[node] {
		return nil // cycle: already validating this node on the current path
	}
	v.visiting[node] = true
	defer delete(v.visiting, node)

	// validate_tag: a node that carries its own tag (an extension-defined *Mapping; ArrayRef/
	// Reference always carry exactly the tag being checked) must agree with the tag the schema
	// was resolved from, per the original's "mismatched tags" check.
	if instTag := tagForNode(node); instTag != "" && instTag != tag {
		return fmt.Errorf("asdf: mismatched tags, wanted %q, got %q", tag, instTag)
	}

	if tag == "" || v.resolver == nil {
		return nil
	}
	schema, err := v.loadSchema(tag)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	m, ok := node.(*Mapping)
	if !ok {
		return nil // schema defaults only apply to mapping nodes
	}
	switch v.mode {
	case SchemaModeFillDefaults:
		for prop, def := range schema.Defaults {
			if _, present := m.Get(prop); !present {
				m.Set(prop, &Scalar{Value: def})
			}
		}
	case SchemaModeRemoveDefaults:
		for prop, def := range schema.Defaults {
			if val, present := m.Get(prop); present {
				if s, ok := val.(*Scalar); ok && s.Value == def {
					m.Delete(prop)
				}
			}
		}
	}
	return nil
}

func (v *defaultValidator) loadSchema(tag string) (*Schema, error) {
	schemaURL, err := v.resolver(tag)
	if err != nil {
		return nil, err
	}
	if schemaURL == "" {
		return nil, nil
	}
	if cached, ok := v.cache.Get(schemaURL); ok {
		return cached.(*Schema), nil
	}

	raw, err := v.fetch(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("asdf: loading schema %s: %w", schemaURL, err)
	}
	schema := &Schema{URL: schemaURL, Raw: raw, Defaults: parseSchemaDefaults(raw)}
	v.cache.Add(schemaURL, schema)
	return schema, nil
}

// fetchSchemaBytes loads a schema document's raw bytes from a file:// or http(s):// URL via C1.
func fetchSchemaBytes(schemaURL string) ([]byte, error) {
	u, err := url.Parse(schemaURL)
	if err != nil {
		return nil, err
	}

	var s Stream
	switch u.Scheme {
	case "", "file":
		s, err = OpenFileStream(u.Path, false)
	case "http", "https":
		s, err = OpenHTTPStream(schemaURL)
	default:
		return nil, fmt.Errorf("asdf: unsupported schema URL scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return io.ReadAll(asReader(s))
}

// asReader adapts a Stream (which has no bounded io.Reader semantics by itself beyond Read) to
// io.ReadAll's expectations; Stream already satisfies io.Reader, this just documents the intent
// at the call site.
func asReader(s Stream) io.Reader { return s }

// parseSchemaDefaults extracts top-level "properties.<name>.default" values from a minimal JSON
// Schema document. Full JSON-Schema parsing is out of scope (spec.md §1 Non-goals); this covers
// the one shape fill_defaults/remove_defaults needs.
func parseSchemaDefaults(raw []byte) map[string]interface{} {
	var doc struct {
		Properties map[string]struct {
			Default interface{} `yaml:"default"`
		} `yaml:"properties"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	out := make(map[string]interface{})
	for name, p := range doc.Properties {
		if p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}
