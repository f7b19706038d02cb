package asdf

import (
	"fmt"
	"strconv"
	"strings"
)

// ReferenceResolver is the JSON-reference resolution collaborator spec.md §1 names as out of
// scope: general $ref semantics (arbitrary pointer syntax, relative-ref edge cases) belong to a
// caller-supplied implementation. defaultResolver (DefaultReferenceResolver) below is a working default sufficient
// for the engine's own resolve_references/resolve_and_inline operations and for tests.
type ReferenceResolver interface {
	// Resolve looks up ref against root (the tree of the engine holding ref) and the External
	// Reference Cache, returning the referenced node.
	Resolve(ref *Reference, root Node, cache *ExternalCache) (Node, error)
}

// defaultResolver implements ReferenceResolver with a JSON Pointer navigator (RFC 6901) over
// Mapping/Sequence nodes, resolving external URIs through the External Reference Cache (C8).
type defaultResolver struct{}

// DefaultReferenceResolver is the resolver used when an engine is opened without one supplied.
var DefaultReferenceResolver ReferenceResolver = defaultResolver{}

func (defaultResolver) Resolve(ref *Reference, root Node, cache *ExternalCache) (Node, error) {
	uri, fragment := splitFragment(ref.URI)

	target := root
	if uri != "" {
		if cache == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedReference, ref.URI)
		}
		eng, err := cache.Resolve(uri)
		if err != nil {
			return nil, err
		}
		target = eng.tree
	}

	return resolvePointer(target, fragment)
}

// splitFragment splits a $ref string into its base URI and "#"-prefixed JSON Pointer fragment
// (fragment has its leading "#" stripped). A bare "#/a/b" has an empty URI, meaning "this tree".
func splitFragment(ref string) (uri, fragment string) {
	idx := strings.IndexByte(ref, '#')
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}

// resolvePointer navigates a JSON Pointer fragment (already stripped of its leading "#") into
// root, per RFC 6901's "~1" -> "/" and "~0" -> "~" token escaping.
func resolvePointer(root Node, fragment string) (Node, error) {
	fragment = strings.TrimPrefix(fragment, "/")
	if fragment == "" {
		return root, nil
	}

	cur := root
	for _, raw := range strings.Split(fragment, "/") {
		token := strings.NewReplacer("~1", "/", "~0", "~").Replace(raw)
		switch n := cur.(type) {
		case *Mapping:
			v, ok := n.Get(token)
			if !ok {
				return nil, fmt.Errorf("%w: no key %q", ErrUnresolvedReference, token)
			}
			cur = v
		case *Sequence:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(n.Items) {
				return nil, fmt.Errorf("%w: bad index %q", ErrUnresolvedReference, token)
			}
			cur = n.Items[idx]
		default:
			return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrUnresolvedReference, cur, token)
		}
	}
	return cur, nil
}

// navigatePath descends into root following path, a sequence of Mapping keys (string) and
// Sequence indices (int), the forward counterpart to resolvePointer's fragment navigation.
func navigatePath(root Node, path []interface{}) (Node, error) {
	cur := root
	for _, tok := range path {
		switch n := cur.(type) {
		case *Mapping:
			key, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("%w: expected string key, got %v", ErrUnresolvedReference, tok)
			}
			v, ok := n.Get(key)
			if !ok {
				return nil, fmt.Errorf("%w: no key %q", ErrUnresolvedReference, key)
			}
			cur = v
		case *Sequence:
			idx, ok := tok.(int)
			if !ok || idx < 0 || idx >= len(n.Items) {
				return nil, fmt.Errorf("%w: bad index %v", ErrUnresolvedReference, tok)
			}
			cur = n.Items[idx]
		default:
			return nil, fmt.Errorf("%w: cannot descend into %T at %v", ErrUnresolvedReference, cur, tok)
		}
	}
	return cur, nil
}

// encodeJSONPointer renders path as an RFC 6901 JSON Pointer fragment (without the leading "#"),
// the inverse of resolvePointer's token splitting.
func encodeJSONPointer(path []interface{}) string {
	var b strings.Builder
	esc := strings.NewReplacer("~", "~0", "/", "~1")
	for _, tok := range path {
		b.WriteByte('/')
		switch v := tok.(type) {
		case string:
			b.WriteString(esc.Replace(v))
		case int:
			b.WriteString(strconv.Itoa(v))
		}
	}
	return b.String()
}

// findReferences collects every unresolved *Reference reachable from root.
func findReferences(root Node) []*Reference {
	var out []*Reference
	Walk(root, func(n Node) (Node, error) {
		if ref, ok := n.(*Reference); ok && ref.Resolved == nil {
			out = append(out, ref)
		}
		return n, nil
	})
	return out
}
