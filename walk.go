package asdf

// Walk is the minimal tree-walking utility spec.md §1 names as out of scope (a general walker
// is a collaborator concern) but §4.5/§4.9 both need a concrete one internally. It performs a
// bottom-up rewrite of node: children are walked first, then fn is called on the (possibly
// rewritten) node itself, and fn's return value replaces it in the parent. visited guards
// against reference cycles (spec.md §9 "Reference cycles"): *Mapping and *Sequence pointers are
// tracked by identity, and re-entering one already on the current path returns it unchanged
// rather than recursing.
func Walk(node Node, fn func(Node) (Node, error)) (Node, error) {
	return walk(node, map[interface{}]bool{}, fn)
}

func walk(node Node, visited map[interface{}]bool, fn func(Node) (Node, error)) (Node, error) {
	switch n := node.(type) {
	case *Mapping:
		if visited[n] {
			return n, nil
		}
		visited[n] = true
		defer delete(visited, n)

		out := &Mapping{Keys: append([]string(nil), n.Keys...), Values: make([]Node, len(n.Values)), Tag: n.Tag, FlowStyle: n.FlowStyle}
		for i, v := range n.Values {
			rewritten, err := walk(v, visited, fn)
			if err != nil {
				return nil, err
			}
			out.Values[i] = rewritten
		}
		return fn(out)

	case *Sequence:
		if visited[n] {
			return n, nil
		}
		visited[n] = true
		defer delete(visited, n)

		out := &Sequence{Items: make([]Node, len(n.Items)), FlowStyle: n.FlowStyle}
		for i, v := range n.Items {
			rewritten, err := walk(v, visited, fn)
			if err != nil {
				return nil, err
			}
			out.Items[i] = rewritten
		}
		return fn(out)

	default:
		// Scalar, *ArrayRef, *Reference, or nil: leaves, no children to recurse into.
		return fn(node)
	}
}
