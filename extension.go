package asdf

// Extension is the tag-driven custom-type registry spec.md §1 names as an out-of-scope
// collaborator: only its interface matters here, since authoring new tags is a caller concern.
// An Extension binds one YAML tag (e.g. "tag:stsci.edu:asdf/core/ndarray-1.0.0") to a schema URL
// and a set of hooks invoked by the Tagged Tree Bridge.
type Extension interface {
	// Tag returns the YAML tag this extension handles.
	Tag() string
	// SchemaURL returns the schema URL C9 should validate tagged nodes against, or "" if this
	// tag carries no schema (e.g. ndarray, validated structurally instead).
	SchemaURL() string
}

// HookName identifies one of the four bridge hook points named in spec.md §4.5/§9.
type HookName string

const (
	HookPreWrite       HookName = "pre_write"
	HookPostWrite      HookName = "post_write"
	HookPostRead       HookName = "post_read"
	HookCopyToNewAsdf  HookName = "copy_to_new_asdf"
)

// HookFunc may replace node with another node (returning a non-nil replacement), or return node
// unchanged. The walker rebuilds the tree bottom-up from whatever each hook returns, per
// spec.md §4.5 ("a modifying hook is allowed to return a replacement node").
type HookFunc func(node Node, file *Engine) (Node, error)

// ExtensionRegistry is "a small registry of {tag -> {hook_name -> function}}" per spec.md §9.
type ExtensionRegistry struct {
	extensions map[string]Extension
	hooks      map[string]map[HookName]HookFunc
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{
		extensions: make(map[string]Extension),
		hooks:      make(map[string]map[HookName]HookFunc),
	}
}

// Register installs ext under its own tag, overwriting any prior extension for that tag.
func (r *ExtensionRegistry) Register(ext Extension) {
	r.extensions[ext.Tag()] = ext
}

// RegisterHook installs fn as tag's hook for name, overwriting any prior hook of that name.
func (r *ExtensionRegistry) RegisterHook(tag string, name HookName, fn HookFunc) {
	m, ok := r.hooks[tag]
	if !ok {
		m = make(map[HookName]HookFunc)
		r.hooks[tag] = m
	}
	m[name] = fn
}

// Lookup returns the extension registered for tag, if any.
func (r *ExtensionRegistry) Lookup(tag string) (Extension, bool) {
	ext, ok := r.extensions[tag]
	return ext, ok
}

// runHook invokes tag's hook named name on node, if one is registered; otherwise node is
// returned unchanged.
func (r *ExtensionRegistry) runHook(tag string, name HookName, node Node, file *Engine) (Node, error) {
	m, ok := r.hooks[tag]
	if !ok {
		return node, nil
	}
	fn, ok := m[name]
	if !ok {
		return node, nil
	}
	return fn(node, file)
}
