package asdf

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ndarrayTag identifies the array node shape spec.md §6 describes: "{source: <index|uri|
// #inline>} plus dtype/shape/strides/offset". yaml.v3's *yaml.Node already carries a Tag field
// per node, so it serves directly as the "tagged intermediate tree" spec.md §4.5 names — no
// separate intermediate representation is needed beyond it.
const ndarrayTag = "tag:stsci.edu:asdf/core/ndarray-1.0.0"

// refTag marks a node as an unresolved JSON reference: {"$ref": "uri#/pointer"}.
const refTag = "tag:stsci.edu:asdf/core/reference-1.0.0"

// taggedToCustom converts a parsed YAML document (tagged *yaml.Node tree) into the domain Node
// tree, per spec.md §4.5. file supplies the BlockManager (to resolve "source" indices) and the
// extension registry (for post_read hooks).
func taggedToCustom(tagged *yaml.Node, file *Engine) (Node, error) {
	if tagged == nil {
		return nil, nil
	}
	if tagged.Kind == yaml.DocumentNode {
		if len(tagged.Content) == 0 {
			return nil, nil
		}
		return taggedToCustom(tagged.Content[0], file)
	}

	switch tagged.Kind {
	case yaml.MappingNode:
		if tagged.Tag == ndarrayTag {
			return taggedToArrayRef(tagged, file)
		}
		if ref, ok := mappingRefField(tagged); ok {
			return &Reference{URI: ref}, nil
		}

		m := NewMapping()
		if tagged.Tag != "" && tagged.Tag != "!!map" {
			m.Tag = tagged.Tag
		}
		m.FlowStyle = tagged.Style&yaml.FlowStyle != 0
		for i := 0; i+1 < len(tagged.Content); i += 2 {
			key := tagged.Content[i].Value
			val, err := taggedToCustom(tagged.Content[i+1], file)
			if err != nil {
				return nil, err
			}
			m.Set(key, val)
		}
		return runPostRead(tagged.Tag, m, file)

	case yaml.SequenceNode:
		seq := NewSequence()
		seq.FlowStyle = tagged.Style&yaml.FlowStyle != 0
		for _, c := range tagged.Content {
			val, err := taggedToCustom(c, file)
			if err != nil {
				return nil, err
			}
			seq.Items = append(seq.Items, val)
		}
		return runPostRead(tagged.Tag, seq, file)

	case yaml.ScalarNode:
		var v interface{}
		if err := tagged.Decode(&v); err != nil {
			return nil, fmt.Errorf("asdf: decoding scalar at line %d: %w", tagged.Line, err)
		}
		return &Scalar{Value: v, Style: scalarStyleName(tagged.Style)}, nil

	case yaml.AliasNode:
		return taggedToCustom(tagged.Alias, file)

	default:
		return nil, fmt.Errorf("asdf: unsupported yaml node kind %d", tagged.Kind)
	}
}

func runPostRead(tag string, node Node, file *Engine) (Node, error) {
	if file == nil || file.extensions == nil || tag == "" {
		return node, nil
	}
	return file.extensions.runHook(tag, HookPostRead, node, file)
}

// mappingRefField reports whether tagged is a single-key {"$ref": "..."} mapping, the JSON
// Reference convention spec.md §3 calls an "unresolved $ref placeholder".
func mappingRefField(tagged *yaml.Node) (string, bool) {
	if len(tagged.Content) != 2 {
		return "", false
	}
	if tagged.Content[0].Value != "$ref" {
		return "", false
	}
	return tagged.Content[1].Value, true
}

// taggedToArrayRef builds an ArrayRef from an ndarray-tagged mapping node's fields.
func taggedToArrayRef(tagged *yaml.Node, file *Engine) (Node, error) {
	fields := map[string]*yaml.Node{}
	for i := 0; i+1 < len(tagged.Content); i += 2 {
		fields[tagged.Content[i].Value] = tagged.Content[i+1]
	}

	dtype := scalarString(fields["datatype"])
	byteorder := scalarString(fields["byteorder"])
	if byteorder == "" {
		byteorder = "little"
	}
	shape, err := scalarIntSlice(fields["shape"])
	if err != nil {
		return nil, fmt.Errorf("asdf: ndarray shape: %w", err)
	}
	offset, _ := scalarInt64(fields["offset"])
	strides, err := scalarIntSlice(fields["strides"])
	if err != nil {
		return nil, fmt.Errorf("asdf: ndarray strides: %w", err)
	}

	h := newArrayHandle()
	h.refs = 1
	a := &ArrayRef{handle: h, DType: dtype, Shape: shape, ByteOrder: byteorder, ByteOffset: offset}
	if strides != nil {
		a.Strides = strides
	} else {
		a.Strides = defaultStrides(shape, dtypeSize(dtype))
	}

	source := fields["source"]
	switch {
	case source != nil && source.Tag == "!!int":
		idx, _ := scalarInt64(source)
		if file == nil || file.blocks == nil {
			return nil, ErrNotOpen
		}
		b, err := file.blocks.Get(int(idx))
		if err != nil {
			return nil, err
		}
		h.storage = Internal
		h.block = b
		h.compression = b.Compression
		file.blocks.bindHandle(h, b)
	case source != nil && source.Tag == "!!str":
		h.storage = External
		h.sourceURI = source.Value
	case fields["data"] != nil:
		data, err := decodeInlineData(fields["data"], dtype)
		if err != nil {
			return nil, err
		}
		h.storage = Inline
		h.inlineData = data
	default:
		return nil, fmt.Errorf("asdf: ndarray node has neither source nor data")
	}

	return runPostRead(tagged.Tag, a, file)
}

func scalarString(n *yaml.Node) string {
	if n == nil {
		return ""
	}
	return n.Value
}

func scalarInt64(n *yaml.Node) (int64, error) {
	if n == nil {
		return 0, nil
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func scalarIntSlice(n *yaml.Node) ([]int, error) {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil, nil
	}
	out := make([]int, len(n.Content))
	for i, c := range n.Content {
		v, err := strconv.Atoi(c.Value)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// decodeInlineData parses an Inline ndarray's "data" field (a nested YAML sequence of scalar
// element values, per spec.md §3's "serialized into the YAML region as a nested sequence") into
// raw little-endian bytes of the given dtype. Nesting beyond one flat dimension is flattened in
// traversal order; the array's own Shape/Strides describe how to reinterpret the flat bytes.
func decodeInlineData(n *yaml.Node, dtype string) ([]byte, error) {
	var values []float64
	var flatten func(*yaml.Node) error
	flatten = func(cur *yaml.Node) error {
		if cur.Kind == yaml.SequenceNode {
			for _, c := range cur.Content {
				if err := flatten(c); err != nil {
					return err
				}
			}
			return nil
		}
		f, err := strconv.ParseFloat(cur.Value, 64)
		if err != nil {
			return err
		}
		values = append(values, f)
		return nil
	}
	if err := flatten(n); err != nil {
		return nil, fmt.Errorf("asdf: inline ndarray data: %w", err)
	}
	return encodeScalars(values, dtype), nil
}

// customToTagged converts a domain Node tree into a *yaml.Node document ready for serialization,
// per spec.md §4.5. Block "source" indices are written as pending placeholders (the real values
// are assigned by BlockManager.Finalize after this pass, per the Update Planner's two-phase
// serialize-then-finalize protocol in spec.md §4.6 step 1-2); refCount returns R, the number of
// Internal/External ndarray nodes encountered, for the H-budget calculation.
func customToTagged(tree Node, file *Engine) (doc *yaml.Node, refCount int, err error) {
	if file != nil {
		file.startLiveScan()
	}
	body, n, err := customToTaggedNode(tree, file)
	if err != nil {
		return nil, 0, err
	}
	doc = &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{body}}
	return doc, n, nil
}

func customToTaggedNode(node Node, file *Engine) (*yaml.Node, int, error) {
	if file != nil && file.extensions != nil {
		if tag := tagForNode(node); tag != "" {
			replaced, err := file.extensions.runHook(tag, HookPreWrite, node, file)
			if err != nil {
				return nil, 0, err
			}
			node = replaced
		}
	}

	switch v := node.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}, 0, nil

	case *Mapping:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: v.Tag}
		if v.FlowStyle {
			out.Style = yaml.FlowStyle
		}
		total := 0
		for i, k := range v.Keys {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
			valNode, n, err := customToTaggedNode(v.Values[i], file)
			if err != nil {
				return nil, 0, err
			}
			out.Content = append(out.Content, keyNode, valNode)
			total += n
		}
		return out, total, nil

	case *Sequence:
		out := &yaml.Node{Kind: yaml.SequenceNode}
		if v.FlowStyle {
			out.Style = yaml.FlowStyle
		}
		total := 0
		for _, item := range v.Items {
			itemNode, n, err := customToTaggedNode(item, file)
			if err != nil {
				return nil, 0, err
			}
			out.Content = append(out.Content, itemNode)
			total += n
		}
		return out, total, nil

	case *Scalar:
		out := &yaml.Node{}
		if err := out.Encode(v.Value); err != nil {
			return nil, 0, err
		}
		out.Style = scalarStyleFromName(v.Style)
		return out, 0, nil

	case *Reference:
		out := &yaml.Node{
			Kind: yaml.MappingNode,
			Tag:  refTag,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Value: "$ref"},
				{Kind: yaml.ScalarNode, Value: v.URI},
			},
		}
		return out, 0, nil

	case *ArrayRef:
		return arrayRefToTagged(v, file)

	default:
		return nil, 0, fmt.Errorf("asdf: cannot serialize node of type %T", node)
	}
}

func tagForNode(node Node) string {
	switch v := node.(type) {
	case *ArrayRef:
		return ndarrayTag
	case *Reference:
		return refTag
	case *Mapping:
		return v.Tag
	default:
		return ""
	}
}

// scalarStyleName maps a yaml.v3 scalar presentation style to the original schema's style
// extension-keyword vocabulary, for round-tripping through Scalar.Style.
func scalarStyleName(style yaml.Style) string {
	switch {
	case style&yaml.LiteralStyle != 0:
		return "literal"
	case style&yaml.FoldedStyle != 0:
		return "folded"
	case style&yaml.DoubleQuotedStyle != 0:
		return "dquoted"
	case style&yaml.SingleQuotedStyle != 0:
		return "quoted"
	default:
		return ""
	}
}

// scalarStyleFromName is the inverse of scalarStyleName, used when serializing a Scalar back out.
func scalarStyleFromName(name string) yaml.Style {
	switch name {
	case "literal":
		return yaml.LiteralStyle
	case "folded":
		return yaml.FoldedStyle
	case "dquoted":
		return yaml.DoubleQuotedStyle
	case "quoted":
		return yaml.SingleQuotedStyle
	default:
		return 0
	}
}

func arrayRefToTagged(a *ArrayRef, file *Engine) (*yaml.Node, int, error) {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: ndarrayTag}
	add := func(key string, val *yaml.Node) {
		out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, val)
	}

	refCount := 0
	switch a.handle.storage {
	case Internal:
		if file == nil || file.blocks == nil {
			return nil, 0, ErrNotOpen
		}
		b, err := file.blocks.Register(a)
		if err != nil {
			return nil, 0, err
		}
		file.recordLive(b)

		idxStr := "0" // placeholder until BlockManager.Finalize assigns the real ordinal index
		if src, err := file.blocks.GetSource(b); err == nil {
			if idx, ok := src.(int); ok {
				idxStr = strconv.Itoa(idx)
			}
		}
		add("source", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: idxStr})
		refCount++
	case External:
		if file == nil || file.blocks == nil {
			return nil, 0, ErrNotOpen
		}
		b, err := file.blocks.Register(a)
		if err != nil {
			return nil, 0, err
		}
		file.recordLive(b)

		uri := a.handle.sourceURI // placeholder/pre-existing URI until Finalize assigns the real one
		if src, err := file.blocks.GetSource(b); err == nil {
			if u, ok := src.(string); ok && u != "" {
				uri = u
			}
		}
		add("source", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: uri})
		refCount++
	case Inline:
		add("data", encodeInlineData(a.handle.inlineData, a.DType))
	}

	add("datatype", &yaml.Node{Kind: yaml.ScalarNode, Value: a.DType})
	shapeNode := &yaml.Node{Kind: yaml.SequenceNode}
	for _, d := range a.Shape {
		shapeNode.Content = append(shapeNode.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: strconv.Itoa(d)})
	}
	add("shape", shapeNode)
	add("byteorder", &yaml.Node{Kind: yaml.ScalarNode, Value: a.ByteOrder})
	if a.ByteOffset != 0 {
		add("offset", &yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatInt(a.ByteOffset, 10)})
	}

	return out, refCount, nil
}

// encodeInlineData serializes raw bytes into a flat YAML sequence of scalar values per dtype,
// the inverse of decodeInlineData.
func encodeInlineData(data []byte, dtype string) *yaml.Node {
	values := decodeScalars(data, dtype)
	out := &yaml.Node{Kind: yaml.SequenceNode}
	for _, v := range values {
		n := &yaml.Node{}
		n.Encode(v)
		out.Content = append(out.Content, n)
	}
	return out
}

// decodeScalars reinterprets raw bytes as a flat slice of float64 values per dtype's element
// width, for Inline (de)serialization. Byte order is always little-endian here; real byteorder
// handling for Internal/External blocks lives at the block-payload level, not this YAML-facing
// inline path.
func decodeScalars(data []byte, dtype string) []float64 {
	size := dtypeSize(dtype)
	if size == 0 {
		size = 1
	}
	n := len(data) / size
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, readElement(data[i*size:(i+1)*size], dtype))
	}
	return out
}

func encodeScalars(values []float64, dtype string) []byte {
	size := dtypeSize(dtype)
	if size == 0 {
		size = 1
	}
	out := make([]byte, len(values)*size)
	for i, v := range values {
		writeElement(out[i*size:(i+1)*size], v, dtype)
	}
	return out
}

func readElement(b []byte, dtype string) float64 {
	var u uint64
	for i, x := range b {
		u |= uint64(x) << (8 * i)
	}
	switch dtype {
	case "float32":
		return float64(math.Float32frombits(uint32(u)))
	case "float64":
		return math.Float64frombits(u)
	case "int8", "int16", "int32", "int64":
		shift := 64 - 8*len(b)
		return float64(int64(u<<shift) >> shift)
	default:
		return float64(u)
	}
}

func writeElement(b []byte, v float64, dtype string) {
	var u uint64
	switch dtype {
	case "float32":
		u = uint64(math.Float32bits(float32(v)))
	case "float64":
		u = math.Float64bits(v)
	case "int8", "int16", "int32", "int64":
		u = uint64(int64(v))
	default:
		u = uint64(v)
	}
	for i := range b {
		b[i] = byte(u >> (8 * i))
	}
}
