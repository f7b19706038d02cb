package asdf_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/KarpelesLab/asdf"
	"github.com/google/go-cmp/cmp"
)

// arrayRefCompare lets cmp.Diff descend into *ArrayRef by its public shape (dtype, shape,
// strides, byte order) while ignoring the private block handle, which carries no domain meaning
// of its own and differs in identity between a pre-write and a post-reopen tree by construction.
var arrayRefCompare = cmp.Comparer(func(a, b *asdf.ArrayRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType &&
		a.ByteOrder == b.ByteOrder &&
		cmp.Equal(a.Shape, b.Shape) &&
		cmp.Equal(a.Strides, b.Strides)
})

// S1 — header rejection: garbage input fails with NotAsdf.
func TestOpenRejectsNonAsdfInput(t *testing.T) {
	s := asdf.OpenMemoryStream([]byte("What? This ain't no ASDF file"))
	_, err := asdf.Open(s, "")
	if err == nil {
		t.Fatal("Open succeeded on non-ASDF input")
	}
	if !errors.Is(err, asdf.ErrNotAsdf) {
		t.Errorf("Open error = %v, want ErrNotAsdf", err)
	}
}

// S2 — YAML without blocks, with trailing garbage after the end marker: open succeeds, tree
// decodes, block count is zero.
func TestOpenYamlWithoutBlocksTrailingGarbage(t *testing.T) {
	raw := "#ASDF 0.1.0\n%YAML 1.1\n%TAG ! tag:example.com,2020:asdf/0.1.0/\n--- !core/asdf\nfoo: bar\n...\nXXXXXXXX"
	s := asdf.OpenMemoryStream([]byte(raw))
	e, err := asdf.Open(s, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()

	if len(e.Blocks()) != 0 {
		t.Errorf("Blocks() = %d, want 0", len(e.Blocks()))
	}
	m, ok := e.Tree().(*asdf.Mapping)
	if !ok {
		t.Fatalf("Tree() = %T, want *Mapping", e.Tree())
	}
	v, ok := m.Get("foo")
	if !ok {
		t.Fatal("tree missing key \"foo\"")
	}
	sc, ok := v.(*asdf.Scalar)
	if !ok {
		t.Fatalf("\"foo\" = %T, want *Scalar", v)
	}
	if sc.Value != "bar" {
		t.Errorf("foo = %v, want \"bar\"", sc.Value)
	}
}

// S3 — block magic landing right at a stream buffer boundary still decodes correctly.
func TestOpenBlockOnBufferBoundary(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("#ASDF 1.0.0\n%YAML 1.1\n---\nfoo: bar\n")
	// Pad the YAML region with blank lines so its end marker finishes one byte before the 4KiB
	// read-chunk boundary genericReadUntil uses; the block magic then straddles that boundary.
	pad := 4096 - 1 - buf.Len() - len("...\n")
	buf.Write(bytes.Repeat([]byte{'\n'}, pad))
	buf.WriteString("...\n")

	dst := asdf.OpenMemoryStream(buf.Bytes())
	if err := dst.Seek(int64(buf.Len())); err != nil {
		t.Fatalf("Seek: %s", err)
	}

	b := &asdf.Block{Compression: asdf.CompressionNone}
	payload := bytes.Repeat([]byte{0x42}, 48)
	if err := asdf.EncodeBlock(dst, b, payload, 0, true); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}

	if err := dst.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}

	e, err := asdf.Open(dst, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()
	if len(e.Blocks()) != 1 {
		t.Errorf("Blocks() = %d, want 1", len(e.Blocks()))
	}
}

// S8 — writing an External array to an in-memory sink with no base URI fails with NoBaseUri.
func TestWriteToExternalWithoutBaseUriFails(t *testing.T) {
	src := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	e, err := asdf.Open(src, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()

	a := asdf.NewArrayRef("int64", []int{2}, "little", asdfScalarBytes(t, []float64{1, 2}, "int64"))
	if err := e.SetArrayStorage(a, asdf.External); err != nil {
		t.Fatalf("SetArrayStorage(External): %s", err)
	}
	root := asdf.NewMapping()
	root.Set("a", a)
	e.SetTree(root)

	dst := asdf.OpenMemoryStream(nil)
	if err := e.WriteTo(dst, ""); !errors.Is(err, asdf.ErrNoBaseUri) {
		t.Errorf("WriteTo with no base URI = %v, want ErrNoBaseUri", err)
	}
}

// S7 — mutating array content in place and calling Update recomputes the checksum; reopening
// with checksum validation enabled succeeds.
func TestUpdateRecomputesChecksumAfterMutation(t *testing.T) {
	src := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	e, err := asdf.Open(src, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	a := asdf.NewArrayRef("int64", []int{4}, "little", asdfScalarBytes(t, []float64{1, 2, 3, 4}, "int64"))
	root := asdf.NewMapping()
	root.Set("a", a)
	e.SetTree(root)

	file := asdf.OpenMemoryStream(nil)
	if err := e.WriteTo(file, ""); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if err := file.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	e2, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	m2 := e2.Tree().(*asdf.Mapping)
	arr, _ := m2.Get("a")
	ar := arr.(*asdf.ArrayRef)

	data, err := e2.ArrayData(ar)
	if err != nil {
		t.Fatalf("ArrayData: %s", err)
	}
	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0xFF // flip a byte in the first element
	if err := e2.SetArrayData(ar, mutated); err != nil {
		t.Fatalf("SetArrayData: %s", err)
	}

	if err := e2.Update(); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := e2.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if err := file.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	e3, err := asdf.Open(file, "", asdf.WithValidateChecksums(true))
	if err != nil {
		t.Fatalf("reopen with checksum validation: %s", err)
	}
	defer e3.Close()
}

// TestUpdateNotSeekableFails exercises spec.md §9's open question: NotSeekable is surfaced only
// when update() is actually called, not at open time.
func TestUpdateNotSeekableFails(t *testing.T) {
	inner := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	s := &writableNonSeekableStream{Stream: inner}

	e, err := asdf.Open(s, "")
	if err != nil {
		t.Fatalf("Open on a non-seekable stream should succeed: %s", err)
	}
	defer e.Close()

	if err := e.Update(); !errors.Is(err, asdf.ErrNotSeekable) {
		t.Errorf("Update on a non-seekable stream = %v, want ErrNotSeekable", err)
	}
}

// buildThreeArrayFile writes a file with three named int64 arrays, each Internal, padded per
// S4/S5/S6's "write with pad_blocks=true", and returns the bytes as a fresh stream at offset 0.
func buildThreeArrayFile(t *testing.T, a1, a2, a3 []float64) asdf.Stream {
	t.Helper()
	src := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	e, err := asdf.Open(src, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()

	root := asdf.NewMapping()
	root.Set("a1", asdf.NewArrayRef("int64", []int{len(a1)}, "little", asdfScalarBytes(t, a1, "int64")))
	root.Set("a2", asdf.NewArrayRef("int64", []int{len(a2)}, "little", asdfScalarBytes(t, a2, "int64")))
	root.Set("a3", asdf.NewArrayRef("int64", []int{len(a3)}, "little", asdfScalarBytes(t, a3, "int64")))
	e.SetTree(root)

	file := asdf.OpenMemoryStream(nil)
	if err := e.WriteTo(file, "", asdf.WithBlockPadding(64)); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}
	if err := file.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	return file
}

func readAllLen(t *testing.T, s asdf.Stream) int {
	t.Helper()
	if err := s.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	n, err := io.Copy(io.Discard, s)
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	return int(n)
}

func arange(n int, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * step
	}
	return out
}

func arrayValues(t *testing.T, e *asdf.Engine, root *asdf.Mapping, key string) []float64 {
	t.Helper()
	v, ok := root.Get(key)
	if !ok {
		t.Fatalf("mapping missing key %q", key)
	}
	ar, ok := v.(*asdf.ArrayRef)
	if !ok {
		t.Fatalf("%q = %T, want *ArrayRef", key, v)
	}
	data, err := e.ArrayData(ar)
	if err != nil {
		t.Fatalf("ArrayData(%q): %s", key, err)
	}
	return decodeInt64s(data)
}

func decodeInt64s(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		var u int64
		for j := 0; j < 8; j++ {
			u |= int64(data[i*8+j]) << (8 * j)
		}
		out[i] = float64(u)
	}
	return out
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// S4 — in-place update, no growth: deleting the middle array leaves the file size unchanged and
// the survivors' content intact. Also covers invariant 3 (post-update length bound).
func TestUpdateDeleteMiddleArrayNoGrowth(t *testing.T) {
	a1, a2, a3 := arange(64, 1), arange(64, 2), arange(64, 3)
	file := buildThreeArrayFile(t, a1, a2, a3)
	originalLen := readAllLen(t, file)

	e, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	root := e.Tree().(*asdf.Mapping)
	root.Delete("a2")
	e.SetTree(root)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	newLen := readAllLen(t, file)
	if newLen != originalLen {
		t.Errorf("file length after deleting a middle array = %d, want unchanged %d", newLen, originalLen)
	}

	e2, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen after update: %s", err)
	}
	defer e2.Close()
	root2 := e2.Tree().(*asdf.Mapping)
	if _, ok := root2.Get("a2"); ok {
		t.Error("a2 should be gone after delete+update")
	}
	if got := arrayValues(t, e2, root2, "a1"); !floatsEqual(got, a1) {
		t.Errorf("a1 = %v, want %v", got, a1)
	}
	if got := arrayValues(t, e2, root2, "a3"); !floatsEqual(got, a3) {
		t.Errorf("a3 = %v, want %v", got, a3)
	}
	// a2's old block bytes are left in place on disk (never erased), so a rescan still finds
	// it as a structurally valid, if now unreferenced, block alongside a1 and a3.
	if len(e2.Blocks()) != 3 {
		t.Errorf("Blocks() = %d, want 3 (a1, orphaned a2, a3)", len(e2.Blocks()))
	}
}

// S5 — in-place update, tree growth within padding: appending a small sequence to the tree must
// not force any block to move when the YAML budget (padded at write time) absorbs it.
func TestUpdateTreeGrowthWithinPadding(t *testing.T) {
	a1, a2, a3 := arange(64, 1), arange(64, 2), arange(64, 3)
	file := buildThreeArrayFile(t, a1, a2, a3)
	originalLen := readAllLen(t, file)

	e, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	root := e.Tree().(*asdf.Mapping)
	root.Set("extra", asdf.NewSequence(&asdf.Scalar{Value: int64(1)}, &asdf.Scalar{Value: int64(2)}))
	e.SetTree(root)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	newLen := readAllLen(t, file)
	if newLen != originalLen {
		t.Errorf("file length after small tree growth = %d, want unchanged %d", newLen, originalLen)
	}

	e2, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen after update: %s", err)
	}
	defer e2.Close()
	root2 := e2.Tree().(*asdf.Mapping)
	if got := arrayValues(t, e2, root2, "a1"); !floatsEqual(got, a1) {
		t.Errorf("a1 = %v, want %v (its block must not move)", got, a1)
	}
	if _, ok := root2.Get("extra"); !ok {
		t.Error("appended \"extra\" key did not survive the update")
	}
}

// S6 — in-place update, forced growth: replacing an array with one far larger than its old
// extent forces it to relocate; the unrelated earlier arrays keep their content and the file
// grows to fit.
func TestUpdateForcedGrowthRelocatesOnlyChangedArray(t *testing.T) {
	a1, a2 := arange(64, 1), arange(64, 2)
	oldA3 := arange(64, 3)
	file := buildThreeArrayFile(t, a1, a2, oldA3)
	originalLen := readAllLen(t, file)

	e, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	root := e.Tree().(*asdf.Mapping)
	newA3 := arange(2048, 1)
	root.Set("a3", asdf.NewArrayRef("int64", []int{len(newA3)}, "little", asdfScalarBytes(t, newA3, "int64")))
	e.SetTree(root)

	if err := e.Update(); err != nil {
		t.Fatalf("Update: %s", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	newLen := readAllLen(t, file)
	if newLen < originalLen {
		t.Errorf("file length after forced growth = %d, want >= %d", newLen, originalLen)
	}

	e2, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen after update: %s", err)
	}
	defer e2.Close()
	root2 := e2.Tree().(*asdf.Mapping)
	if got := arrayValues(t, e2, root2, "a1"); !floatsEqual(got, a1) {
		t.Errorf("a1 = %v, want %v (unrelated array must survive untouched)", got, a1)
	}
	if got := arrayValues(t, e2, root2, "a2"); !floatsEqual(got, a2) {
		t.Errorf("a2 = %v, want %v (unrelated array must survive untouched)", got, a2)
	}
	if got := arrayValues(t, e2, root2, "a3"); !floatsEqual(got, newA3) {
		t.Errorf("a3 = %v, want the new, larger array", got[:min(len(got), 8)])
	}
}

// TestUpdateBlockIndicesStableAcrossRoundTrip covers invariant 6: a write, reopen, no-op update,
// reopen cycle must leave every block at the offset it had, so reopening reassigns the same
// ordinal indices.
func TestUpdateBlockIndicesStableAcrossRoundTrip(t *testing.T) {
	file := buildThreeArrayFile(t, arange(8, 1), arange(8, 2), arange(8, 3))

	e, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	before := make([]int64, 0, len(e.Blocks()))
	for _, b := range e.Blocks() {
		off, _ := b.Offset()
		before = append(before, off)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if err := file.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	e2, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	if err := e2.Update(); err != nil {
		t.Fatalf("no-op Update: %s", err)
	}
	if err := e2.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	if err := file.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	e3, err := asdf.Open(file, "")
	if err != nil {
		t.Fatalf("reopen after no-op update: %s", err)
	}
	defer e3.Close()
	after := make([]int64, 0, len(e3.Blocks()))
	for _, b := range e3.Blocks() {
		off, _ := b.Offset()
		after = append(after, off)
	}
	if len(before) != len(after) {
		t.Fatalf("block count changed across no-op update: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("block %d offset changed across no-op update: %d -> %d", i, before[i], after[i])
		}
	}
}

// TestWriteToRoundTripPreservesTreeShape covers invariant 1 for a mixed mapping/sequence/scalar/
// array tree, comparing the whole decoded shape structurally instead of field by field.
func TestWriteToRoundTripPreservesTreeShape(t *testing.T) {
	src := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	e, err := asdf.Open(src, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()

	inner := asdf.NewMapping()
	inner.Set("label", &asdf.Scalar{Value: "nested"})
	inner.Set("values", asdf.NewSequence(&asdf.Scalar{Value: "one"}, &asdf.Scalar{Value: "two"}))

	root := asdf.NewMapping()
	root.Set("meta", inner)
	root.Set("series", asdf.NewArrayRef("int64", []int{4}, "little", asdfScalarBytes(t, []float64{10, 20, 30, 40}, "int64")))
	e.SetTree(root)

	dst := asdf.OpenMemoryStream(nil)
	if err := e.WriteTo(dst, ""); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}
	if err := dst.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}

	e2, err := asdf.Open(dst, "")
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer e2.Close()

	if diff := cmp.Diff(root, e2.Tree(), arrayRefCompare); diff != "" {
		t.Errorf("tree shape changed across round trip (-want +got):\n%s", diff)
	}
}

// TestMakeReferenceResolvesWithinOwnTree covers the make_reference counterpart to FindReferences:
// building a *Reference that points into this engine's own tree by a Mapping-key/Sequence-index
// path, fit for assignment into another file's tree.
func TestMakeReferenceResolvesWithinOwnTree(t *testing.T) {
	src := asdf.OpenMemoryStream([]byte("#ASDF 1.0.0\n"))
	e, err := asdf.Open(src, "mem://target.asdf")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer e.Close()

	inner := asdf.NewMapping()
	inner.Set("label", &asdf.Scalar{Value: "nested"})
	root := asdf.NewMapping()
	root.Set("meta", inner)
	e.SetTree(root)

	ref, err := e.MakeReference("meta", "label")
	if err != nil {
		t.Fatalf("MakeReference: %s", err)
	}
	if ref.Resolved == nil {
		t.Fatal("MakeReference: Resolved is nil")
	}
	s, ok := ref.Resolved.(*asdf.Scalar)
	if !ok {
		t.Fatalf("Resolved = %T, want *asdf.Scalar", ref.Resolved)
	}
	if s.Value != "nested" {
		t.Errorf("Resolved.Value = %v, want \"nested\"", s.Value)
	}
	if want := "mem://target.asdf#/meta/label"; ref.URI != want {
		t.Errorf("URI = %q, want %q", ref.URI, want)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func asdfScalarBytes(t *testing.T, values []float64, dtype string) []byte {
	t.Helper()
	size := map[string]int{"int64": 8, "int32": 4}[dtype]
	out := make([]byte, len(values)*size)
	for i, v := range values {
		u := int64(v)
		for j := 0; j < size; j++ {
			out[i*size+j] = byte(u >> (8 * j))
		}
	}
	return out
}

// writableNonSeekableStream wraps a real Stream but reports Seekable() == false, used only to
// exercise Engine.Update's guard clause.
type writableNonSeekableStream struct {
	asdf.Stream
}

func (w *writableNonSeekableStream) Seekable() bool { return false }
