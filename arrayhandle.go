package asdf

import "sync/atomic"

// arrayHandle is the identity the Block Manager keys its array->block map by (Design Note 1).
// Go gives every *arrayHandle pointer a distinct identity for free, so unlike the "systems
// without user-visible object identity" case in spec.md's design notes, no synthetic
// handle/pointer-length wrapper is needed beyond this struct itself.
type arrayHandle struct {
	id uint64 // monotonically assigned, useful for stable logging/debugging only

	block       *Block
	storage     StorageClass
	compression Compression
	inlineData  []byte // populated once storage == Inline
	sourceURI   string // populated once storage == External

	refs int // number of ArrayRefs sharing this handle; used by the Inline "non-shared" rule
}

var nextHandleID uint64

func newArrayHandle() *arrayHandle {
	return &arrayHandle{id: atomic.AddUint64(&nextHandleID, 1), compression: CompressionNone}
}

// ArrayRef is an N-dimensional view bound to a block (or, for Inline storage, to bytes
// embedded directly in the YAML region), per spec.md §3. Multiple ArrayRefs may share one
// handle; the base array is the one that last set the handle's storage class.
type ArrayRef struct {
	handle *arrayHandle

	DType        string
	Shape        []int
	Strides      []int // byte strides, one per dimension
	ByteOffset   int64 // offset within the block's payload
	ByteOrder    string // "big" or "little"
}

// NewArrayRef creates a fresh, unshared ArrayRef backed by a new handle holding data. data is
// the uncompressed, C-contiguous payload; Strides defaults to the canonical C-contiguous
// layout for shape/dtype if nil.
func NewArrayRef(dtype string, shape []int, byteorder string, data []byte) *ArrayRef {
	h := newArrayHandle()
	h.refs = 1
	a := &ArrayRef{handle: h, DType: dtype, Shape: append([]int(nil), shape...), ByteOrder: byteorder}
	a.Strides = defaultStrides(shape, dtypeSize(dtype))
	h.inlineData = data
	return a
}

// View creates a second ArrayRef sharing a's handle (and therefore its block), with its own
// shape/strides/offset. Used to model overlapping views over one buffer (spec.md §3).
func (a *ArrayRef) View(shape, strides []int, byteOffset int64) *ArrayRef {
	a.handle.refs++
	return &ArrayRef{
		handle:     a.handle,
		DType:      a.DType,
		Shape:      append([]int(nil), shape...),
		Strides:    append([]int(nil), strides...),
		ByteOffset: byteOffset,
		ByteOrder:  a.ByteOrder,
	}
}

// Storage returns this array's current storage class.
func (a *ArrayRef) Storage() StorageClass { return a.handle.storage }

// IsContiguous reports whether Strides describes a C-contiguous (row-major), non-overlapping
// layout with no base offset beyond ByteOffset — the precondition for Inline storage (Design
// Note / spec.md §4.3 CannotInline rule).
func (a *ArrayRef) IsContiguous() bool {
	want := defaultStrides(a.Shape, dtypeSize(a.DType))
	if len(want) != len(a.Strides) {
		return false
	}
	for i := range want {
		if want[i] != a.Strides[i] {
			return false
		}
	}
	return true
}

// shared reports whether more than one ArrayRef references this array's handle.
func (a *ArrayRef) shared() bool { return a.handle.refs > 1 }

// byteLength returns the number of uncompressed bytes this array's shape/dtype occupies.
func (a *ArrayRef) byteLength() int64 {
	n := int64(dtypeSize(a.DType))
	for _, d := range a.Shape {
		n *= int64(d)
	}
	return n
}

func defaultStrides(shape []int, elemSize int) []int {
	strides := make([]int, len(shape))
	acc := elemSize
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// dtypeSize returns the element byte width of a subset of numpy-style dtype strings sufficient
// for ASDF's common numeric arrays. Unknown dtypes are treated as 1 byte (opaque/byte arrays).
func dtypeSize(dtype string) int {
	switch dtype {
	case "int8", "uint8", "bool8":
		return 1
	case "int16", "uint16", "float16":
		return 2
	case "int32", "uint32", "float32":
		return 4
	case "int64", "uint64", "float64", "complex64":
		return 8
	case "complex128":
		return 16
	default:
		return 1
	}
}
