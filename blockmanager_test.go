package asdf

import "testing"

func TestRegisterReusesSameHandle(t *testing.T) {
	m := NewBlockManager()
	a := NewArrayRef("int64", []int{4}, "little", []byte("12345678901234567890123456789012"))

	b1, err := m.Register(a)
	if err != nil {
		t.Fatalf("Register: %s", err)
	}
	b2, err := m.Register(a)
	if err != nil {
		t.Fatalf("Register (second call): %s", err)
	}
	if b1 != b2 {
		t.Error("Register on the same array identity should return the same block")
	}
}

func TestSetStorageInvariant4(t *testing.T) {
	m := NewBlockManager()
	a := NewArrayRef("int64", []int{4}, "little", []byte("12345678"))
	if _, err := m.Register(a); err != nil {
		t.Fatalf("Register: %s", err)
	}

	for _, class := range []StorageClass{External, Internal, Inline} {
		if err := m.SetStorage(a, class); err != nil {
			t.Fatalf("SetStorage(%s): %s", class, err)
		}
		if got := a.Storage(); got != class {
			t.Errorf("get_storage after set_storage(%s) = %s, want %s", class, got, class)
		}
	}
}

func TestSetStorageInlineRejectsSharedOrNonContiguous(t *testing.T) {
	m := NewBlockManager()
	a := NewArrayRef("int64", []int{2, 2}, "little", make([]byte, 32))
	view := a.View([]int{4}, []int{8}, 0)

	if err := m.SetStorage(a, Inline); err == nil {
		t.Error("expected CannotInline for a shared array")
	}
	_ = view

	b := NewArrayRef("int64", []int{2, 2}, "little", make([]byte, 32))
	// Non-contiguous: swap the strides.
	b.Strides = []int{8, 16}
	if err := m.SetStorage(b, Inline); err == nil {
		t.Error("expected CannotInline for a non-contiguous view")
	}
}

func TestFinalizeAssignsInternalIndicesInLiveOrder(t *testing.T) {
	m := NewBlockManager()
	a1 := NewArrayRef("int64", []int{1}, "little", []byte("11111111"))
	a2 := NewArrayRef("int64", []int{1}, "little", []byte("22222222"))
	b1, _ := m.Register(a1)
	b2, _ := m.Register(a2)

	if err := m.Finalize("", []*Block{b1, b2}); err != nil {
		t.Fatalf("Finalize: %s", err)
	}
	i1, ok := m.Index(b1)
	if !ok || i1 != 0 {
		t.Errorf("Index(b1) = %d, %v; want 0, true", i1, ok)
	}
	i2, ok := m.Index(b2)
	if !ok || i2 != 1 {
		t.Errorf("Index(b2) = %d, %v; want 1, true", i2, ok)
	}
}

// TestFinalizeNoBaseUri covers S8: writing a live External block with no base URI fails.
func TestFinalizeNoBaseUri(t *testing.T) {
	m := NewBlockManager()
	a := NewArrayRef("int64", []int{1}, "little", []byte("11111111"))
	if err := m.SetStorage(a, External); err != nil {
		t.Fatalf("SetStorage: %s", err)
	}
	b, _ := m.Register(a)

	if err := m.Finalize("", []*Block{b}); err != ErrNoBaseUri {
		t.Errorf("Finalize with no base URI = %v, want ErrNoBaseUri", err)
	}
}

func TestFinalizeAutoInlineSkipsUnmaterializedPayload(t *testing.T) {
	m := NewBlockManager()
	m.SetAutoInline(1024)

	a := NewArrayRef("int64", []int{1}, "little", []byte("11111111"))
	b, _ := m.Register(a)
	// Simulate a from-disk block whose payload hasn't been read yet.
	b.payload = nil
	b.DataSize = 8

	if err := m.Finalize("", []*Block{b}); err != nil {
		t.Fatalf("Finalize: %s", err)
	}
	if a.Storage() != Internal {
		t.Errorf("Storage() = %s, want Internal (auto-inline must not fire on a nil payload)", a.Storage())
	}
}

func TestSetCompressionMarksFromDiskBlockDirty(t *testing.T) {
	m := NewBlockManager()
	a := NewArrayRef("int64", []int{1}, "little", []byte("11111111"))
	b, _ := m.Register(a)
	b.fromDisk = true
	b.Compression = CompressionNone

	m.SetCompression(a, CompressionZlib)
	if !b.dirty {
		t.Error("SetCompression changing a from-disk block's codec should mark it dirty")
	}
}
