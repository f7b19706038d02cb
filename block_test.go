package asdf

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	s := OpenMemoryStream(nil)
	payload := []byte("hello, block")

	b := &Block{Compression: CompressionNone}
	if err := EncodeBlock(s, b, payload, 0, true); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}

	if err := s.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	got, err := DecodeBlock(s)
	if err != nil {
		t.Fatalf("DecodeBlock: %s", err)
	}
	if got.DataSize != uint64(len(payload)) {
		t.Errorf("DataSize = %d, want %d", got.DataSize, len(payload))
	}
	if got.Compression != CompressionNone {
		t.Errorf("Compression = %v, want none", got.Compression)
	}
	if !got.fromDisk {
		t.Error("DecodeBlock result should be fromDisk")
	}

	readBack, err := got.ReadPayload(s, true)
	if err != nil {
		t.Fatalf("ReadPayload: %s", err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Errorf("ReadPayload = %q, want %q", readBack, payload)
	}
}

func TestEncodeBlockCompressed(t *testing.T) {
	s := OpenMemoryStream(nil)
	payload := bytes.Repeat([]byte("abcdefgh"), 128)

	b := &Block{Compression: CompressionZlib}
	if err := EncodeBlock(s, b, payload, 0, true); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}
	if b.UsedSize >= b.DataSize {
		t.Errorf("compressed UsedSize %d should be smaller than DataSize %d for repetitive input", b.UsedSize, b.DataSize)
	}

	if err := s.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	got, err := DecodeBlock(s)
	if err != nil {
		t.Fatalf("DecodeBlock: %s", err)
	}
	data, err := got.ReadPayload(s, true)
	if err != nil {
		t.Fatalf("ReadPayload: %s", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("decompressed payload does not match original")
	}
}

// TestChecksumMismatch covers invariant 5: a corrupted payload is caught on validated read.
func TestChecksumMismatch(t *testing.T) {
	s := OpenMemoryStream(nil)
	b := &Block{Compression: CompressionNone}
	if err := EncodeBlock(s, b, []byte("original"), 0, true); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}

	// Corrupt the payload bytes in place, leaving the checksum stale.
	if err := s.Seek(b.payloadOffset); err != nil {
		t.Fatalf("Seek to payload: %s", err)
	}
	if _, err := s.Write([]byte("corrupts")); err != nil {
		t.Fatalf("corrupt write: %s", err)
	}

	if err := s.Seek(0); err != nil {
		t.Fatalf("Seek: %s", err)
	}
	got, err := DecodeBlock(s)
	if err != nil {
		t.Fatalf("DecodeBlock: %s", err)
	}
	if _, err := got.ReadPayload(s, true); err != ErrChecksumMismatch {
		t.Errorf("ReadPayload with corrupted data = %v, want ErrChecksumMismatch", err)
	}
}

func TestEncodeBlockChecksumDisabled(t *testing.T) {
	s := OpenMemoryStream(nil)
	b := &Block{Compression: CompressionNone}
	if err := EncodeBlock(s, b, []byte("data"), 0, false); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}
	if b.HasChecksum() {
		t.Error("checksum should be the sentinel when checksum writing is disabled")
	}
}

func TestEncodeBlockPadding(t *testing.T) {
	s := OpenMemoryStream(nil)
	b := &Block{Compression: CompressionNone}
	payload := []byte("padme")
	if err := EncodeBlock(s, b, payload, 64, true); err != nil {
		t.Fatalf("EncodeBlock: %s", err)
	}
	if b.AllocatedSize != b.UsedSize+64 {
		t.Errorf("AllocatedSize = %d, want UsedSize(%d)+64", b.AllocatedSize, b.UsedSize)
	}
}
