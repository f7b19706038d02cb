//go:build xz

package asdf

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

// CompressionXZ is an optional extra block codec beyond spec.md's required zlib/bzip2 pair,
// built only when the "xz" build tag is set, mirroring the teacher's comp_xz.go.
var CompressionXZ = Compression{'x', 'z', ' ', ' '}

func init() {
	RegisterCompression(CompressionXZ, &compressor{
		Compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(data); err != nil {
				w.Close()
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			rc, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		},
	})
}
