//go:build zstd

package asdf

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionZstd is an optional extra block codec beyond spec.md's required zlib/bzip2 pair,
// built only when the "zstd" build tag is set, mirroring the teacher's comp_zstd.go.
var CompressionZstd = Compression{'z', 's', 't', 'd'}

func init() {
	RegisterCompression(CompressionZstd, &compressor{
		Compress: func(data []byte) ([]byte, error) {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil, err
			}
			defer enc.Close()
			return enc.EncodeAll(data, nil), nil
		},
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
	})
}
