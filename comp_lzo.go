package squashfs

import (
	"errors"
	"io"
)

// LZO has no available pure-Go implementation anywhere in this module's
// dependency graph (see DESIGN.md). The handler is registered so
// Compression.String() and the compressor registry stay consistent, but
// every Compress/Decompress call fails with errLZOUnavailable, which
// Compression.Compress and Compression.Decompress report as a
// CompressorRuntime error.
var errLZOUnavailable = errors.New("lzo compression is not available in this build")

func init() {
	RegisterCompHandler(LZO, &CompHandler{
		Compress: func([]byte) ([]byte, error) {
			return nil, errLZOUnavailable
		},
		Decompress: func(io.Reader) (io.ReadCloser, error) {
			return nil, errLZOUnavailable
		},
	})
}
