package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

func gzipCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := gzip.NewWriterLevel(&out, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Compress: gzipCompress,
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	})
}
