package squashfs

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

func lz4Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

type lz4ReadCloser struct {
	*lz4.Reader
}

func (l *lz4ReadCloser) Close() error {
	return nil
}

func init() {
	RegisterCompHandler(LZ4, &CompHandler{
		Compress: lz4Compress,
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			return &lz4ReadCloser{lz4.NewReader(r)}, nil
		},
	})
}
