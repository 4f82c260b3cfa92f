package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func lzmaCompress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := lzma.NewWriter(&out)
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
	RegisterCompHandler(LZMA, &CompHandler{
		Compress: lzmaCompress,
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			rr, err := lzma.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rr), nil
		},
	})
}
