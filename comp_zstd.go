package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// zstdLevel holds the "-X level=N" setting (1-22, real zstd's numeric
// scale). klauspost/compress/zstd only exposes four named speed presets, so
// the numeric level is bucketed into the closest one; configured once at
// startup before any compression begins.
var zstdLevel = 15

func zstdEncoderLevel() zstd.EncoderLevel {
	switch {
	case zstdLevel <= 3:
		return zstd.SpeedFastest
	case zstdLevel <= 9:
		return zstd.SpeedDefault
	case zstdLevel <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func zstdCompress(buf []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdEncoderLevel()))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		Compress: zstdCompress,
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return &zstdReadCloser{dec}, nil
		},
		WriteOptions: func() ([]byte, error) {
			if zstdLevel == 15 {
				return nil, nil
			}
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(zstdLevel))
			return buf, nil
		},
		ReadOptions: func(data []byte) error {
			if len(data) < 4 {
				return fmt.Errorf("zstd options block too short")
			}
			zstdLevel = int(binary.LittleEndian.Uint32(data))
			return nil
		},
		ConfigureExtra: func(opts map[string]string) error {
			v, ok := opts["level"]
			if !ok {
				return fmt.Errorf("zstd: unrecognized -X option, want level=N")
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 22 {
				return fmt.Errorf("zstd: level must be an integer in [1, 22]")
			}
			zstdLevel = n
			return nil
		},
		ExtraHelp: func() string {
			return "zstd options:\n  level=N    compression level, 1-22 (default 15)\n"
		},
	})
}
