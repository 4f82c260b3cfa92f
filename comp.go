package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Compression identifies a SquashFS compressor by its on-disk tag.
type Compression uint16

const (
	GZip Compression = 1
	LZMA Compression = 2
	LZO  Compression = 3
	XZ   Compression = 4
	LZ4  Compression = 5
	ZSTD Compression = 6
)

func (s Compression) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", uint16(s))
}

// ParseCompression maps a CLI-facing compressor name to its wire tag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "gzip":
		return GZip, nil
	case "lzma":
		return LZMA, nil
	case "lzo":
		return LZO, nil
	case "xz":
		return XZ, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return 0, NewError(KindCompressorInit, fmt.Errorf("unknown compressor %q", name))
	}
}

// CompHandler is the capability interface every compressor backend
// implements: compress/decompress the data itself, plus the optional
// options block squashfs stores right after the superblock when the
// COMPRESSOR_OPTIONS flag is set. Dispatch is by Compression tag, not
// inheritance.
type CompHandler struct {
	// Compress returns the compressed form of data, or an error. Callers
	// fall back to storing data uncompressed when the result isn't smaller.
	Compress func(data []byte) ([]byte, error)

	// Decompress returns a reader over the decompressed form of data.
	Decompress func(r io.Reader) (io.ReadCloser, error)

	// WriteOptions returns the compressor-options metadata block payload,
	// or nil if this compressor has no non-default options to record.
	WriteOptions func() ([]byte, error)

	// ReadOptions parses a compressor-options metadata block payload
	// previously produced by WriteOptions.
	ReadOptions func([]byte) error

	// ConfigureExtra applies -X CSV options to this compressor, nil if it
	// takes none.
	ConfigureExtra func(opts map[string]string) error

	// ExtraHelp returns the -X help text for this compressor, or "" if
	// ConfigureExtra is nil.
	ExtraHelp func() string
}

var compHandlers = map[Compression]*CompHandler{}

// RegisterCompHandler installs the handler used for a given compressor tag.
// Called from each backend's init().
func RegisterCompHandler(c Compression, h *CompHandler) {
	compHandlers[c] = h
}

func (s Compression) handler() (*CompHandler, error) {
	h, ok := compHandlers[s]
	if !ok {
		return nil, NewError(KindCompressorInit, fmt.Errorf("no handler registered for compressor %s", s))
	}
	return h, nil
}

// Compress compresses data using this compression type's registered
// handler. Returns KindCompressorInit errors if no handler is registered
// for the compressor or the handler has no Compress function; an error from
// the handler itself (such as LZO's always-failing stub) is returned as
// KindCompressorRuntime.
func (s Compression) Compress(data []byte) ([]byte, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	if h.Compress == nil {
		return nil, NewError(KindCompressorInit, fmt.Errorf("compressor %s does not support compression", s))
	}
	out, err := h.Compress(data)
	if err != nil {
		return nil, NewError(KindCompressorRuntime, err)
	}
	return out, nil
}

// Decompress inflates data using this compression type's registered handler.
func (s Compression) Decompress(data []byte) ([]byte, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	if h.Decompress == nil {
		return nil, NewError(KindCompressorInit, fmt.Errorf("compressor %s does not support decompression", s))
	}
	rc, err := h.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, NewError(KindCompressorRuntime, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, NewError(KindCompressorRuntime, err)
	}
	return out, nil
}

// WriteOptions returns this compressor's options block, or nil if it has
// none to write (the common case).
func (s Compression) WriteOptions() ([]byte, error) {
	h, err := s.handler()
	if err != nil {
		return nil, err
	}
	if h.WriteOptions == nil {
		return nil, nil
	}
	return h.WriteOptions()
}

// ReadOptions parses a compressor-options metadata block payload previously
// produced by WriteOptions. A no-op for compressors that don't use one.
func (s Compression) ReadOptions(data []byte) error {
	h, err := s.handler()
	if err != nil {
		return err
	}
	if h.ReadOptions == nil {
		return nil
	}
	return h.ReadOptions(data)
}

// ConfigureExtra applies "-X" CSV options (comma-separated key=value pairs)
// to this compressor. A compressor with no ConfigureExtra handler rejects
// any non-empty csv.
func (s Compression) ConfigureExtra(csv string) error {
	if csv == "" {
		return nil
	}
	h, err := s.handler()
	if err != nil {
		return err
	}
	if h.ConfigureExtra == nil {
		return NewError(KindCompressorInit, fmt.Errorf("compressor %s takes no -X options", s))
	}
	opts := make(map[string]string)
	for _, pair := range strings.Split(csv, ",") {
		if pair == "" {
			continue
		}
		if key, val, ok := strings.Cut(pair, "="); ok {
			opts[key] = val
		} else {
			opts[pair] = ""
		}
	}
	if err := h.ConfigureExtra(opts); err != nil {
		return NewError(KindCompressorInit, err)
	}
	return nil
}

// ExtraHelp returns the "-X help" text for this compressor, or "" if it
// takes no extra options.
func (s Compression) ExtraHelp() string {
	h, err := s.handler()
	if err != nil || h.ExtraHelp == nil {
		return ""
	}
	return h.ExtraHelp()
}
