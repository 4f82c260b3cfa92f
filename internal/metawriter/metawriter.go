// Package metawriter writes a SquashFS metadata block stream: a sequence of
// up to-8KiB chunks, each length-prefixed and independently compressed.
package metawriter

import (
	"encoding/binary"
	"fmt"

	"github.com/tar2sqfs/tar2sqfs"
)

// Sink is the subset of the output sink a Writer needs.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Position identifies a point in a metadata stream: the offset (relative to
// the start of the region the stream is written into) of the metadata
// block, plus a byte offset inside that block once decompressed. This is
// exactly the pair SquashFS inode references and directory entries encode.
type Position struct {
	Block  uint64
	Offset uint16
}

// Writer buffers appended bytes into squashfs.MetaBlockSize chunks, each
// compressed (or stored raw if compression doesn't shrink it) and written
// to sink at an increasing offset starting from base.
type Writer struct {
	sink  Sink
	comp  squashfs.Compression
	base  int64
	woff  int64 // write offset, relative to base
	buf   []byte

	// blockStarts records the relative offset each flushed block began at,
	// in emission order. Indirect tables (id, fragment, export, xattr-id)
	// need this to build their own pointer arrays.
	blockStarts []int64
}

// New creates a Writer appending to sink starting at byte offset base,
// compressing full blocks with comp.
func New(sink Sink, comp squashfs.Compression, base int64) *Writer {
	return &Writer{sink: sink, comp: comp, base: base}
}

// Position returns the position the next Append call would begin writing
// at: the start of the current (not yet flushed) block and the byte
// offset within it.
func (w *Writer) Position() Position {
	return Position{Block: uint64(w.woff), Offset: uint16(len(w.buf))}
}

// Append buffers data, flushing full squashfs.MetaBlockSize chunks as they
// fill.
func (w *Writer) Append(data []byte) error {
	for len(data) > 0 {
		room := squashfs.MetaBlockSize - len(w.buf)
		if room > len(data) {
			room = len(data)
		}
		w.buf = append(w.buf, data[:room]...)
		data = data[room:]
		if len(w.buf) == squashfs.MetaBlockSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush emits the current partial block, if any. Safe to call on an empty
// writer (a no-op).
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.flushBlock()
}

// BytesWritten returns the number of on-disk bytes (headers + payload)
// written so far, i.e. the size of the region starting at base.
func (w *Writer) BytesWritten() int64 { return w.woff }

// BlockStarts returns the relative offset (from base) of every metadata
// block flushed so far, in order.
func (w *Writer) BlockStarts() []int64 { return w.blockStarts }

func (w *Writer) flushBlock() error {
	w.blockStarts = append(w.blockStarts, w.woff)

	raw := w.buf
	w.buf = nil

	var header [2]byte
	payload := raw
	compressed, err := w.comp.Compress(raw)
	if err == nil && len(compressed) < len(raw) {
		binary.LittleEndian.PutUint16(header[:], uint16(len(compressed)))
		payload = compressed
	} else {
		binary.LittleEndian.PutUint16(header[:], uint16(len(raw))|0x8000)
	}

	if _, err := w.sink.WriteAt(header[:], w.base+w.woff); err != nil {
		return fmt.Errorf("metawriter: write header: %w", err)
	}
	w.woff += 2
	if _, err := w.sink.WriteAt(payload, w.base+w.woff); err != nil {
		return fmt.Errorf("metawriter: write block: %w", err)
	}
	w.woff += int64(len(payload))
	return nil
}
