// Package datawriter implements the parallel block compressor and fragment
// packer for the data region of a SquashFS image: a file's byte stream is
// split into block-size chunks, full blocks are compressed across a pool of
// worker goroutines with strict in-order emission, and tail blocks are
// packed into shared fragment blocks.
package datawriter

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
)

// Sink is the subset of the output sink the writer needs: sequential
// writes at increasing offsets, plus random reads for dedup verification.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
}

// Config parametrizes a Writer per the CLI's tunable knobs.
type Config struct {
	BlockSize  uint32
	NumJobs    int // num_jobs; default 1
	MaxBacklog int // default 10 * NumJobs

	Comp squashfs.Compression

	// Progress, if set, is invoked after every byte range lands on the
	// sink. The core never prints it itself; that's left to the caller.
	Progress func(written uint64)
}

func (c *Config) setDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = 131072
	}
	if c.NumJobs <= 0 {
		c.NumJobs = 1
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 10 * c.NumJobs
	}
}

// Writer drives the data region of the image: it owns the write cursor,
// the block dedup table, the fragment packer, and the worker pool.
type Writer struct {
	sink Sink
	cfg  Config

	base int64 // first byte offset of the data region
	pool *pool

	// Per-block content-addressed dedup table (spec §4.3: a hash table
	// keyed by block hash maps to where an identical block already
	// landed). records holds every full block actually written to the
	// sink, in the exact order it was written; byHash indexes it by
	// content hash. A later file reuses disk space by matching a run of
	// consecutive records against its own non-zero block sequence: the
	// basic/extended file inode addresses its data as block_start plus a
	// list of block sizes read back-to-back, so an inode can only point
	// at one contiguous byte range, but that range is free to span or
	// straddle the boundaries of whatever earlier files originally wrote
	// it — it does not need to have been one single earlier file.
	records []*blockRecord
	byHash  map[uint64][]int

	frag *fragmentPacker
}

// blockRecord is one full block landed on the sink. result and offset are
// filled in asynchronously by the pool's writer task once the block is
// durably written. result points directly at the owning tree node's own
// BlockDescriptor slot, and offset at its DataStart field (for a file's
// first non-zero block) or a private uint64 otherwise, so both the node
// and future dedup lookups see the same written value without a copy.
type blockRecord struct {
	hash   uint64
	result *fstree.BlockDescriptor
	offset *uint64
	seq    uint64
}

// New creates a Writer whose data region begins at absolute offset base.
func New(sink Sink, base int64, cfg Config) *Writer {
	cfg.setDefaults()
	w := &Writer{
		sink:   sink,
		cfg:    cfg,
		base:   base,
		byHash: make(map[uint64][]int),
	}
	w.pool = newPool(sink, cfg.NumJobs, cfg.MaxBacklog, cfg.Comp, base, cfg.Progress)
	w.frag = newFragmentPacker(sink, w.pool, cfg.BlockSize, cfg.Comp)
	return w
}

// WriteFile reads exactly size bytes from r (the tar entry's payload),
// splitting it into full blocks plus an optional tail fragment, and fills
// in n's Blocks, DataStart, FragBlock, and FragOffset fields. Block
// results land asynchronously; callers must not read them back until
// after Sync returns.
func (w *Writer) WriteFile(n *fstree.Node, r io.Reader, size uint64) error {
	if err := w.pool.checkError(); err != nil {
		return err
	}

	full := size / uint64(w.cfg.BlockSize)
	tail := size % uint64(w.cfg.BlockSize)
	hasFragment := tail != 0

	n.Blocks = make([]fstree.BlockDescriptor, full)
	n.FragBlock = squashfs.NoFragment

	if full > 0 {
		raw := make([][]byte, full)
		zero := make([]bool, full)
		hashes := make([]uint64, full)
		var nonZero []int
		for i := uint64(0); i < full; i++ {
			buf := make([]byte, w.cfg.BlockSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return squashfs.NewError(squashfs.KindInputRead, fmt.Errorf("datawriter: reading block %d of %d: %w", i, full, err))
			}
			raw[i] = buf
			zero[i] = isZero(buf)
			if !zero[i] {
				hashes[i] = xxhash.Sum64(buf)
				nonZero = append(nonZero, int(i))
			}
		}

		for i := uint64(0); i < full; i++ {
			if zero[i] {
				n.Blocks[i] = fstree.BlockDescriptor{Size: 0}
			}
		}

		run := w.findRun(nonZero, hashes, raw)
		switch {
		case run != nil:
			for k, i := range nonZero {
				n.Blocks[i] = *run[k].result
			}
			n.DataStart = *run[0].offset

		default:
			first := true
			for _, i := range nonZero {
				rec := &blockRecord{hash: hashes[i], result: &n.Blocks[i]}
				if first {
					rec.offset = &n.DataStart
					first = false
				} else {
					rec.offset = new(uint64)
				}
				seq, err := w.pool.submit(raw[i], rec.result, rec.offset)
				if err != nil {
					return err
				}
				rec.seq = seq
				w.records = append(w.records, rec)
				w.byHash[hashes[i]] = append(w.byHash[hashes[i]], len(w.records)-1)
			}
		}
	}

	if hasFragment {
		tailBuf := make([]byte, tail)
		if _, err := io.ReadFull(r, tailBuf); err != nil {
			return squashfs.NewError(squashfs.KindInputRead, fmt.Errorf("datawriter: reading fragment tail: %w", err))
		}
		idx, off, err := w.frag.add(tailBuf)
		if err != nil {
			return err
		}
		n.FragBlock = idx
		n.FragOffset = off
	}

	return w.pool.checkError()
}

// findRun looks for a run of previously-written records, consecutive both
// in the dedup table and on disk, whose hashes and content match this
// file's non-zero blocks (nonZero, indices into hashes/raw) in order. A
// match means the whole run can be addressed as one contiguous byte range,
// which is what the file inode format requires; returns nil if no such run
// exists yet.
func (w *Writer) findRun(nonZero []int, hashes []uint64, raw [][]byte) []*blockRecord {
	if len(nonZero) == 0 {
		return nil
	}
	written := w.pool.writtenUpTo()
	for _, c0 := range w.byHash[hashes[nonZero[0]]] {
		if c0+len(nonZero) > len(w.records) {
			continue
		}
		run := w.records[c0 : c0+len(nonZero)]
		if w.matchesRun(run, nonZero, hashes, raw, written) {
			return run
		}
	}
	return nil
}

// matchesRun checks one candidate run against the file's block sequence:
// every record must already be durably written, its hash and content must
// match the corresponding block, and each record's offset must immediately
// follow the previous one's (a fragment block or another file's blocks may
// have landed between two otherwise-adjacent table entries, which breaks
// the contiguous byte range the inode needs and must be rejected).
func (w *Writer) matchesRun(run []*blockRecord, nonZero []int, hashes []uint64, raw [][]byte, written uint64) bool {
	var prevEnd uint64
	for k, rec := range run {
		if rec.seq >= written {
			return false
		}
		i := nonZero[k]
		if rec.hash != hashes[i] {
			return false
		}
		if k > 0 && *rec.offset != prevEnd {
			return false
		}
		if !w.verifyBlock(rec, raw[i]) {
			return false
		}
		prevEnd = *rec.offset + uint64(rec.result.Size)
	}
	return true
}

// verifyBlock re-reads a candidate record's on-disk bytes and compares them
// against raw, guarding against a hash collision.
func (w *Writer) verifyBlock(rec *blockRecord, raw []byte) bool {
	stored := make([]byte, rec.result.Size)
	if _, err := w.sink.ReadAt(stored, int64(*rec.offset)); err != nil {
		return false
	}
	if rec.result.Uncompressed {
		return bytes.Equal(stored, raw)
	}
	decompressed, err := w.cfg.Comp.Decompress(stored)
	if err != nil {
		return false
	}
	return bytes.Equal(decompressed, raw)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Sync waits for every inflight block to land on the sink, flushes the
// partial fragment buffer, and returns the first error encountered by any
// worker or the writer task, if any.
func (w *Writer) Sync() error {
	// Fragments must be flushed through the pool before the pool's
	// submission queue is closed, so the order is fixed: flush first,
	// sync second.
	if err := w.frag.flush(); err != nil {
		return err
	}
	return w.pool.sync()
}

// FragmentTable returns the accumulated fragment descriptors, in the order
// their on-disk blocks were written. Valid only after Sync.
func (w *Writer) FragmentTable() []FragmentEntry {
	return w.frag.table()
}

// BytesWritten returns the current end of the data region (blocks and
// fragments share one writer, so this is simply its cursor), i.e. the
// next free absolute offset in the sink.
func (w *Writer) BytesWritten() int64 {
	return w.pool.writeOffset()
}

// LastError returns the first error latched by any worker or the writer
// task, without blocking.
func (w *Writer) LastError() error {
	return w.pool.checkError()
}

// Close releases the worker pool. Call after Sync.
func (w *Writer) Close() {
	w.pool.close()
}
