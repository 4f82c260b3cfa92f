package datawriter

import (
	"bytes"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
)

// FragmentEntry is one on-disk fragment table record: the absolute offset
// of a fragment block plus its stored size and compression state. Files
// with a tail shorter than block_size reference one of these by index and
// an offset within it.
type FragmentEntry struct {
	Offset uint64
	Desc   fstree.BlockDescriptor

	// seq is the pool sequence number this fragment was submitted under,
	// used to gate dedup lookups on whether the bytes are durably
	// written yet (see lookupLocked).
	seq uint64
}

// fragmentPacker accumulates tail bytes from successive files into a
// shared buffer, flushing a full fragment block through the same pool
// used for regular data blocks so fragments interleave with full blocks
// in exactly their submission order.
//
// Packing also deduplicates: a tail identical to one already packed into
// a flushed fragment reuses that fragment's index and offset instead of
// being packed again.
type fragmentPacker struct {
	sink      Sink
	blockSize uint32
	comp      squashfs.Compression
	pool      *pool

	mu  sync.Mutex
	buf []byte
	// entries holds one heap-allocated FragmentEntry per flushed fragment.
	// Pointers into individual entries are handed to the pool before the
	// write completes; storing *FragmentEntry (rather than growing a
	// []FragmentEntry in place) keeps those addresses stable across
	// later appends.
	entries []*FragmentEntry

	// seen maps a hash of a packed tail to where it landed, for
	// fragment-level dedup. Only tails whose containing fragment has
	// already been flushed (and thus is verifiable via a sink read) are
	// matched; see verify below.
	seen map[uint64][]fragmentHit
}

type fragmentHit struct {
	idx uint32
	off uint32
	n   int
}

func newFragmentPacker(sink Sink, pool *pool, blockSize uint32, comp squashfs.Compression) *fragmentPacker {
	return &fragmentPacker{
		sink:      sink,
		blockSize: blockSize,
		comp:      comp,
		pool:      pool,
		seen:      make(map[uint64][]fragmentHit),
	}
}

// add packs tailBuf into the current fragment buffer, flushing it first
// if there isn't room, and returns the fragment index and byte offset the
// caller's file should reference.
func (p *fragmentPacker) add(tailBuf []byte) (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := xxhash.Sum64(tailBuf)
	if hit, ok := p.lookupLocked(hash, tailBuf); ok {
		return hit.idx, hit.off, nil
	}

	if len(p.buf)+len(tailBuf) > int(p.blockSize) {
		if err := p.flushLocked(); err != nil {
			return 0, 0, err
		}
	}

	idx := uint32(len(p.entries))
	off := uint32(len(p.buf))
	p.buf = append(p.buf, tailBuf...)
	p.seen[hash] = append(p.seen[hash], fragmentHit{idx: idx, off: off, n: len(tailBuf)})
	return idx, off, nil
}

// lookupLocked returns a prior hit for hash whose fragment has already
// been flushed and durably written, re-reading and comparing the stored
// bytes to guard against a hash collision.
func (p *fragmentPacker) lookupLocked(hash uint64, tailBuf []byte) (fragmentHit, bool) {
	for _, hit := range p.seen[hash] {
		if hit.n != len(tailBuf) {
			continue
		}
		if int(hit.idx) >= len(p.entries) {
			continue // still in the unflushed buffer, not yet verifiable
		}
		entry := *p.entries[hit.idx]
		if p.pool.writtenUpTo() <= entry.seq {
			continue // submitted but not yet durably written
		}
		// Compression operates on the whole fragment block, so the
		// entire stored block must be read and decompressed before a
		// single tail's bytes can be sliced back out of it.
		stored := make([]byte, entry.Desc.Size)
		if _, err := p.sink.ReadAt(stored, int64(entry.Offset)); err != nil {
			continue
		}
		var raw []byte
		if entry.Desc.Uncompressed {
			raw = stored
		} else {
			decoded, err := p.comp.Decompress(stored)
			if err != nil {
				continue
			}
			raw = decoded
		}
		if int(hit.off)+hit.n <= len(raw) && bytes.Equal(raw[hit.off:int(hit.off)+hit.n], tailBuf) {
			return hit, true
		}
	}
	return fragmentHit{}, false
}

// flushLocked submits the current partial fragment buffer as one block
// and appends a placeholder FragmentEntry whose Offset/Desc the pool's
// writer task fills in once it actually lands on the sink.
func (p *fragmentPacker) flushLocked() error {
	if len(p.buf) == 0 {
		return nil
	}
	entry := &FragmentEntry{}
	seq, err := p.pool.submit(p.buf, &entry.Desc, &entry.Offset)
	if err != nil {
		return err
	}
	entry.seq = seq
	p.entries = append(p.entries, entry)
	p.buf = nil
	return nil
}

// flush submits any remaining partial fragment buffer. Call once after
// every file has been processed, before Sync drains the pool.
func (p *fragmentPacker) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

// table returns a snapshot of the accumulated fragment entries, valid once
// the pool has finished writing them (i.e. after Sync).
func (p *fragmentPacker) table() []FragmentEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FragmentEntry, len(p.entries))
	for i, e := range p.entries {
		out[i] = *e
	}
	return out
}
