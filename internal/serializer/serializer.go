// Package serializer performs the bottom-up walk that turns a built FSTree
// and its fragment table into the on-disk metadata of a SquashFS image:
// the inode and directory tables, the id/fragment/export/xattr tables, and
// the final superblock.
package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/datawriter"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
	"github.com/tar2sqfs/tar2sqfs/internal/metawriter"
)

// Sink is the subset of the output sink the serializer needs: plain
// sequential writes to arbitrary (already-computed) absolute offsets.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
}

// noTable marks an optional table (fragment, export, xattr) absent.
const noTable = ^uint64(0)

// Options parametrizes a Write pass.
type Options struct {
	BlockSize  uint32
	Comp       squashfs.Compression
	// ModTime is the superblock's own build-time field, and the mtime every
	// inode gets when KeepTime is false.
	ModTime int32
	// KeepTime makes each inode carry its source tar entry's own mtime
	// instead of the single normalized ModTime value.
	KeepTime bool

	Exportable bool
	NoXattr    bool

	// Flags are extra superblock bits the caller wants ORed in (e.g.
	// CHECK). The serializer computes DUPLICATES, EXPORTABLE,
	// NO_FRAGMENTS, NO_XATTRS, and COMPRESSOR_OPTIONS itself.
	Flags squashfs.SquashFlags

	// HasCompressorOptions is true when a compressor-options metadata
	// block was written right after the superblock placeholder, ahead of
	// the data region. The serializer only needs this to set the
	// superblock flag; the block itself is written earlier in the
	// pipeline, before the data region's base offset is fixed.
	HasCompressorOptions bool
}

// Serializer lays out every metadata region of a SquashFS image once the
// data region (data blocks and fragments) has been fully written.
type Serializer struct {
	tree  *fstree.Tree
	order []*fstree.Node // from Tree.GenInodeTable; order[0] is the nil sentinel
	frag  []datawriter.FragmentEntry
	opts  Options
}

// New builds a Serializer. tree must already have had SortRecursive and
// DedupXattr called, and order must be the result of its GenInodeTable.
func New(tree *fstree.Tree, order []*fstree.Node, frag []datawriter.FragmentEntry, opts Options) *Serializer {
	return &Serializer{tree: tree, order: order, frag: frag, opts: opts}
}

// Write lays out every metadata region after dataEnd (the end of the data
// region datawriter.Writer produced) and returns the finished 96-byte
// superblock the caller must write at offset 0, plus the total size of the
// image before any dev_block_size padding.
func (s *Serializer) Write(sink Sink, dataEnd int64) ([]byte, int64, error) {
	ids, idIdx := sortedIDs(s.order)

	invSink := &memSink{}
	iw := metawriter.New(invSink, s.opts.Comp, 0)
	dirSink := &memSink{}
	dw := metawriter.New(dirSink, s.opts.Comp, 0)

	wireTypeOf := make(map[*fstree.Node]squashfs.Type, len(s.order))

	var root *fstree.Node
	for _, n := range s.order[1:] {
		extended := wantsExtended(s.tree, n)
		wireTypeOf[n] = wireType(n, extended)

		var dirPos metawriter.Position
		var dirSize uint32
		var dirIdx []dirIndexEntry
		if n.Type.IsDir() {
			runs := buildDirEntries(s.tree.Children(n))
			pos, size, idx, err := encodeDirRuns(dw, runs, wireTypeOf)
			if err != nil {
				return nil, 0, squashfs.NewError(squashfs.KindInternal, fmt.Errorf("serializer: directory entries for inode %d: %w", n.Ino, err))
			}
			dirPos, dirSize, dirIdx = pos, size, idx
		}

		nodeModTime := s.opts.ModTime
		if s.opts.KeepTime {
			nodeModTime = int32(n.ModTime)
		}
		pos, err := serializeInode(iw, s.tree, n, extended, idIdx, nodeModTime, dirPos, dirSize, dirIdx)
		if err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindInternal, fmt.Errorf("serializer: inode %d: %w", n.Ino, err))
		}
		n.InodeRef = (pos.Block << 16) | uint64(pos.Offset)
		if s.tree.Parent(n) == nil {
			root = n
		}
	}
	if err := iw.Flush(); err != nil {
		return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
	}
	if err := dw.Flush(); err != nil {
		return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
	}
	if root == nil {
		return nil, 0, squashfs.NewError(squashfs.KindInternal, fmt.Errorf("serializer: tree has no root"))
	}

	idSink := &memSink{}
	idw := metawriter.New(idSink, s.opts.Comp, 0)
	for _, id := range ids {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], id)
		if err := idw.Append(buf[:]); err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
		}
	}
	if err := idw.Flush(); err != nil {
		return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
	}

	fragSink := &memSink{}
	var fragW *metawriter.Writer
	if len(s.frag) > 0 {
		fragW = metawriter.New(fragSink, s.opts.Comp, 0)
		for _, f := range s.frag {
			buf := &bytes.Buffer{}
			binary.Write(buf, binary.LittleEndian, f.Offset)
			binary.Write(buf, binary.LittleEndian, blockEntry(f.Desc))
			binary.Write(buf, binary.LittleEndian, uint32(0)) // reserved
			if err := fragW.Append(buf.Bytes()); err != nil {
				return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
			}
		}
		if err := fragW.Flush(); err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
		}
	}

	var expSink *memSink
	var expW *metawriter.Writer
	if s.opts.Exportable {
		expSink = &memSink{}
		expW = metawriter.New(expSink, s.opts.Comp, 0)
		for _, n := range s.order[1:] {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], n.InodeRef)
			if err := expW.Append(buf[:]); err != nil {
				return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
			}
		}
		if err := expW.Flush(); err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
		}
	}

	haveXattr := !s.opts.NoXattr && len(s.tree.XattrSets()) > 0
	var kvSink, xidSink *memSink
	var xidW *metawriter.Writer
	if haveXattr {
		var err error
		kvSink, xidSink, _, xidW, err = buildXattrStreams(s.tree, s.opts.Comp)
		if err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
		}
	}

	// Fixed on-disk layout, per region: data blocks (already on sink,
	// computed by the caller), compressed metadata blocks, then (for
	// indirect tables) a plain pointer array of absolute block offsets.
	cursor := dataEnd

	invStart := cursor
	if err := blit(sink, invSink, cursor); err != nil {
		return nil, 0, err
	}
	cursor += invSink.Len()

	dirStart := cursor
	if err := blit(sink, dirSink, cursor); err != nil {
		return nil, 0, err
	}
	cursor += dirSink.Len()

	fragTableStart := noTable
	if fragW != nil {
		cursor, fragTableStart = blitIndirect(sink, fragSink, fragW.BlockStarts(), cursor)
	}

	exportTableStart := noTable
	if expW != nil {
		cursor, exportTableStart = blitIndirect(sink, expSink, expW.BlockStarts(), cursor)
	}

	idTableStart := noTable
	cursor, idTableStart = blitIndirect(sink, idSink, idw.BlockStarts(), cursor)

	xattrIdTableStart := noTable
	if haveXattr {
		kvStart := cursor
		if err := blit(sink, kvSink, cursor); err != nil {
			return nil, 0, err
		}
		cursor += kvSink.Len()

		hdr := &bytes.Buffer{}
		binary.Write(hdr, binary.LittleEndian, uint64(kvStart))
		binary.Write(hdr, binary.LittleEndian, uint32(len(s.tree.XattrSets())))
		binary.Write(hdr, binary.LittleEndian, uint32(0))
		xattrIdTableStart = uint64(cursor)
		if _, err := sink.WriteAt(hdr.Bytes(), cursor); err != nil {
			return nil, 0, squashfs.NewError(squashfs.KindOutputIO, err)
		}
		cursor += int64(hdr.Len())

		cursor, _ = blitIndirect(sink, xidSink, xidW.BlockStarts(), cursor)
	}

	flags := s.opts.Flags | squashfs.DUPLICATES
	if len(s.frag) == 0 {
		flags |= squashfs.NO_FRAGMENTS
	}
	if s.opts.Exportable {
		flags |= squashfs.EXPORTABLE
	}
	if !haveXattr {
		flags |= squashfs.NO_XATTRS
	}
	if s.opts.HasCompressorOptions {
		flags |= squashfs.COMPRESSOR_OPTIONS
	}

	sb := &squashfs.Superblock{
		Magic:             0x73717368,
		InodeCnt:          uint32(len(s.order) - 2),
		ModTime:           s.opts.ModTime,
		BlockSize:         s.opts.BlockSize,
		FragCount:         uint32(len(s.frag)),
		Comp:              s.opts.Comp,
		BlockLog:          blockLog(s.opts.BlockSize),
		Flags:             flags,
		IdCount:           uint16(len(ids)),
		VMajor:            4,
		VMinor:            0,
		RootInode:         root.InodeRef,
		BytesUsed:         uint64(cursor),
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrIdTableStart,
		InodeTableStart:   uint64(invStart),
		DirTableStart:     uint64(dirStart),
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}

	return sb.Bytes(), cursor, nil
}

func blockLog(blockSize uint32) uint16 {
	var log uint16
	for sz := blockSize; sz > 1; sz >>= 1 {
		log++
	}
	return log
}

func blit(sink Sink, m *memSink, at int64) error {
	if m.Len() == 0 {
		return nil
	}
	if _, err := sink.WriteAt(m.Bytes(), at); err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, err)
	}
	return nil
}

// blitIndirect writes a region's compressed data blocks at cursor, followed
// by the indirect pointer array (absolute offsets of each block), and
// returns the cursor advanced past both plus the table's start (the
// pointer array's own offset, per SquashFS convention).
func blitIndirect(sink Sink, data *memSink, relBlockStarts []int64, cursor int64) (int64, uint64) {
	dataStart := cursor
	if err := blit(sink, data, cursor); err != nil {
		return cursor, noTable
	}
	cursor += data.Len()

	tableStart := cursor
	ptrs := &bytes.Buffer{}
	for _, rel := range relBlockStarts {
		binary.Write(ptrs, binary.LittleEndian, uint64(dataStart+rel))
	}
	if ptrs.Len() > 0 {
		sink.WriteAt(ptrs.Bytes(), cursor)
	}
	cursor += int64(ptrs.Len())

	return cursor, uint64(tableStart)
}
