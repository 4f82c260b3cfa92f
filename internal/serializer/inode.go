package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
	"github.com/tar2sqfs/tar2sqfs/internal/metawriter"
)

// wantsExtended decides whether n needs its extended inode variant: one
// carrying an xattr_idx field (basic types have none at all), a directory
// index (used for a directory with more than DirIndexInterval children), or a
// 64-bit size/start_block (a file too large for the 32-bit basic fields).
func wantsExtended(tree *fstree.Tree, n *fstree.Node) bool {
	hasXattr := n.XattrIdx != squashfs.NoXattr
	switch {
	case n.Type.IsDir():
		return hasXattr || len(tree.Children(n)) > squashfs.DirIndexInterval
	case n.Type.IsSymlink():
		return hasXattr
	case n.Type.Basic() == squashfs.FileType:
		return hasXattr || n.Size >= (1<<32) || n.DataStart >= (1<<32)
	default: // device, fifo, socket
		return hasXattr
	}
}

// wireType returns the on-disk type tag for n, basic or extended.
func wireType(n *fstree.Node, extended bool) squashfs.Type {
	base := n.Type.Basic()
	if extended {
		return base + 7
	}
	return base
}

// nlink computes a node's hard-link count. The tree's one-node-per-path
// model never aliases two paths to a single inode, so every non-directory
// always has exactly one link; directories count their subdirectories plus
// the conventional "." and "..".
func nlink(tree *fstree.Tree, n *fstree.Node) uint32 {
	if !n.Type.IsDir() {
		return 1
	}
	nl := uint32(2)
	for _, c := range tree.Children(n) {
		if c.Type.IsDir() {
			nl++
		}
	}
	return nl
}

func blockEntry(b fstree.BlockDescriptor) uint32 {
	if b.Size == 0 {
		return 0
	}
	v := b.Size
	if b.Uncompressed {
		v |= 0x1000000
	}
	return v
}

// dirRun is one directory-entry header plus the entries sharing its block.
type dirRun struct {
	block   uint32
	base    uint32 // the header's own inode-number base
	offset  uint32 // byte offset, within the uncompressed listing, of this run's header
	entries []*fstree.Node
}

// buildDirEntries lays out n's children as SquashFS directory-entry runs:
// consecutive children sharing the same inode metadata block, capped at 256
// entries or by the ±32767 delta range of the 16-bit signed inode number
// field.
func buildDirEntries(children []*fstree.Node) []dirRun {
	var runs []dirRun
	var cur *dirRun
	offset := uint32(0)

	flush := func() {
		if cur != nil {
			runs = append(runs, *cur)
		}
		cur = nil
	}

	for _, c := range children {
		block := uint32(c.InodeRef >> 16)
		base := c.Ino

		newRun := cur == nil || cur.block != block || len(cur.entries) >= 256
		if !newRun {
			delta := int64(base) - int64(cur.base)
			if delta < -32768 || delta > 32767 {
				newRun = true
			}
		}
		if newRun {
			flush()
			cur = &dirRun{block: block, base: base, offset: offset}
			offset += 12 // run header: count, start block, inode number base
		}
		cur.entries = append(cur.entries, c)
		offset += 8 + uint32(len(c.Name()))
	}
	flush()
	return runs
}

// encodeDirRuns serializes runs into a directory table, appending to dw and
// returning the byte offset of the first run's header within the listing
// (for a directory's own inode's file_size/offset fields) plus the total
// listing length and the index entries an extended directory records.
func encodeDirRuns(dw *metawriter.Writer, runs []dirRun, wire map[*fstree.Node]squashfs.Type) (metawriter.Position, uint32, []dirIndexEntry, error) {
	if len(runs) == 0 {
		return metawriter.Position{}, 0, nil, nil
	}

	start := dw.Position()
	var idx []dirIndexEntry
	var total uint32

	for i, run := range runs {
		if i > 0 {
			idx = append(idx, dirIndexEntry{
				index: run.offset,
				start: run.block,
				name:  run.entries[0].Name(),
			})
		}

		buf := &bytes.Buffer{}
		binary.Write(buf, binary.LittleEndian, uint32(len(run.entries)-1))
		binary.Write(buf, binary.LittleEndian, run.block)
		binary.Write(buf, binary.LittleEndian, run.base)

		for _, c := range run.entries {
			delta := int16(int64(c.Ino) - int64(run.base))
			binary.Write(buf, binary.LittleEndian, uint16(c.InodeRef&0xffff))
			binary.Write(buf, binary.LittleEndian, delta)
			binary.Write(buf, binary.LittleEndian, wire[c])
			name := []byte(c.Name())
			binary.Write(buf, binary.LittleEndian, uint16(len(name)-1))
			buf.Write(name)
		}

		if err := dw.Append(buf.Bytes()); err != nil {
			return metawriter.Position{}, 0, nil, err
		}
		total += uint32(buf.Len())
	}

	return start, total, idx, nil
}

type dirIndexEntry struct {
	index uint32
	start uint32
	name  string
}

// serializeInode encodes n's inode, appending it to iw and returning the
// position its bytes began at (what the parent directory entry, and
// RootInode if n is the root, must reference).
func serializeInode(iw *metawriter.Writer, tree *fstree.Tree, n *fstree.Node, extended bool, idIdx map[uint32]uint16, modTime int32, dirPos metawriter.Position, dirSize uint32, dirIdx []dirIndexEntry) (metawriter.Position, error) {
	pos := iw.Position()

	buf := &bytes.Buffer{}
	order := binary.LittleEndian
	typ := wireType(n, extended)

	binary.Write(buf, order, uint16(typ))
	binary.Write(buf, order, uint16(n.Mode.Perm()))
	binary.Write(buf, order, idIdx[n.Uid])
	binary.Write(buf, order, idIdx[n.Gid])
	binary.Write(buf, order, modTime)
	binary.Write(buf, order, n.Ino)

	nl := nlink(tree, n)
	parent := tree.Parent(n)
	parentIno := n.Ino // root is its own parent, by convention
	if parent != nil {
		parentIno = parent.Ino
	}

	switch typ {
	case squashfs.DirType:
		binary.Write(buf, order, uint32(dirPos.Block))
		binary.Write(buf, order, nl)
		binary.Write(buf, order, uint16(dirSize+3))
		binary.Write(buf, order, dirPos.Offset)
		binary.Write(buf, order, parentIno)

	case squashfs.XDirType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, dirSize+3)
		binary.Write(buf, order, uint32(dirPos.Block))
		binary.Write(buf, order, parentIno)
		binary.Write(buf, order, uint16(len(dirIdx)))
		binary.Write(buf, order, dirPos.Offset)
		binary.Write(buf, order, n.XattrIdx)
		for _, e := range dirIdx {
			binary.Write(buf, order, e.index)
			binary.Write(buf, order, e.start)
			binary.Write(buf, order, uint32(len(e.name)-1))
			buf.WriteString(e.name)
		}

	case squashfs.FileType:
		binary.Write(buf, order, uint32(n.DataStart))
		binary.Write(buf, order, n.FragBlock)
		binary.Write(buf, order, n.FragOffset)
		binary.Write(buf, order, uint32(n.Size))
		for _, b := range n.Blocks {
			binary.Write(buf, order, blockEntry(b))
		}

	case squashfs.XFileType:
		binary.Write(buf, order, n.DataStart)
		binary.Write(buf, order, n.Size)
		binary.Write(buf, order, uint64(0)) // sparse accounting, not tracked
		binary.Write(buf, order, nl)
		binary.Write(buf, order, n.FragBlock)
		binary.Write(buf, order, n.FragOffset)
		binary.Write(buf, order, n.XattrIdx)
		for _, b := range n.Blocks {
			binary.Write(buf, order, blockEntry(b))
		}

	case squashfs.SymlinkType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, uint32(len(n.LinkTarget)))
		buf.WriteString(n.LinkTarget)

	case squashfs.XSymlinkType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, uint32(len(n.LinkTarget)))
		buf.WriteString(n.LinkTarget)
		binary.Write(buf, order, n.XattrIdx)

	case squashfs.BlockDevType, squashfs.CharDevType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, fstree.Devno(n.Devmajor, n.Devminor))

	case squashfs.XBlockDevType, squashfs.XCharDevType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, fstree.Devno(n.Devmajor, n.Devminor))
		binary.Write(buf, order, n.XattrIdx)

	case squashfs.FifoType, squashfs.SocketType:
		binary.Write(buf, order, nl)

	case squashfs.XFifoType, squashfs.XSocketType:
		binary.Write(buf, order, nl)
		binary.Write(buf, order, n.XattrIdx)

	default:
		return metawriter.Position{}, fmt.Errorf("serializer: unhandled inode type %d", typ)
	}

	if err := iw.Append(buf.Bytes()); err != nil {
		return metawriter.Position{}, err
	}
	return pos, nil
}

// sortedIDs returns the set of every uid/gid value across order, sorted
// ascending, and a lookup from value to its dense 16-bit table index.
func sortedIDs(order []*fstree.Node) ([]uint32, map[uint32]uint16) {
	seen := make(map[uint32]struct{})
	for _, n := range order {
		if n == nil {
			continue
		}
		seen[n.Uid] = struct{}{}
		seen[n.Gid] = struct{}{}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	idx := make(map[uint32]uint16, len(ids))
	for i, id := range ids {
		idx[id] = uint16(i)
	}
	return ids, idx
}
