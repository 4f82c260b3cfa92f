// Package fstree builds the in-memory filesystem tree that the serializer
// walks to produce SquashFS inodes and directory entries. Nodes live in a
// single arena addressed by integer index rather than pointers, so parent
// and child references never form a reference cycle the garbage collector
// has to reason about.
package fstree

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/tar2sqfs/tar2sqfs"
)

// ErrDuplicateEntry is returned by Insert when the terminal path component
// already exists with an incompatible type.
var ErrDuplicateEntry = errors.New("fstree: duplicate entry")

// ErrUnsupportedXattr is returned by AddXattr for a key outside the
// user./trusted./security. namespaces SquashFS recognizes.
var ErrUnsupportedXattr = errors.New("fstree: unsupported xattr namespace")

const noParent = -1
const noIndex = 0

// Defaults supplies the attributes synthesized directories (and the --defaults
// CLI override) fall back to.
type Defaults struct {
	Uid, Gid uint32
	Mode     fs.FileMode
	ModTime  int64
}

// Attrs describes the attributes of a single tar entry being inserted.
type Attrs struct {
	Type       squashfs.Type
	Mode       fs.FileMode
	Uid, Gid   uint32
	ModTime    int64
	Size       uint64
	LinkTarget string
	Devmajor   uint32
	Devminor   uint32
}

// XattrPair is a resolved (key-id, value-id) pair referencing Tree's
// deduplicated key/value pools.
type XattrPair struct {
	KeyIdx uint32
	ValIdx uint32
}

// BlockDescriptor is a single on-disk data block reference, filled in by the
// data writer once file payloads have been compressed and placed.
type BlockDescriptor struct {
	Size         uint32 // on-disk (stored) size; the uncompressed state is kept in Uncompressed
	Uncompressed bool
}

// Node is one filesystem object: a regular file, directory, symlink, or
// device/fifo/socket special file.
type Node struct {
	idx    int32
	parent int32
	name   string

	children    []int32
	childByName map[string]int32
	implicit    bool

	Type       squashfs.Type
	Mode       fs.FileMode
	Uid, Gid   uint32
	ModTime    int64
	Size       uint64
	LinkTarget string
	Devmajor   uint32
	Devminor   uint32

	xattrWorking []XattrPair
	XattrIdx     uint32 // resolved by DedupXattr; squashfs.NoXattr if none

	Ino uint32 // assigned by GenInodeTable, 0 until then

	Blocks     []BlockDescriptor
	DataStart  uint64 // absolute sink offset of the first non-hole block in Blocks, set by the data writer
	FragBlock  uint32 // squashfs.NoFragment if the file has no tail fragment
	FragOffset uint32

	InodeRef uint64 // (meta block start << 16) | offset, set by the serializer
}

// Name returns the node's base name ("" for the root).
func (n *Node) Name() string { return n.name }

// IsDir reports whether this node is a directory.
func (n *Node) IsDir() bool { return n.Type.IsDir() }

// Xattrs returns the node's deduplicated (key-id, value-id) pairs, sorted
// by key-id. Populated after DedupXattr.
func (n *Node) Xattrs() []XattrPair { return n.xattrWorking }

// Tree is the arena of Nodes making up the filesystem being built.
type Tree struct {
	nodes    []*Node
	defaults Defaults

	xattrKeyIdx map[string]uint32
	xattrKeys   [][]byte
	xattrValIdx map[string]uint32
	xattrVals   [][]byte

	xattrSetIdx map[string]uint32 // canonical pair-list encoding -> xattr_idx
	xattrSets   [][]XattrPair
}

// New creates an empty tree with a root directory at index 0.
func New(d Defaults) *Tree {
	t := &Tree{
		defaults:    d,
		xattrKeyIdx: make(map[string]uint32),
		xattrValIdx: make(map[string]uint32),
		xattrSetIdx: make(map[string]uint32),
	}
	root := &Node{
		idx:         noIndex,
		parent:      noParent,
		name:        "",
		childByName: make(map[string]int32),
		implicit:    true,
		Type:        squashfs.DirType,
		Mode:        d.Mode | fs.ModeDir,
		Uid:         d.Uid,
		Gid:         d.Gid,
		ModTime:     d.ModTime,
		XattrIdx:    squashfs.NoXattr,
		FragBlock:   squashfs.NoFragment,
	}
	t.nodes = append(t.nodes, root)
	return t
}

// Root returns the tree's root directory node.
func (t *Tree) Root() *Node { return t.nodes[0] }

// Node returns the node at idx, or nil if idx is out of range.
func (t *Tree) Node(idx int32) *Node {
	if idx < 0 || int(idx) >= len(t.nodes) {
		return nil
	}
	return t.nodes[idx]
}

// NumNodes returns the number of nodes in the arena, including the root.
func (t *Tree) NumNodes() int { return len(t.nodes) }

func (t *Tree) newNode(parent int32, name string, implicit bool, a Attrs) *Node {
	n := &Node{
		idx:        int32(len(t.nodes)),
		parent:     parent,
		name:       name,
		implicit:   implicit,
		Type:       a.Type,
		Mode:       a.Mode,
		Uid:        a.Uid,
		Gid:        a.Gid,
		ModTime:    a.ModTime,
		Size:       a.Size,
		LinkTarget: a.LinkTarget,
		Devmajor:   a.Devmajor,
		Devminor:   a.Devminor,
		XattrIdx:   squashfs.NoXattr,
		FragBlock:  squashfs.NoFragment,
	}
	if n.Type.IsDir() {
		n.childByName = make(map[string]int32)
	}
	t.nodes = append(t.nodes, n)
	return n
}

func (t *Tree) implicitDirAttrs() Attrs {
	return Attrs{
		Type:    squashfs.DirType,
		Mode:    t.defaults.Mode | fs.ModeDir,
		Uid:     t.defaults.Uid,
		Gid:     t.defaults.Gid,
		ModTime: t.defaults.ModTime,
	}
}

// Insert walks path, creating implicit directories with tree-wide defaults
// along the way, and places a node with attrs a at the terminal component.
// If the terminal component already exists: two directories merge (the
// existing node's attributes win, unless it was itself implicit, in which
// case a's attributes replace it); any other collision is ErrDuplicateEntry.
func (t *Tree) Insert(path string, a Attrs) (*Node, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := int32(0)

	for i, name := range parts {
		if name == "" {
			continue
		}
		last := i == len(parts)-1
		parentNode := t.nodes[cur]
		if !parentNode.Type.IsDir() {
			return nil, fmt.Errorf("%w: %q: parent %q is not a directory", ErrDuplicateEntry, path, parentNode.name)
		}

		if childIdx, ok := parentNode.childByName[name]; ok {
			child := t.nodes[childIdx]
			if !last {
				if !child.Type.IsDir() {
					return nil, fmt.Errorf("%w: %q: %q is not a directory", ErrDuplicateEntry, path, name)
				}
				cur = childIdx
				continue
			}
			// Terminal component collision.
			if child.Type.IsDir() && a.Type.IsDir() {
				if child.implicit {
					t.overwriteAttrs(child, a)
				}
				return child, nil
			}
			return nil, fmt.Errorf("%w: %q", ErrDuplicateEntry, path)
		}

		attrs := a
		implicit := false
		if !last {
			attrs = t.implicitDirAttrs()
			implicit = true
		}
		child := t.newNode(cur, name, implicit, attrs)
		parentNode.children = append(parentNode.children, child.idx)
		parentNode.childByName[name] = child.idx
		cur = child.idx
	}

	return t.nodes[cur], nil
}

func (t *Tree) overwriteAttrs(n *Node, a Attrs) {
	n.Mode = a.Mode
	n.Uid = a.Uid
	n.Gid = a.Gid
	n.ModTime = a.ModTime
	n.Size = a.Size
	n.implicit = false
}

// xattrNamespaceOK reports whether key falls in one of the three namespaces
// SquashFS stores xattrs under.
func xattrNamespaceOK(key string) bool {
	for _, prefix := range [...]string{"user.", "trusted.", "security."} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// AddXattr appends (key, value) to n's working attribute list, deduplicating
// identical pairs on the same node. Returns ErrUnsupportedXattr if key isn't
// in a recognized namespace.
func (t *Tree) AddXattr(n *Node, key string, value []byte) error {
	if !xattrNamespaceOK(key) {
		return fmt.Errorf("%w: %q", ErrUnsupportedXattr, key)
	}

	keyIdx, ok := t.xattrKeyIdx[key]
	if !ok {
		keyIdx = uint32(len(t.xattrKeys))
		t.xattrKeyIdx[key] = keyIdx
		t.xattrKeys = append(t.xattrKeys, []byte(key))
	}
	valIdx, ok := t.xattrValIdx[string(value)]
	if !ok {
		valIdx = uint32(len(t.xattrVals))
		t.xattrValIdx[string(value)] = valIdx
		t.xattrVals = append(t.xattrVals, value)
	}

	for _, p := range n.xattrWorking {
		if p.KeyIdx == keyIdx && p.ValIdx == valIdx {
			return nil
		}
	}
	n.xattrWorking = append(n.xattrWorking, XattrPair{KeyIdx: keyIdx, ValIdx: valIdx})
	return nil
}

// XattrKey returns the interned key at keyIdx.
func (t *Tree) XattrKey(idx uint32) []byte { return t.xattrKeys[idx] }

// XattrValue returns the interned value at valIdx.
func (t *Tree) XattrValue(idx uint32) []byte { return t.xattrVals[idx] }

// XattrSets returns every distinct deduplicated xattr set, indexed by
// xattr_idx, in the order DedupXattr assigned them.
func (t *Tree) XattrSets() [][]XattrPair { return t.xattrSets }

// DedupXattr sorts each node's working attribute list by key-id and
// hash-conses structurally identical lists to a single xattr_idx, shared
// across every node whose attribute set collapses to the same list. Nodes
// with no attributes get squashfs.NoXattr.
func (t *Tree) DedupXattr() {
	for _, n := range t.nodes {
		if len(n.xattrWorking) == 0 {
			n.XattrIdx = squashfs.NoXattr
			continue
		}
		sort.Slice(n.xattrWorking, func(i, j int) bool {
			if n.xattrWorking[i].KeyIdx != n.xattrWorking[j].KeyIdx {
				return n.xattrWorking[i].KeyIdx < n.xattrWorking[j].KeyIdx
			}
			return n.xattrWorking[i].ValIdx < n.xattrWorking[j].ValIdx
		})

		key := encodeXattrSet(n.xattrWorking)
		idx, ok := t.xattrSetIdx[key]
		if !ok {
			idx = uint32(len(t.xattrSets))
			t.xattrSetIdx[key] = idx
			t.xattrSets = append(t.xattrSets, n.xattrWorking)
		}
		n.XattrIdx = idx
	}
}

func encodeXattrSet(pairs []XattrPair) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%d:%d;", p.KeyIdx, p.ValIdx)
	}
	return b.String()
}

// SortRecursive orders every directory's children byte-wise by name, the
// order the serializer must emit directory entries in.
func (t *Tree) SortRecursive() {
	for _, n := range t.nodes {
		if !n.Type.IsDir() || len(n.children) < 2 {
			continue
		}
		sort.Slice(n.children, func(i, j int) bool {
			return t.nodes[n.children[i]].name < t.nodes[n.children[j]].name
		})
	}
}

// GenInodeTable assigns inode numbers via a post-order traversal starting at
// 1, and returns a flat array indexed by inode number (slot 0 unused).
func (t *Tree) GenInodeTable() []*Node {
	order := make([]*Node, 1, len(t.nodes)+1)
	order[0] = nil

	var walk func(idx int32)
	walk = func(idx int32) {
		n := t.nodes[idx]
		for _, c := range n.children {
			walk(c)
		}
		n.Ino = uint32(len(order))
		order = append(order, n)
	}
	walk(0)

	return order
}

// Children returns the child node indices of n, in whatever order they
// currently sit (call SortRecursive first for the on-disk order).
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, len(n.children))
	for i, idx := range n.children {
		out[i] = t.nodes[idx]
	}
	return out
}

// Parent returns n's parent, or nil for the root.
func (t *Tree) Parent(n *Node) *Node {
	if n.parent == noParent {
		return nil
	}
	return t.nodes[n.parent]
}
