package serializer

import (
	"io"
	"testing"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
)

func TestBlockLog(t *testing.T) {
	cases := map[uint32]uint16{
		1024:   10,
		4096:   12,
		131072: 17,
	}
	for size, want := range cases {
		if got := blockLog(size); got != want {
			t.Errorf("blockLog(%d) = %d, want %d", size, got, want)
		}
	}
}

func buildTree(t *testing.T) (*fstree.Tree, []*fstree.Node) {
	t.Helper()
	tree := fstree.New(fstree.Defaults{Mode: 0755})

	if _, err := tree.Insert("file.txt", fstree.Attrs{
		Type: squashfs.FileType,
		Mode: 0644,
		Uid:  1000,
		Gid:  1000,
		Size: 0,
	}); err != nil {
		t.Fatalf("insert file: %s", err)
	}
	if _, err := tree.Insert("sub/other.txt", fstree.Attrs{
		Type: squashfs.FileType,
		Mode: 0644,
		Size: 0,
	}); err != nil {
		t.Fatalf("insert nested file: %s", err)
	}

	tree.SortRecursive()
	tree.DedupXattr()
	order := tree.GenInodeTable()
	return tree, order
}

func TestWriteProducesConsistentSuperblock(t *testing.T) {
	tree, order := buildTree(t)

	ser := New(tree, order, nil, Options{
		BlockSize: 131072,
		Comp:      squashfs.GZip,
		ModTime:   1234,
	})

	sink := &memSink{}
	sb, used, err := ser.Write(sink, 0)
	if err != nil {
		t.Fatalf("Write: %s", err)
	}
	if len(sb) != 96 {
		t.Errorf("superblock length = %d, want 96", len(sb))
	}
	if used <= 0 {
		t.Errorf("used size = %d, want > 0", used)
	}
	if string(sb[:4]) != "hsqs" {
		t.Errorf("superblock magic = %q, want hsqs", sb[:4])
	}
}

func TestWriteSetsNoFragmentsFlagWhenFragTableEmpty(t *testing.T) {
	tree, order := buildTree(t)
	ser := New(tree, order, nil, Options{BlockSize: 131072, Comp: squashfs.GZip})

	sink := &memSink{}
	sb, _, err := ser.Write(sink, 96)
	if err != nil {
		t.Fatalf("Write: %s", err)
	}
	if _, err := sink.WriteAt(sb, 0); err != nil {
		t.Fatalf("write superblock: %s", err)
	}

	sbDec, err := squashfs.New(&readerAtAdapter{sink})
	if err != nil {
		t.Fatalf("decode superblock: %s", err)
	}
	if !sbDec.Flags.Has(squashfs.NO_FRAGMENTS) {
		t.Errorf("expected NO_FRAGMENTS set when no fragments were written")
	}
	if !sbDec.Flags.Has(squashfs.NO_XATTRS) {
		t.Errorf("expected NO_XATTRS set when the tree carries no xattr sets")
	}
}

// readerAtAdapter lets squashfs.New read back a memSink's contents, the way
// the pipeline reads back the sink it just wrote through os.File.
type readerAtAdapter struct {
	m *memSink
}

func (r *readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	buf := r.m.Bytes()
	if off >= int64(len(buf)) {
		return 0, io.EOF
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
