package pipeline_test

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/pipeline"
)

// buildTar writes a small archive covering a regular file, a directory, a
// symlink, a duplicate-content file (dedup), and an xattr.
func buildTar(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	writeFile := func(name string, mode int64, content string) {
		hdr := &tar.Header{
			Name: name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(content)),
			Uid:      1000,
			Gid:      1000,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %s", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write data %s: %s", name, err)
		}
	}

	if err := tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatalf("write dir header: %s", err)
	}
	writeFile("dir/hello.txt", 0644, "hello, world")
	writeFile("dir/dup.txt", 0644, "hello, world") // same content, should dedup

	hdr := &tar.Header{
		Name:     "dir/link",
		Typeflag: tar.TypeSymlink,
		Linkname: "hello.txt",
		Mode:     0777,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write symlink header: %s", err)
	}

	xhdr := &tar.Header{
		Name:     "tagged.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     4,
		Xattrs:   map[string]string{"user.tag": "ok"},
	}
	if err := tw.WriteHeader(xhdr); err != nil {
		t.Fatalf("write xattr header: %s", err)
	}
	if _, err := tw.Write([]byte("data")); err != nil {
		t.Fatalf("write xattr data: %s", err)
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %s", err)
	}
	return buf.Bytes()
}

func runPipeline(t *testing.T, cfg pipeline.Config, tarBytes []byte) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.sqfs")
	cfg.OutputPath = out
	if err := pipeline.Run(cfg, bytes.NewReader(tarBytes)); err != nil {
		t.Fatalf("pipeline.Run: %s", err)
	}
	return out
}

func openImage(t *testing.T, path string) *squashfs.Superblock {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image: %s", err)
	}
	t.Cleanup(func() { f.Close() })
	sb, err := squashfs.New(f)
	if err != nil {
		t.Fatalf("squashfs.New: %s", err)
	}
	return sb
}

func lookup(t *testing.T, sb *squashfs.Superblock, path string) *squashfs.Inode {
	t.Helper()
	root, err := sb.GetInode(1)
	if err != nil {
		t.Fatalf("get root inode: %s", err)
	}
	ino, err := root.LookupRelativeInodePath(nil, path)
	if err != nil {
		t.Fatalf("lookup %s: %s", path, err)
	}
	return ino
}

func readAll(t *testing.T, ino *squashfs.Inode) []byte {
	t.Helper()
	buf := make([]byte, ino.Size)
	n, err := ino.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("read file: %s", err)
	}
	return buf[:n]
}

func TestRunProducesReadableImage(t *testing.T) {
	tarBytes := buildTar(t)
	out := runPipeline(t, pipeline.Config{}, tarBytes)

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %s", err)
	}
	if info.Size()%4096 != 0 {
		t.Errorf("expected output padded to a multiple of the default dev block size, got %d", info.Size())
	}

	sb := openImage(t, out)

	hello := lookup(t, sb, "dir/hello.txt")
	if got := string(readAll(t, hello)); got != "hello, world" {
		t.Errorf("dir/hello.txt content = %q", got)
	}

	dup := lookup(t, sb, "dir/dup.txt")
	if got := string(readAll(t, dup)); got != "hello, world" {
		t.Errorf("dir/dup.txt content = %q", got)
	}

	link := lookup(t, sb, "dir/link")
	target, err := link.Readlink()
	if err != nil {
		t.Fatalf("readlink: %s", err)
	}
	if string(target) != "hello.txt" {
		t.Errorf("dir/link target = %q, want hello.txt", target)
	}

	tagged := lookup(t, sb, "tagged.txt")
	if got := string(readAll(t, tagged)); got != "data" {
		t.Errorf("tagged.txt content = %q", got)
	}
}

func TestRunKeepTimePreservesPerEntryMtime(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	old := &tar.Header{Name: "old.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 1, ModTime: time.Unix(1000, 0)}
	newer := &tar.Header{Name: "newer.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 1, ModTime: time.Unix(2000, 0)}
	if err := tw.WriteHeader(old); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte("a"))
	if err := tw.WriteHeader(newer); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte("b"))
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	out := runPipeline(t, pipeline.Config{KeepTime: true}, buf.Bytes())
	sb := openImage(t, out)

	oldIno := lookup(t, sb, "old.txt")
	newIno := lookup(t, sb, "newer.txt")
	if oldIno.ModTime != 1000 {
		t.Errorf("old.txt ModTime = %d, want 1000", oldIno.ModTime)
	}
	if newIno.ModTime != 2000 {
		t.Errorf("newer.txt ModTime = %d, want 2000", newIno.ModTime)
	}
}

func TestRunSkipsMalformedEntryUnlessNoSkip(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	// A hard link record with no payload is explicitly unresolvable and
	// must be skipped rather than guessed at.
	hdr := &tar.Header{Name: "bogus-link", Typeflag: tar.TypeLink, Linkname: "nowhere", Size: 0}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: "fine.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 4}); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte("fine"))
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	tarBytes := buf.Bytes()

	var warned []string
	out := runPipeline(t, pipeline.Config{Warn: func(entry, msg string) { warned = append(warned, entry) }}, tarBytes)
	if len(warned) != 1 || warned[0] != "bogus-link" {
		t.Errorf("expected a single warning for bogus-link, got %v", warned)
	}
	sb := openImage(t, out)
	if got := string(readAll(t, lookup(t, sb, "fine.txt"))); got != "fine" {
		t.Errorf("fine.txt content = %q", got)
	}

	out2 := filepath.Join(t.TempDir(), "strict.sqfs")
	err := pipeline.Run(pipeline.Config{OutputPath: out2, NoSkip: true}, bytes.NewReader(tarBytes))
	if err == nil {
		t.Error("expected NoSkip to turn the malformed hard link into a fatal error")
	}
}

func TestRunRejectsExistingOutputWithoutForce(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.sqfs")
	if err := os.WriteFile(out, []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}
	tarBytes := buildTar(t)
	err := pipeline.Run(pipeline.Config{OutputPath: out}, bytes.NewReader(tarBytes))
	if err == nil {
		t.Error("expected an error writing over an existing file without Force")
	}

	if err := pipeline.Run(pipeline.Config{OutputPath: out, Force: true}, bytes.NewReader(tarBytes)); err != nil {
		t.Errorf("Force should allow overwriting an existing file: %s", err)
	}
}
