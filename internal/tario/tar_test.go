package tario

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
)

func TestCleanEntryName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b.txt", "a/b.txt", false},
		{"/a/b.txt", "a/b.txt", false},
		{"./a/./b", "a/b", false},
		{"a//b", "a/b", false},
		{"a/../b", "b", false},
		{"../evil", "", true},
		{"a/../../evil", "", true},
		{"", "", true},
		{".", "", true},
	}
	for _, c := range cases {
		got, err := CleanEntryName(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("CleanEntryName(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("CleanEntryName(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("CleanEntryName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// buildTar uses archive/tar's writer purely as a test fixture generator
// (not exercised by the shipped decoder, which never imports archive/tar).
func buildTar(t *testing.T, write func(tw *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write(tw)
	if err := tw.Close(); err != nil {
		t.Fatalf("closing test tar writer: %v", err)
	}
	return buf.Bytes()
}

func TestReaderBasicUSTAR(t *testing.T) {
	data := buildTar(t, func(tw *tar.Writer) {
		hdr := &tar.Header{
			Name:   "dir/file.txt",
			Mode:   0644,
			Uid:    1000,
			Gid:    1000,
			Size:   5,
			Format: tar.FormatUSTAR,
		}
		_ = tw.WriteHeader(hdr)
		_, _ = tw.Write([]byte("hello"))
	})

	r := NewReader(bytes.NewReader(data))
	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Name != "dir/file.txt" {
		t.Errorf("Name = %q", e.Name)
	}
	if e.Uid != 1000 || e.Gid != 1000 {
		t.Errorf("uid/gid = %d/%d", e.Uid, e.Gid)
	}
	if e.Size != 5 {
		t.Errorf("Size = %d", e.Size)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("payload = %q", got)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderGNULongName(t *testing.T) {
	longName := "a/" + string(bytes.Repeat([]byte("b"), 200)) + "/file.txt"
	data := buildTar(t, func(tw *tar.Writer) {
		hdr := &tar.Header{Name: longName, Mode: 0644, Size: 0, Format: tar.FormatGNU}
		_ = tw.WriteHeader(hdr)
	})

	r := NewReader(bytes.NewReader(data))
	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Name != longName {
		t.Errorf("Name = %q, want %q", e.Name, longName)
	}
}

func TestReaderPAXXattrs(t *testing.T) {
	data := buildTar(t, func(tw *tar.Writer) {
		hdr := &tar.Header{
			Name:   "f.txt",
			Mode:   0644,
			Size:   0,
			Format: tar.FormatPAX,
			PAXRecords: map[string]string{
				"SCHILY.xattr.user.foo": "bar",
			},
		}
		_ = tw.WriteHeader(hdr)
	})

	r := NewReader(bytes.NewReader(data))
	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(e.Xattrs["user.foo"]) != "bar" {
		t.Errorf("xattr user.foo = %q", e.Xattrs["user.foo"])
	}
}

func TestReaderSkipsEscapingPath(t *testing.T) {
	data := buildTar(t, func(tw *tar.Writer) {
		_ = tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: 0, Format: tar.FormatUSTAR})
		_ = tw.WriteHeader(&tar.Header{Name: "ok.txt", Mode: 0644, Size: 0, Format: tar.FormatUSTAR})
	})

	var warned []string
	r := NewReader(bytes.NewReader(data))
	r.Warn = func(name, msg string) { warned = append(warned, name) }

	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Name != "ok.txt" {
		t.Fatalf("expected the escaping entry to be skipped, got %q", e.Name)
	}
	if len(warned) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warned)
	}
}

func TestReaderStrictModeFailsOnEscapingPath(t *testing.T) {
	data := buildTar(t, func(tw *tar.Writer) {
		_ = tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: 0, Format: tar.FormatUSTAR})
	})

	r := NewReader(bytes.NewReader(data))
	r.SetStrict(true)
	if _, err := r.Next(); err == nil {
		t.Fatal("expected a fatal error in strict mode")
	}
}

func TestParsePAXSparseMap(t *testing.T) {
	entries, err := parsePAXSparseMap("0,4096,8192,4096")
	if err != nil {
		t.Fatalf("parsePAXSparseMap: %v", err)
	}
	want := []SparseEntry{{Offset: 0, Count: 4096}, {Offset: 8192, Count: 4096}}
	if len(entries) != len(want) || entries[0] != want[0] || entries[1] != want[1] {
		t.Fatalf("entries = %+v, want %+v", entries, want)
	}
}

func TestValidateSparse(t *testing.T) {
	entries := []SparseEntry{{Offset: 0, Count: 4096}, {Offset: 262144, Count: 4096}}
	if err := ValidateSparse(entries, 8192, 266240); err != nil {
		t.Fatalf("expected valid sparse map, got error: %v", err)
	}
	if err := ValidateSparse(entries, 9000, 266240); err == nil {
		t.Fatal("expected record size mismatch to be rejected")
	}
	overlapping := []SparseEntry{{Offset: 0, Count: 4096}, {Offset: 2048, Count: 4096}}
	if err := ValidateSparse(overlapping, 8192, 266240); err == nil {
		t.Fatal("expected overlapping segments to be rejected")
	}
}

func TestExpandSparseReconstructsHoles(t *testing.T) {
	// Two 4 KiB data segments separated and followed by holes, logical
	// size 16 KiB.
	entries := []SparseEntry{{Offset: 0, Count: 4096}, {Offset: 8192, Count: 4096}}
	data := bytes.Repeat([]byte{0xAB}, 4096)
	data = append(data, bytes.Repeat([]byte{0xCD}, 4096)...)

	expanded := ExpandSparse(entries, 16384, bytes.NewReader(data))
	got, err := io.ReadAll(expanded)
	if err != nil {
		t.Fatalf("reading expanded stream: %v", err)
	}
	if len(got) != 16384 {
		t.Fatalf("len = %d, want 16384", len(got))
	}
	checkRange := func(start, end int, want byte) {
		for i := start; i < end; i++ {
			if got[i] != want {
				t.Fatalf("byte %d = %#x, want %#x", i, got[i], want)
			}
		}
	}
	checkRange(0, 4096, 0xAB)
	checkRange(4096, 8192, 0)
	checkRange(8192, 12288, 0xCD)
	checkRange(12288, 16384, 0)
}

func TestExpandSparseAllHoles(t *testing.T) {
	expanded := ExpandSparse(nil, 4096, bytes.NewReader(nil))
	got, err := io.ReadAll(expanded)
	if err != nil {
		t.Fatalf("reading expanded stream: %v", err)
	}
	if len(got) != 4096 {
		t.Fatalf("len = %d, want 4096", len(got))
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestParseNumericBase256(t *testing.T) {
	// A base-256 encoded 12-byte field for the value 0x100000000 (4 GiB).
	field := make([]byte, 12)
	field[0] = 0x80
	field[11] = 0x00
	v := int64(1) << 32
	for i := 11; i >= 1 && v > 0; i-- {
		field[i] = byte(v & 0xff)
		v >>= 8
	}
	got, err := parseNumeric(field)
	if err != nil {
		t.Fatalf("parseNumeric: %v", err)
	}
	if got != int64(1)<<32 {
		t.Fatalf("got %d, want %d", got, int64(1)<<32)
	}
}
