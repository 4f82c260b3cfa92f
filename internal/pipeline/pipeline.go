// Package pipeline wires the tar decoder, filesystem tree, parallel data
// writer, and serializer into the single Run call the CLI drives: stdin in,
// a finished SquashFS image out.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/datawriter"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
	"github.com/tar2sqfs/tar2sqfs/internal/metawriter"
	"github.com/tar2sqfs/tar2sqfs/internal/serializer"
	"github.com/tar2sqfs/tar2sqfs/internal/sink"
	"github.com/tar2sqfs/tar2sqfs/internal/tario"
)

const superblockSize = 96

// Config threads every CLI-tunable knob through Run; there is no
// process-wide state.
type Config struct {
	OutputPath string
	Force      bool

	Comp      squashfs.Compression
	CompExtra string

	NumJobs      int
	QueueBacklog int
	BlockSize    uint32
	DevBlockSize uint32

	Defaults   fstree.Defaults
	NoSkip     bool
	NoXattr    bool
	KeepTime   bool
	Exportable bool

	// Verbose gates the trace-level log.Printf calls Run emits as it
	// walks the archive, off by default like the teacher's own library
	// logging.
	Verbose bool

	// Warn reports a skipped entry (name plus message); nil is a no-op.
	Warn func(entry, msg string)
	// Progress is forwarded to the data writer; nil is a no-op.
	Progress func(written uint64)
}

func (c *Config) setDefaults() {
	if c.BlockSize == 0 {
		c.BlockSize = 131072
	}
	if c.DevBlockSize == 0 {
		c.DevBlockSize = 4096
	}
	if c.NumJobs <= 0 {
		c.NumJobs = 1
	}
	if c.QueueBacklog <= 0 {
		c.QueueBacklog = 10 * c.NumJobs
	}
	if c.Comp == 0 {
		c.Comp = squashfs.GZip
	}
	if c.Warn == nil {
		c.Warn = func(string, string) {}
	}
}

// Run reads an uncompressed tar stream from in and writes a complete
// SquashFS 4.0 image to cfg.OutputPath.
func Run(cfg Config, in io.Reader) error {
	cfg.setDefaults()

	if err := cfg.Comp.ConfigureExtra(cfg.CompExtra); err != nil {
		return err
	}

	out, err := sink.Open(cfg.OutputPath, cfg.Force)
	if err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, err)
	}
	defer out.Close()

	// A placeholder superblock so a crash mid-run leaves a recognizable,
	// if incomplete, image rather than a zero-byte file.
	if _, err := out.WriteAt(make([]byte, superblockSize), 0); err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, err)
	}

	base := int64(superblockSize)
	hasCompOpts := false
	if payload, err := cfg.Comp.WriteOptions(); err == nil && len(payload) > 0 {
		ow := metawriter.New(out, cfg.Comp, base)
		if err := ow.Append(payload); err != nil {
			return squashfs.NewError(squashfs.KindOutputIO, err)
		}
		if err := ow.Flush(); err != nil {
			return squashfs.NewError(squashfs.KindOutputIO, err)
		}
		base += ow.BytesWritten()
		hasCompOpts = true
		if cfg.Verbose {
			log.Printf("tar2sqfs: wrote compressor-options block (%d bytes)", len(payload))
		}
	}

	tree := fstree.New(cfg.Defaults)
	dw := datawriter.New(out, base, datawriter.Config{
		BlockSize:  cfg.BlockSize,
		NumJobs:    cfg.NumJobs,
		MaxBacklog: cfg.QueueBacklog,
		Comp:       cfg.Comp,
		Progress:   cfg.Progress,
	})
	defer dw.Close()

	tr := tario.NewReader(in)
	tr.SetStrict(cfg.NoSkip)
	tr.Warn = func(name, msg string) {
		cfg.Warn(name, fmt.Sprintf("%s: %s", squashfs.KindTarFormat, msg))
	}

	for {
		entry, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return squashfs.NewError(squashfs.KindTarFormat, err)
		}

		if cfg.Verbose {
			log.Printf("tar2sqfs: %c %s (%d bytes)", entry.Typeflag, entry.Name, entry.Size)
		}

		if err := processEntry(tree, dw, tr, entry, cfg.NoXattr, cfg.NoSkip, cfg.Warn); err != nil {
			var serr *squashfs.Error
			if errors.As(err, &serr) && serr.Kind.Skippable() && !cfg.NoSkip {
				cfg.Warn(entry.Name, serr.Error())
				continue
			}
			return err
		}
	}

	if cfg.Verbose {
		log.Printf("tar2sqfs: %d bytes of data written, serializing metadata", dw.BytesWritten())
	}

	if err := dw.Sync(); err != nil {
		return err
	}

	tree.SortRecursive()
	tree.DedupXattr()
	order := tree.GenInodeTable()

	ser := serializer.New(tree, order, dw.FragmentTable(), serializer.Options{
		BlockSize:            cfg.BlockSize,
		Comp:                 cfg.Comp,
		ModTime:              int32(time.Now().Unix()),
		KeepTime:             cfg.KeepTime,
		Exportable:           cfg.Exportable,
		NoXattr:              cfg.NoXattr,
		HasCompressorOptions: hasCompOpts,
	})

	sb, used, err := ser.Write(out, dw.BytesWritten())
	if err != nil {
		return err
	}

	padded := used
	if rem := padded % int64(cfg.DevBlockSize); rem != 0 {
		padded += int64(cfg.DevBlockSize) - rem
	}
	if err := out.Truncate(padded); err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, err)
	}
	if _, err := out.WriteAt(sb, 0); err != nil {
		return squashfs.NewError(squashfs.KindOutputIO, err)
	}

	return nil
}

// processEntry inserts one decoded tar entry into tree, reading its payload
// (if any) through dw.
func processEntry(tree *fstree.Tree, dw *datawriter.Writer, tr *tario.Reader, e *tario.Entry, noXattr, noSkip bool, warn func(name, msg string)) error {
	attrs := fstree.Attrs{
		Mode:       e.FileInfoMode(),
		Uid:        uint32(e.Uid),
		Gid:        uint32(e.Gid),
		ModTime:    e.ModTime.Unix(),
		LinkTarget: e.Linkname,
		Devmajor:   uint32(e.Devmajor),
		Devminor:   uint32(e.Devminor),
	}

	switch e.Typeflag {
	case tario.TypeDir:
		attrs.Type = squashfs.DirType

	case tario.TypeSymlink:
		attrs.Type = squashfs.SymlinkType

	case tario.TypeChar:
		attrs.Type = squashfs.CharDevType

	case tario.TypeBlock:
		attrs.Type = squashfs.BlockDevType

	case tario.TypeFifo:
		attrs.Type = squashfs.FifoType

	case tario.TypeLink:
		if e.Size == 0 {
			return squashfs.NewEntryError(squashfs.KindTarFormat, e.Name, fmt.Errorf("hard link with no payload"))
		}
		attrs.Type = squashfs.FileType
		attrs.Size = uint64(e.Size)

	case tario.TypeReg, tario.TypeRegA, tario.TypeContiguous, tario.TypeGNUSparse:
		attrs.Type = squashfs.FileType
		attrs.Size = uint64(e.Size)

	default:
		return squashfs.NewEntryError(squashfs.KindTarFormat, e.Name, fmt.Errorf("unsupported entry type %q", e.Typeflag))
	}

	node, err := tree.Insert(e.Name, attrs)
	if err != nil {
		return squashfs.NewEntryError(squashfs.KindTarFormat, e.Name, err)
	}

	if attrs.Type == squashfs.FileType {
		payload := io.Reader(tr)
		if e.IsSparse {
			if err := tario.ValidateSparse(e.Sparse, e.RecordSize, e.Size); err != nil {
				return squashfs.NewEntryError(squashfs.KindTarFormat, e.Name, err)
			}
			payload = tario.ExpandSparse(e.Sparse, e.Size, tr)
		}
		if err := dw.WriteFile(node, payload, attrs.Size); err != nil {
			return err
		}
	}

	if !noXattr {
		// With noSkip an unsupported key is fatal. Otherwise only the
		// offending attribute is dropped, not the whole entry: collect and
		// continue over every key rather than returning on the first
		// failure, since map iteration order is nondeterministic and a
		// later valid key must not be skipped because an earlier one
		// happened to be unsupported.
		for key, val := range e.Xattrs {
			if err := tree.AddXattr(node, key, val); err != nil {
				serr := squashfs.NewEntryError(squashfs.KindUnsupportedXattr, e.Name, err)
				if noSkip {
					return serr
				}
				if warn != nil {
					warn(e.Name, serr.Error())
				}
			}
		}
	}

	return nil
}
