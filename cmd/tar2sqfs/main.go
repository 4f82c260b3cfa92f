// Command tar2sqfs reads an uncompressed tar archive from standard input
// and writes a SquashFS 4.0 image to the given output file.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
	"github.com/tar2sqfs/tar2sqfs/internal/pipeline"
)

const version = "tar2sqfs 1.0.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stderr))
}

func run(args []string, stdin *os.File, stderr *os.File) int {
	fset := flag.NewFlagSet("tar2sqfs", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() { printUsage(stderr) }

	var (
		compressor   string
		compExtra    string
		numJobs      int
		queueBacklog int
		blockSize    uint
		devBlockSize uint
		defaultsCSV  string
		noSkip       bool
		noXattr      bool
		keepTime     bool
		exportable   bool
		force        bool
		quiet        bool
		verbose      bool
		showVersion  bool
	)

	addStringFlag(fset, &compressor, "compressor", "c", "gzip", "compressor: gzip, lzma, lzo, xz, lz4, zstd")
	addStringFlag(fset, &compExtra, "comp-extra", "X", "", "compressor-specific options (CSV), or \"help\"")
	addIntFlag(fset, &numJobs, "num-jobs", "j", 1, "number of compressor worker goroutines")
	addIntFlag(fset, &queueBacklog, "queue-backlog", "Q", 0, "max inflight blocks (default 10x num-jobs)")
	addUintFlag(fset, &blockSize, "block-size", "b", 131072, "data block size in bytes")
	addUintFlag(fset, &devBlockSize, "dev-block-size", "B", 4096, "final image size is padded to a multiple of this (>= 1024)")
	addStringFlag(fset, &defaultsCSV, "defaults", "d", "", "defaults for implicit directories: uid=N,gid=N,mode=N,mtime=N")
	addBoolFlag(fset, &noSkip, "no-skip", "s", false, "treat malformed entries and unsupported xattrs as fatal")
	addBoolFlag(fset, &noXattr, "no-xattr", "x", false, "do not store extended attributes")
	addBoolFlag(fset, &keepTime, "keep-time", "k", false, "preserve each entry's own mtime instead of normalizing")
	addBoolFlag(fset, &exportable, "exportable", "e", false, "build the NFS export table")
	addBoolFlag(fset, &force, "force", "f", false, "overwrite the output file if it exists")
	addBoolFlag(fset, &quiet, "quiet", "q", false, "suppress warnings for skipped entries")
	addBoolFlag(fset, &verbose, "verbose", "v", false, "log each entry and pipeline step to stderr")
	fset.BoolVar(&showVersion, "version", false, "print the version and exit")
	fset.BoolVar(&showVersion, "V", false, "print the version and exit (shorthand)")

	if err := fset.Parse(args); err != nil {
		return 1
	}

	if showVersion {
		fmt.Fprintln(stderr, version)
		return 0
	}

	if compExtra == "help" {
		comp, err := squashfs.ParseCompression(compressor)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		help := comp.ExtraHelp()
		if help == "" {
			help = fmt.Sprintf("%s takes no -X options\n", comp)
		}
		fmt.Fprint(stderr, help)
		return 0
	}

	if fset.NArg() != 1 {
		fmt.Fprintln(stderr, "tar2sqfs: exactly one output file argument required")
		printUsage(stderr)
		return 1
	}

	comp, err := squashfs.ParseCompression(compressor)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	defaults, err := parseDefaults(defaultsCSV)
	if err != nil {
		fmt.Fprintf(stderr, "tar2sqfs: --defaults: %s\n", err)
		return 1
	}

	if devBlockSize < 1024 {
		fmt.Fprintln(stderr, "tar2sqfs: --dev-block-size must be >= 1024")
		return 1
	}

	cfg := pipeline.Config{
		OutputPath:   fset.Arg(0),
		Force:        force,
		Comp:         comp,
		CompExtra:    compExtra,
		NumJobs:      numJobs,
		QueueBacklog: queueBacklog,
		BlockSize:    uint32(blockSize),
		DevBlockSize: uint32(devBlockSize),
		Defaults:     defaults,
		NoSkip:       noSkip,
		NoXattr:      noXattr,
		KeepTime:     keepTime,
		Exportable:   exportable,
		Verbose:      verbose,
	}
	if !quiet {
		cfg.Warn = func(entry, msg string) {
			fmt.Fprintf(stderr, "tar2sqfs: skipping %s: %s\n", entry, msg)
		}
	}

	if err := pipeline.Run(cfg, stdin); err != nil {
		fmt.Fprintf(stderr, "tar2sqfs: %s\n", err)
		return 1
	}
	return 0
}

// addStringFlag, addIntFlag, addUintFlag, addBoolFlag register a flag under
// both its long and short names, stdlib flag having no native alias support.

func addStringFlag(fset *flag.FlagSet, p *string, long, short, def, usage string) {
	fset.StringVar(p, long, def, usage)
	fset.StringVar(p, short, def, usage+" (shorthand)")
}

func addIntFlag(fset *flag.FlagSet, p *int, long, short string, def int, usage string) {
	fset.IntVar(p, long, def, usage)
	fset.IntVar(p, short, def, usage+" (shorthand)")
}

func addUintFlag(fset *flag.FlagSet, p *uint, long, short string, def uint, usage string) {
	fset.UintVar(p, long, def, usage)
	fset.UintVar(p, short, def, usage+" (shorthand)")
}

func addBoolFlag(fset *flag.FlagSet, p *bool, long, short string, def bool, usage string) {
	fset.BoolVar(p, long, def, usage)
	fset.BoolVar(p, short, def, usage+" (shorthand)")
}

// parseDefaults parses the --defaults CSV ("uid=N,gid=N,mode=N,mtime=N")
// into a fstree.Defaults, applying squashfs's usual defaults (uid/gid 0,
// mode 0755, mtime 0) for anything unspecified.
func parseDefaults(csv string) (fstree.Defaults, error) {
	d := fstree.Defaults{Mode: fs.FileMode(0755)}
	if csv == "" {
		return d, nil
	}
	for _, pair := range strings.Split(csv, ",") {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return d, fmt.Errorf("malformed option %q, want key=value", pair)
		}
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return d, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "uid":
			d.Uid = uint32(n)
		case "gid":
			d.Gid = uint32(n)
		case "mode":
			d.Mode = fs.FileMode(n & 0777)
		case "mtime":
			d.ModTime = int64(n)
		default:
			return d, fmt.Errorf("unrecognized key %q", key)
		}
	}
	return d, nil
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `usage: tar2sqfs [OPTIONS] <output-file>

Reads an uncompressed tar archive from standard input and writes a
SquashFS 4.0 image to <output-file>.

Options:
  -c, --compressor NAME       compressor: gzip, lzma, lzo, xz, lz4, zstd (default gzip)
  -X, --comp-extra CSV        compressor-specific options, or "help"
  -j, --num-jobs N            number of compressor worker goroutines (default 1)
  -Q, --queue-backlog N       max inflight blocks (default 10x num-jobs)
  -b, --block-size N          data block size in bytes (default 131072)
  -B, --dev-block-size N      pad final image to a multiple of this (default 4096, >= 1024)
  -d, --defaults CSV          defaults for implicit directories: uid=N,gid=N,mode=N,mtime=N
  -s, --no-skip               treat malformed entries and unsupported xattrs as fatal
  -x, --no-xattr              do not store extended attributes
  -k, --keep-time             preserve each entry's own mtime instead of normalizing
  -e, --exportable            build the NFS export table
  -f, --force                 overwrite the output file if it exists
  -q, --quiet                 suppress warnings for skipped entries
  -h, --help                  show this help and exit
  -V, --version                print the version and exit
`)
}
