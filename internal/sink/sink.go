// Package sink wraps the output file the pipeline writes the SquashFS image
// to, exposing only the operations the rest of the pipeline needs.
package sink

import "os"

// Sink is the output side of the pipeline: a file opened for random-access
// read and write, tracking the high-water mark so the final size can be
// computed without a stat call.
type Sink struct {
	f    *os.File
	size int64
}

// Open creates (or truncates, if force is set) path for the output image.
// If the file exists and force is false, Open fails.
func Open(path string, force bool) (*Sink, error) {
	flags := os.O_RDWR | os.O_CREATE
	if force {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &Sink{f: f}, nil
}

// WriteAt writes p at off, tracked against the sink's current size.
func (s *Sink) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if end := off + int64(n); end > s.size {
		s.size = end
	}
	return n, err
}

// ReadAt reads into p from off. Used by the data writer's dedup verification
// pass, which only ever reads ranges already written by WriteAt.
func (s *Sink) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the high-water mark of bytes written so far.
func (s *Sink) Size() int64 { return s.size }

// Truncate sets the file's length, used for the final dev_block_size
// padding.
func (s *Sink) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return err
	}
	if size > s.size {
		s.size = size
	}
	return nil
}

// Close releases the underlying file descriptor.
func (s *Sink) Close() error {
	return s.f.Close()
}
