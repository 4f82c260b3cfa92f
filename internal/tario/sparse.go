package tario

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SparseEntry is one data segment of a sparse file: Count bytes at
// Offset are present on the wire; everything between segments (and after
// the last one, up to the logical size) is a hole of zeros.
type SparseEntry struct {
	Offset int64
	Count  int64
}

// gnuOldSparse decodes the classic GNU sparse header: up to four entries
// inline in the base header block, continued by SPARSE_CONT-style blocks
// (21 entries each) while the "is extended" flag is set. br supplies the
// continuation blocks; each one is consumed in full from the wire.
func gnuOldSparse(hdr []byte, br *blockReader) ([]SparseEntry, int64, error) {
	var entries []SparseEntry
	const inlineCount = 4
	region := hdr[fieldGNUSparse : fieldGNUSparse+fieldGNUSparseLen]
	for i := 0; i < inlineCount; i++ {
		e := region[i*24 : i*24+24]
		ent, ok, err := decodeSparseElem(e)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			break
		}
		entries = append(entries, ent)
	}

	extended := hdr[fieldGNUIsExtended] != 0
	for extended {
		blk, err := br.readBlock()
		if err != nil {
			return nil, 0, fmt.Errorf("tario: reading sparse continuation block: %w", err)
		}
		const contCount = 21
		for i := 0; i < contCount; i++ {
			e := blk[i*24 : i*24+24]
			ent, ok, err := decodeSparseElem(e)
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				break
			}
			entries = append(entries, ent)
		}
		extended = blk[contCount*24] != 0
	}

	realSize, err := parseNumeric(hdr[fieldGNURealSize : fieldGNURealSize+fieldGNURealSizeLen])
	if err != nil {
		return nil, 0, err
	}
	return entries, realSize, nil
}

func decodeSparseElem(e []byte) (SparseEntry, bool, error) {
	if isZeroBlock(e) {
		return SparseEntry{}, false, nil
	}
	off, err := parseNumeric(e[0:12])
	if err != nil {
		return SparseEntry{}, false, err
	}
	cnt, err := parseNumeric(e[12:24])
	if err != nil {
		return SparseEntry{}, false, err
	}
	return SparseEntry{Offset: off, Count: cnt}, true, nil
}

// parsePAXSparseMap decodes the PAX 0.0/0.1 "GNU.sparse.map" record: a
// comma-separated flat list of offset,count pairs.
func parsePAXSparseMap(raw string) ([]SparseEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("tario: GNU.sparse.map has an odd number of fields")
	}
	entries := make([]SparseEntry, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		off, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tario: GNU.sparse.map offset: %w", err)
		}
		cnt, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tario: GNU.sparse.map count: %w", err)
		}
		entries = append(entries, SparseEntry{Offset: off, Count: cnt})
	}
	return entries, nil
}

// readPAX1SparseMap decodes the PAX 1.0 sparse format: the map is stored as
// the leading text of the entry's own payload rather than in a PAX record.
// The text is a decimal entry count followed by that many "offset\n"
// "numbytes\n" line pairs, the whole thing padded with NULs out to the next
// 512-byte boundary. br reads directly off the wire; the returned
// consumed count is the number of wire bytes (already block-aligned) used
// by the map, to be subtracted from the entry's on-disk record size.
func readPAX1SparseMap(br *blockReader) ([]SparseEntry, int64, error) {
	var raw []byte
	var consumed int64
	readLine := func() (string, error) {
		for {
			if i := indexByte(raw, '\n'); i >= 0 {
				line := string(raw[:i])
				raw = raw[i+1:]
				return line, nil
			}
			blk, err := br.readBlock()
			if err != nil {
				return "", fmt.Errorf("tario: reading PAX 1.0 sparse map: %w", err)
			}
			consumed += blockSize
			raw = append(raw, blk...)
		}
	}

	numStr, err := readLine()
	if err != nil {
		return nil, 0, err
	}
	numStr = strings.TrimSpace(numStr)
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return nil, 0, fmt.Errorf("tario: PAX 1.0 sparse map entry count: %w", err)
	}

	entries := make([]SparseEntry, 0, n)
	for i := 0; i < n; i++ {
		offStr, err := readLine()
		if err != nil {
			return nil, 0, err
		}
		cntStr, err := readLine()
		if err != nil {
			return nil, 0, err
		}
		off, err := strconv.ParseInt(strings.TrimSpace(offStr), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("tario: PAX 1.0 sparse map offset: %w", err)
		}
		cnt, err := strconv.ParseInt(strings.TrimSpace(cntStr), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("tario: PAX 1.0 sparse map count: %w", err)
		}
		entries = append(entries, SparseEntry{Offset: off, Count: cnt})
	}

	// Whatever is left in raw after the last line is the map's NUL padding
	// out to the block boundary; the file's data starts at the next block,
	// so the leftover is dropped.
	return entries, consumed, nil
}

// ValidateSparse checks the invariants spec section 4.1 assigns to the
// pipeline rather than the reader: segments are monotonically
// non-overlapping by offset, and their total count matches recordSize
// (the payload bytes actually present on the wire).
func ValidateSparse(entries []SparseEntry, recordSize, actualSize int64) error {
	var sum int64
	prevEnd := int64(-1)
	for _, e := range entries {
		if e.Offset < prevEnd {
			return fmt.Errorf("tario: sparse segments overlap or are out of order at offset %d", e.Offset)
		}
		if e.Offset+e.Count > actualSize {
			return fmt.Errorf("tario: sparse segment at %d+%d exceeds logical size %d", e.Offset, e.Count, actualSize)
		}
		sum += e.Count
		prevEnd = e.Offset + e.Count
	}
	if sum != recordSize {
		return fmt.Errorf("tario: sparse segment sizes sum to %d, want record size %d", sum, recordSize)
	}
	return nil
}

// ExpandSparse wraps r (which must yield exactly the concatenation of
// entries' data segments, in order) into a reader producing the full
// actualSize logical byte stream, holes filled with zeros. Called by the
// pipeline after ValidateSparse has accepted the map; an empty entries
// slice with actualSize > 0 is the "all holes" file per spec section 9's
// open-question resolution.
func ExpandSparse(entries []SparseEntry, actualSize int64, r io.Reader) io.Reader {
	return &sparseExpander{entries: entries, actualSize: actualSize, r: r}
}

type sparseExpander struct {
	entries []SparseEntry
	idx     int
	pos     int64
	actualSize int64
	r       io.Reader

	dataRemaining int64
	holeRemaining int64
}

func (s *sparseExpander) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if s.holeRemaining > 0 {
			n := int64(len(p) - total)
			if n > s.holeRemaining {
				n = s.holeRemaining
			}
			for i := int64(0); i < n; i++ {
				p[total+int(i)] = 0
			}
			total += int(n)
			s.holeRemaining -= n
			s.pos += n
			continue
		}
		if s.dataRemaining == 0 {
			if s.idx >= len(s.entries) {
				if s.pos >= s.actualSize {
					if total > 0 {
						return total, nil
					}
					return 0, io.EOF
				}
				s.holeRemaining = s.actualSize - s.pos
				continue
			}
			seg := s.entries[s.idx]
			s.idx++
			if gap := seg.Offset - s.pos; gap > 0 {
				s.holeRemaining = gap
			}
			s.dataRemaining = seg.Count
			continue
		}
		n := int64(len(p) - total)
		if n > s.dataRemaining {
			n = s.dataRemaining
		}
		read, err := io.ReadFull(s.r, p[total:total+int(n)])
		total += read
		s.dataRemaining -= int64(read)
		s.pos += int64(read)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
