package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"sync"
)

// SuperblockSize is the fixed on-disk size of the superblock structure.
const SuperblockSize = 96

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs    io.ReaderAt
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// inoOfft is added to every public inode number, used when merging
	// several squashfs images into a single mount namespace.
	inoOfft uint64

	rootIno  *Inode
	rootInoN uint64

	inoIdxL sync.RWMutex
	inoIdx  map[uint32]inodeRef

	idTable []uint32 // resolved uid/gid values, index = UidIdx/GidIdx
}

// New parses a Superblock from the first SuperblockSize bytes exposed by fs,
// and loads the id table (the uid/gid values an inode's UidIdx/GidIdx index
// into). Options
// such as InodeOffset let several images share a single mount namespace's
// inode numbering.
func New(fs io.ReaderAt, opts ...Option) (*Superblock, error) {
	sb := &Superblock{fs: fs, inoIdx: make(map[uint32]inodeRef)}
	for _, opt := range opts {
		if err := opt(sb); err != nil {
			return nil, err
		}
	}
	head := make([]byte, sb.binarySize())

	_, err := fs.ReadAt(head, 0)
	if err != nil {
		return nil, NewError(KindOutputIO, err)
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	if sb.IdCount > 0 {
		if err := sb.readIdTable(); err != nil {
			return nil, err
		}
	}

	return sb, nil
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return NewError(KindTarFormat, ErrInvalidFile)
	}

	// Decode
	var err error
	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		err = binary.Read(r, s.order, v.Field(i).Interface())
		if err != nil {
			return NewError(KindOutputIO, err)
		}
	}

	if s.VMajor != 4 || s.VMinor != 0 {
		return ErrInvalidVersion
	}

	// blockLog must be log2(blockSize); this catches a corrupted or
	// hand-crafted superblock where the two fields disagree.
	if s.BlockSize == 0 || s.BlockSize&(s.BlockSize-1) != 0 {
		return ErrInvalidSuper
	}
	var log uint16
	for sz := s.BlockSize; sz > 1; sz >>= 1 {
		log++
	}
	if log != s.BlockLog {
		return ErrInvalidSuper
	}

	return nil
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}

// Bytes serializes the superblock back to its on-disk representation.
// Used by the Serializer to produce the final superblock.
func (s *Superblock) Bytes() []byte {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}
	buf := &bytes.Buffer{}
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		binary.Write(buf, order, v.Field(i).Interface())
	}
	return buf.Bytes()
}

func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}

// readIdTable decodes the id table (an indirect table: a chain of metadata
// blocks holding 4-byte ids, indexed by a plain array of block offsets at
// IdTableStart) into s.idTable.
func (s *Superblock) readIdTable() error {
	const idsPerBlock = MetaBlockSize / 4
	blocks := (int(s.IdCount) + idsPerBlock - 1) / idsPerBlock

	data, err := s.readIndirectTable(int64(s.IdTableStart), blocks)
	if err != nil {
		return err
	}

	ids := make([]uint32, s.IdCount)
	r := bytes.NewReader(data)
	for i := range ids {
		if err := binary.Read(r, s.order, &ids[i]); err != nil {
			return NewError(KindOutputIO, err)
		}
	}
	s.idTable = ids
	return nil
}

// readIndirectTable follows the squashfs "indirect table" convention shared
// by the id, fragment, export, and xattr-id tables: a plain array of
// little/big-endian uint64 offsets (one per metadata block, no
// length-prefix of its own) located at tableStart, each pointing at a
// compressed-or-not metadata block read the normal way.
func (s *Superblock) readIndirectTable(tableStart int64, blockCount int) ([]byte, error) {
	if blockCount == 0 {
		return nil, nil
	}
	ptrBuf := make([]byte, 8*blockCount)
	if _, err := s.fs.ReadAt(ptrBuf, tableStart); err != nil {
		return nil, NewError(KindOutputIO, err)
	}

	var out bytes.Buffer
	for i := 0; i < blockCount; i++ {
		offt := int64(s.order.Uint64(ptrBuf[i*8:]))
		tr := &tableReader{sb: s, offt: offt}
		if err := tr.readBlock(); err != nil {
			return nil, err
		}
		out.Write(tr.buf)
	}
	return out.Bytes(), nil
}
