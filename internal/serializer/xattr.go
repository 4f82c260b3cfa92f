package serializer

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/tar2sqfs/tar2sqfs"
	"github.com/tar2sqfs/tar2sqfs/internal/fstree"
	"github.com/tar2sqfs/tar2sqfs/internal/metawriter"
)

// xattrPrefix encodes the three namespaces SquashFS recognizes as the
// numeric tag stored ahead of each key, stripping the namespace string
// itself from the stored name.
func xattrPrefix(key []byte) (uint16, []byte) {
	s := string(key)
	switch {
	case strings.HasPrefix(s, "user."):
		return 0, key[len("user."):]
	case strings.HasPrefix(s, "trusted."):
		return 1, key[len("trusted."):]
	case strings.HasPrefix(s, "security."):
		return 2, key[len("security."):]
	default:
		return 0, key
	}
}

// buildXattrStreams serializes every distinct xattr set in tree into the
// two streams SquashFS's xattr table is made of: a key/value data stream
// and a reference stream mapping each xattr_idx to a (ref, count, size)
// triple into it. Both are built in memory since their final absolute
// placement depends on every region written ahead of them.
func buildXattrStreams(tree *fstree.Tree, comp squashfs.Compression) (kvSink, idSink *memSink, kv, ids *metawriter.Writer, err error) {
	kvSink = &memSink{}
	kv = metawriter.New(kvSink, comp, 0)
	idSink = &memSink{}
	ids = metawriter.New(idSink, comp, 0)

	for _, pairs := range tree.XattrSets() {
		pos := kv.Position()
		var size uint32
		for _, p := range pairs {
			key := tree.XattrKey(p.KeyIdx)
			val := tree.XattrValue(p.ValIdx)
			prefix, name := xattrPrefix(key)

			rec := &bytes.Buffer{}
			binary.Write(rec, binary.LittleEndian, prefix)
			binary.Write(rec, binary.LittleEndian, uint16(len(name)))
			rec.Write(name)
			binary.Write(rec, binary.LittleEndian, uint32(len(val)))
			rec.Write(val)
			if err = kv.Append(rec.Bytes()); err != nil {
				return nil, nil, nil, nil, err
			}
			size += uint32(rec.Len())
		}

		ref := (pos.Block << 16) | uint64(pos.Offset)
		idRec := &bytes.Buffer{}
		binary.Write(idRec, binary.LittleEndian, ref)
		binary.Write(idRec, binary.LittleEndian, uint32(len(pairs)))
		binary.Write(idRec, binary.LittleEndian, size)
		if err = ids.Append(idRec.Bytes()); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	if err = kv.Flush(); err != nil {
		return nil, nil, nil, nil, err
	}
	if err = ids.Flush(); err != nil {
		return nil, nil, nil, nil, err
	}
	return kvSink, idSink, kv, ids, nil
}
