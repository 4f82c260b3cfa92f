package tario

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// paxRecords holds the decoded key/value pairs from one PAX extended or
// global header, applied on top of the following entry's base header
// fields.
type paxRecords map[string]string

// parsePAXRecords decodes a PAX extended-header payload: a sequence of
// "<len> <key>=<value>\n" records, where len is the decimal byte length of
// the entire record (length field, space, key, '=', value, and the
// trailing newline, all included). Implemented as the small explicit state
// machine spec section 9 calls for rather than nested string-splitting:
// accumulate the length digits, then the fixed-width record body they
// describe, commit it, and repeat.
func parsePAXRecords(payload []byte) (paxRecords, error) {
	recs := make(paxRecords)
	for len(payload) > 0 {
		// State 1: accumulate the decimal length prefix up to the space.
		sp := indexByte(payload, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("tario: malformed PAX record: missing length field")
		}
		recLen, err := strconv.Atoi(string(payload[:sp]))
		if err != nil || recLen <= sp+1 || recLen > len(payload) {
			return nil, fmt.Errorf("tario: malformed PAX record length %q", string(payload[:sp]))
		}

		// State 2: the record body runs from just past the space to
		// recLen, and must end in '\n'.
		body := payload[sp+1 : recLen]
		if len(body) == 0 || body[len(body)-1] != '\n' {
			return nil, fmt.Errorf("tario: malformed PAX record: missing trailing newline")
		}
		body = body[:len(body)-1]

		// State 3: commit key=value and advance to the next record.
		eq := indexByte(body, '=')
		if eq < 0 {
			return nil, fmt.Errorf("tario: malformed PAX record: missing '='")
		}
		recs[string(body[:eq])] = string(body[eq+1:])

		payload = payload[recLen:]
	}
	return recs, nil
}

// merge layers o on top of the receiver (global defaults), returning the
// effective record set for one entry; o's values win on conflict.
func (p paxRecords) merge(o paxRecords) paxRecords {
	if len(p) == 0 {
		return o
	}
	out := make(paxRecords, len(p)+len(o))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// xattrPrefixes maps the PAX record key prefix used by each xattr vendor to
// whether its value is base64-encoded on the wire.
var xattrPrefixes = map[string]bool{
	"SCHILY.xattr.":    false,
	"LIBARCHIVE.xattr.": true,
}

// decodeXattrs extracts vendor-prefixed PAX records into a plain
// name-to-value xattr set.
func decodeXattrs(pax paxRecords) (map[string][]byte, error) {
	var out map[string][]byte
	for key, val := range pax {
		for prefix, b64 := range xattrPrefixes {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			name := key[len(prefix):]
			if name == "" {
				continue
			}
			raw := []byte(val)
			if b64 {
				decoded, err := base64.StdEncoding.DecodeString(val)
				if err != nil {
					return nil, fmt.Errorf("tario: xattr %q: invalid base64: %w", key, err)
				}
				raw = decoded
			}
			if out == nil {
				out = make(map[string][]byte)
			}
			out[name] = raw
		}
	}
	return out, nil
}

func parsePAXTime(v string) (int64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("tario: invalid PAX mtime %q: %w", v, err)
	}
	return int64(f), nil
}
