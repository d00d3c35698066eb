// Package wire frames render-cache entries together with the generations
// they were written under.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version     byte = 1
	kindRender  byte = 1
	maxStampKey      = 0xFFFF
	maxStamps        = 0xFFFF
)

var (
	ErrCorrupt  = errors.New("cachesync: corrupt render entry")
	ErrStampKey = errors.New("cachesync: invalid stamp key length")
	magic4      = [...]byte{'C', 'S', 'Y', 'N'}
)

// Stamp is the generation a path or tag had when the entry was written.
type Stamp struct {
	Key string
	Gen uint64
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// EncodeEntry lays out:
//
//	magic(4) | ver(1) | kind(1) | n(u16 be)
//	keyLen(u16 be) | key(keyLen) | gen(u64 be)  * n
//	vlen(u32 be) | payload(vlen)
func EncodeEntry(stamps []Stamp, payload []byte) ([]byte, error) {
	if len(stamps) > maxStamps {
		return nil, ErrStampKey
	}
	total := 4 + 1 + 1 + 2 + 4 + len(payload)
	for _, s := range stamps {
		if l := len(s.Key); l == 0 || l > maxStampKey {
			return nil, ErrStampKey
		}
		total += 2 + len(s.Key) + 8
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRender)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(stamps)))
	buf.Write(u2[:])
	for _, s := range stamps {
		binary.BigEndian.PutUint16(u2[:], uint16(len(s.Key)))
		buf.Write(u2[:])
		buf.WriteString(s.Key)
		binary.BigEndian.PutUint64(u8[:], s.Gen)
		buf.Write(u8[:])
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeEntry is strict: short input, unknown header or trailing bytes are ErrCorrupt.
// The returned payload aliases b.
func DecodeEntry(b []byte) ([]Stamp, []byte, error) {
	const hdr = 4 + 1 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindRender {
		return nil, nil, ErrCorrupt
	}
	off := 6
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	stamps := make([]Stamp, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, nil, ErrCorrupt
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if klen == 0 || klen > len(b)-off {
			return nil, nil, ErrCorrupt
		}
		key := string(b[off : off+klen])
		off += klen

		if off+8 > len(b) {
			return nil, nil, ErrCorrupt
		}
		gen := binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		stamps = append(stamps, Stamp{Key: key, Gen: gen})
	}

	if off+4 > len(b) {
		return nil, nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return nil, nil, ErrCorrupt
	}
	return stamps, b[off:], nil
}
