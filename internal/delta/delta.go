// Package delta implements the reproducible byte-level delta format used by
// the blob store (§4.B): a short header giving the target length, followed
// by a sequence of copy (offset+length from source) or literal (length+bytes)
// segments.
package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt is returned when a delta fails to decode or does not
// reconstruct the length promised by its header.
var ErrCorrupt = errors.New("delta: corrupt or non-reproducing delta")

const (
	opLiteral byte = 0
	opCopy    byte = 1
)

// segment is a single copy or literal instruction.
type segment struct {
	op     byte
	offset uint32 // copy only
	length uint32
	lit    []byte // literal only
}

// Create builds a delta that reconstructs target when applied to src. It
// uses a simple greedy longest-match-from-a-rolling-index scheme: good
// enough to guarantee a useful compression ratio on the kind of
// incrementally-edited text files the store expects (§8 property 3), without
// needing a full suffix-array matcher.
func Create(src, target []byte) []byte {
	const minMatch = 8
	index := buildIndex(src, minMatch)

	var segs []segment
	i := 0
	for i < len(target) {
		off, length := bestMatch(src, target, index, i, minMatch)
		if length >= minMatch {
			segs = append(segs, segment{op: opCopy, offset: uint32(off), length: uint32(length)})
			i += length
			continue
		}
		// Accumulate a literal run until the next profitable copy.
		start := i
		i++
		for i < len(target) {
			_, length := bestMatch(src, target, index, i, minMatch)
			if length >= minMatch {
				break
			}
			i++
		}
		segs = append(segs, segment{op: opLiteral, lit: target[start:i]})
	}
	return encode(target, segs)
}

func buildIndex(src []byte, minMatch int) map[uint64][]int {
	idx := make(map[uint64][]int)
	if len(src) < minMatch {
		return idx
	}
	for i := 0; i+minMatch <= len(src); i++ {
		h := fnv64(src[i : i+minMatch])
		idx[h] = append(idx[h], i)
	}
	return idx
}

func fnv64(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func bestMatch(src, target []byte, idx map[uint64][]int, pos, minMatch int) (offset, length int) {
	if pos+minMatch > len(target) {
		return 0, 0
	}
	h := fnv64(target[pos : pos+minMatch])
	cands := idx[h]
	bestLen := 0
	bestOff := 0
	for _, c := range cands {
		l := matchLen(src[c:], target[pos:])
		if l > bestLen {
			bestLen = l
			bestOff = c
		}
	}
	return bestOff, bestLen
}

func matchLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func encode(target []byte, segs []segment) []byte {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(target)))
	buf.Write(hdr[:])
	for _, s := range segs {
		if s.op == opCopy {
			buf.WriteByte(opCopy)
			var b [8]byte
			binary.BigEndian.PutUint32(b[0:4], s.offset)
			binary.BigEndian.PutUint32(b[4:8], s.length)
			buf.Write(b[:])
		} else {
			buf.WriteByte(opLiteral)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(len(s.lit)))
			buf.Write(b[:])
			buf.Write(s.lit)
		}
	}
	return buf.Bytes()
}

// OutputSize reads the delta header cheaply without decoding the body,
// matching §4.A's delta_output_size contract.
func OutputSize(d []byte) (int, error) {
	if len(d) < 8 {
		return 0, ErrCorrupt
	}
	return int(binary.BigEndian.Uint64(d[0:8])), nil
}

// Apply reconstructs target content by applying delta d to src. It fails if
// the reconstructed stream is not byte-exact to the length the header
// promised (§4.B).
func Apply(src, d []byte) ([]byte, error) {
	size, err := OutputSize(d)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	p := d[8:]
	for len(p) > 0 {
		op := p[0]
		p = p[1:]
		switch op {
		case opCopy:
			if len(p) < 8 {
				return nil, ErrCorrupt
			}
			off := binary.BigEndian.Uint32(p[0:4])
			length := binary.BigEndian.Uint32(p[4:8])
			p = p[8:]
			if uint64(off)+uint64(length) > uint64(len(src)) {
				return nil, ErrCorrupt
			}
			out = append(out, src[off:off+length]...)
		case opLiteral:
			if len(p) < 4 {
				return nil, ErrCorrupt
			}
			length := binary.BigEndian.Uint32(p[0:4])
			p = p[4:]
			if uint64(length) > uint64(len(p)) {
				return nil, ErrCorrupt
			}
			out = append(out, p[:length]...)
			p = p[length:]
		default:
			return nil, ErrCorrupt
		}
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupt, size, len(out))
	}
	return out, nil
}
