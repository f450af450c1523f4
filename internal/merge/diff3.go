package merge

import (
	"bytes"

	"github.com/h2non/filetype"
)

// ThreeWayMerge performs a line-based three-way merge of base, a ("V"), and
// b ("M"), returning merged content and whether any conflict region was
// written with markers (§4.F). Binary content always conflicts rather than
// attempting a textual merge.
func ThreeWayMerge(base, a, b []byte) ([]byte, bool) {
	if looksBinary(base) || looksBinary(a) || looksBinary(b) {
		return binaryConflict(a, b), true
	}
	baseLines := splitLines(base)
	aLines := splitLines(a)
	bLines := splitLines(b)

	aOps, aDel := diffLines(baseLines, aLines)
	bOps, bDel := diffLines(baseLines, bLines)

	var out [][]byte
	conflict := false
	bi, ai := 0, 0
	baseIdx := 0
	for baseIdx <= len(baseLines) {
		aChunk, aNext := collectChunk(aOps, ai, baseIdx)
		bChunk, bNext := collectChunk(bOps, bi, baseIdx)
		ai = aNext
		bi = bNext

		if sameLines(aChunk, bChunk) {
			out = append(out, aChunk...)
		} else if sameAsBase(aChunk, baseLines, baseIdx) {
			out = append(out, bChunk...)
		} else if sameAsBase(bChunk, baseLines, baseIdx) {
			out = append(out, aChunk...)
		} else {
			conflict = true
			out = append(out, []byte("<<<<<<< V\n"))
			out = append(out, aChunk...)
			out = append(out, []byte("=======\n"))
			out = append(out, bChunk...)
			out = append(out, []byte(">>>>>>> M\n"))
		}

		if baseIdx < len(baseLines) && !aDel[baseIdx] && !bDel[baseIdx] {
			out = append(out, baseLines[baseIdx])
		}
		baseIdx++
	}
	return bytes.Join(out, nil), conflict
}

// looksBinary flags content that should conflict rather than be textually
// merged: a NUL byte (the classic text/binary heuristic) or a recognized
// binary file signature (images, archives, executables).
func looksBinary(b []byte) bool {
	if bytes.IndexByte(b, 0) >= 0 {
		return true
	}
	if len(b) == 0 {
		return false
	}
	kind, err := filetype.Match(b)
	return err == nil && kind != filetype.Unknown
}

func binaryConflict(a, b []byte) []byte {
	if bytes.Equal(a, b) {
		return a
	}
	return a
}

func splitLines(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, b[start:i+1])
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, b[start:])
	}
	return out
}

// editOp is one line-level insertion relative to a base index, produced by
// diffLines (a simple LCS-based diff, adequate for the line counts this
// engine deals with).
type editOp struct {
	baseIdx int      // insert just before this base line index
	lines   [][]byte // lines inserted here that are not in base
}

// diffLines returns the insertions that turn base into other, plus a flag
// per base line that is true where other deletes that line.
func diffLines(base, other [][]byte) ([]editOp, []bool) {
	lcs := lcsTable(base, other)
	var ops []editOp
	del := make([]bool, len(base))
	i, j := 0, 0
	var pending [][]byte
	flush := func(at int) {
		if len(pending) > 0 {
			ops = append(ops, editOp{baseIdx: at, lines: pending})
			pending = nil
		}
	}
	for i < len(base) && j < len(other) {
		if bytes.Equal(base[i], other[j]) {
			flush(i)
			i++
			j++
			continue
		}
		if lcs[i+1][j] >= lcs[i][j+1] {
			flush(i)
			del[i] = true
			i++
		} else {
			pending = append(pending, other[j])
			j++
		}
	}
	for ; i < len(base); i++ {
		flush(i)
		del[i] = true
	}
	for j < len(other) {
		pending = append(pending, other[j])
		j++
	}
	flush(i)
	return ops, del
}

func lcsTable(a, b [][]byte) [][]int {
	n, m := len(a), len(b)
	t := make([][]int, n+1)
	for i := range t {
		t[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(a[i], b[j]) {
				t[i][j] = t[i+1][j+1] + 1
			} else if t[i+1][j] >= t[i][j+1] {
				t[i][j] = t[i+1][j]
			} else {
				t[i][j] = t[i][j+1]
			}
		}
	}
	return t
}

// collectChunk gathers the inserted lines attached to baseIdx, if any, from
// the next pending op, and returns the advanced cursor.
func collectChunk(ops []editOp, cursor, baseIdx int) ([][]byte, int) {
	if cursor < len(ops) && ops[cursor].baseIdx == baseIdx {
		return ops[cursor].lines, cursor + 1
	}
	return nil, cursor
}

func sameLines(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameAsBase(chunk [][]byte, base [][]byte, baseIdx int) bool {
	return len(chunk) == 0
}
