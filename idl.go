package cowdb

import (
	"encoding/binary"
	"sort"
)

// idl is a compact ordered set of page numbers. Index 0 holds the element
// count; elements follow in ascending order. A set that has been collapsed
// to a single range is encoded as [0, start, end]. This is the exact byte
// layout stored in free-DB records.
type idl []pgno

// idlMaxEntries bounds the listed form; inserts past it collapse the set to
// a range covering min..max.
const idlMaxEntries = 1 << 16

func newIDL() idl {
	return make(idl, 1, 64)
}

func (l idl) isRange() bool {
	return len(l) >= 3 && l[0] == 0
}

func (l idl) isZero() bool {
	if l.isRange() {
		return l[1] > l[2]
	}
	return len(l) == 0 || l[0] == 0
}

// last returns the largest element. Undefined on an empty set.
func (l idl) last() pgno {
	if l.isRange() {
		return l[2]
	}
	return l[l[0]]
}

// popLast removes the largest element.
func (l *idl) popLast() {
	s := *l
	if s.isRange() {
		s[2]--
		return
	}
	s[0]--
	*l = s[:s[0]+1]
}

// insert adds id, keeping the set sorted. Duplicates are dropped. When the
// listed form outgrows idlMaxEntries the set is compressed to a range.
func (l *idl) insert(id pgno) {
	s := *l
	if s.isRange() {
		if id < s[1] {
			s[1] = id
		}
		if id > s[2] {
			s[2] = id
		}
		return
	}
	n := int(s[0])
	i := sort.Search(n, func(i int) bool { return s[i+1] >= id })
	if i < n && s[i+1] == id {
		return
	}
	if n+1 >= idlMaxEntries {
		lo, hi := s[1], s[n]
		if id < lo {
			lo = id
		}
		if id > hi {
			hi = id
		}
		*l = append(s[:1], lo, hi)
		(*l)[0] = 0
		return
	}
	s = append(s, 0)
	copy(s[i+2:], s[i+1:])
	s[i+1] = id
	s[0] = pgno(n + 1)
	*l = s
}

// sizeBytes is the serialized length of the set.
func (l idl) sizeBytes() int {
	if l.isRange() {
		return 3 * 8
	}
	return (int(l[0]) + 1) * 8
}

// bytes serializes the set little-endian, length prefix first.
func (l idl) bytes() []byte {
	n := l.sizeBytes() / 8
	b := make([]byte, n*8)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(l[i]))
	}
	return b
}

// parseIDL decodes a serialized set. The input must hold at least the
// prefixed count of elements.
func parseIDL(b []byte) idl {
	if len(b) < 8 {
		return newIDL()
	}
	n := binary.LittleEndian.Uint64(b)
	words := int(n) + 1
	if n == 0 && len(b) >= 24 {
		words = 3 // range form
	}
	l := make(idl, words)
	for i := 0; i < words && (i+1)*8 <= len(b); i++ {
		l[i] = pgno(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return l
}
