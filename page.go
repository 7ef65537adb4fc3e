package cowdb

import (
	"unsafe"

	log "github.com/sirupsen/logrus"
)

type pgno uint64

const (
	invalidPgno = ^pgno(0)

	// pageHeaderSize is the fixed page header; the node offset array grows
	// from here, node bodies grow down from upper.
	pageHeaderSize = 16

	// nodeHeaderSize covers the child-pgno/data-size word and the packed
	// flags+keysize word. Key bytes start right after.
	nodeHeaderSize = 6

	// MaxKeySize is the largest accepted key, in bytes.
	MaxKeySize = 511

	// minKeys is the required key count on any non-root page.
	minKeys = 2

	// overflowDivisor: a value of at least pageSize/overflowDivisor is
	// stored on an overflow chain instead of inline.
	overflowDivisor = 4
)

// Page flags.
const (
	pageBranch   uint32 = 0x01
	pageLeaf     uint32 = 0x02
	pageOverflow uint32 = 0x04
	pageMeta     uint32 = 0x08
	pageDirty    uint32 = 0x10 // in-memory only
)

// Node flags.
const (
	nodeBigData uint16 = 0x01 // value lives on an overflow chain
	nodeSubData uint16 = 0x02 // value is a serialized sub-database record
)

// page is the header at the start of every page. A page's number always
// equals its file offset divided by the page size. Overflow chains reuse
// the lower/upper pair as a u32 page count and have no headers after the
// first page.
type page struct {
	id    pgno
	flags uint32
	lower uint16 // lower bound of free space
	upper uint16 // upper bound of free space
}

func (p *page) isLeaf() bool     { return p.flags&pageLeaf != 0 }
func (p *page) isBranch() bool   { return p.flags&pageBranch != 0 }
func (p *page) isOverflow() bool { return p.flags&pageOverflow != 0 }
func (p *page) isDirty() bool    { return p.flags&pageDirty != 0 }

func (p *page) numKeys() int  { return (int(p.lower) - pageHeaderSize) >> 1 }
func (p *page) sizeLeft() int { return int(p.upper) - int(p.lower) }

// pageFill is the payload fill ratio in permille.
func pageFill(psize int, p *page) int {
	return 1000 * (psize - pageHeaderSize - p.sizeLeft()) / (psize - pageHeaderSize)
}

func (p *page) overflowCount() uint32     { return *(*uint32)(unsafe.Pointer(&p.lower)) }
func (p *page) setOverflowCount(n uint32) { *(*uint32)(unsafe.Pointer(&p.lower)) = n }

// bytes views the page as a byte slice of length n.
func (p *page) bytes(n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func (p *page) ptr(i int) uint16 {
	return *(*uint16)(unsafe.Add(unsafe.Pointer(p), pageHeaderSize+2*i))
}

func (p *page) setPtr(i int, v uint16) {
	*(*uint16)(unsafe.Add(unsafe.Pointer(p), pageHeaderSize+2*i)) = v
}

func (p *page) node(i int) *node {
	return (*node)(unsafe.Add(unsafe.Pointer(p), uintptr(p.ptr(i))))
}

// node is the header of one entry on a branch or leaf page. lo holds the
// child page number on branches and the data size on leaves; fk packs the
// node flags into its low 4 bits and the key size into the high 12.
type node struct {
	lo uint32
	fk uint16
}

func (n *node) flags() uint16      { return n.fk & 0xf }
func (n *node) ksize() int         { return int(n.fk >> 4) }
func (n *node) setKsize(sz int, flags uint16) {
	n.fk = uint16(sz)<<4 | flags&0xf
}

func (n *node) pgno() pgno      { return pgno(n.lo) }
func (n *node) setPgno(p pgno)  { n.lo = uint32(p) }
func (n *node) dsize() uint32   { return n.lo }
func (n *node) setDsize(s uint32) { n.lo = s }

func (n *node) key() []byte {
	if n.ksize() == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(n), nodeHeaderSize)), n.ksize())
}

// data returns the inline payload of a leaf node. For nodeBigData nodes the
// payload is the 8-byte head page number of the overflow chain.
func (n *node) data() []byte {
	sz := int(n.dsize())
	if n.flags()&nodeBigData != 0 {
		sz = 8
	}
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(n), nodeHeaderSize+n.ksize())), sz)
}

// overflowPgno reads the overflow chain head out of a nodeBigData node.
func (n *node) overflowPgno() pgno {
	return *(*pgno)(unsafe.Add(unsafe.Pointer(n), nodeHeaderSize+n.ksize()))
}

func leafSize(psize int, key, data []byte) int {
	sz := nodeHeaderSize + len(key) + len(data)
	if len(data) >= psize/overflowDivisor {
		// data goes to an overflow chain, the node keeps only its head pgno
		sz -= len(data) - 8
	}
	return sz + 2
}

func branchSize(psize int, key []byte) int {
	return nodeHeaderSize + len(key) + 2
}

func overflowPages(size, psize int) int {
	return (pageHeaderSize + size + psize - 1) / psize
}

// delNode removes the node at index i, compacting the offset array and the
// node body area.
func delNode(p *page, i int) {
	n := p.node(i)
	sz := nodeHeaderSize + n.ksize()
	if p.isLeaf() {
		if n.flags()&nodeBigData != 0 {
			sz += 8
		} else {
			sz += int(n.dsize())
		}
	}

	ptr := int(p.ptr(i))
	numKeys := p.numKeys()
	for j, k := 0, 0; j < numKeys; j++ {
		if j != i {
			v := p.ptr(j)
			if int(v) < ptr {
				v += uint16(sz)
			}
			p.setPtr(k, v)
			k++
		}
	}

	view := p.bytes(ptr + sz)
	copy(view[int(p.upper)+sz:ptr+sz], view[p.upper:ptr])

	p.lower -= 2
	p.upper += uint16(sz)
}

// updateKey rewrites the key of the node at index i in place, shifting the
// node body area when the size changes. Returns errNoSpace if the page
// cannot absorb the growth.
func updateKey(p *page, i int, key []byte) error {
	n := p.node(i)
	ptr := int(p.ptr(i))
	delta := len(key) - n.ksize()
	if delta != 0 {
		if delta > 0 && p.sizeLeft() < delta {
			log.Debugf("update key on page %d: no room, delta %d", p.id, delta)
			return errNoSpace
		}

		numKeys := p.numKeys()
		for j := 0; j < numKeys; j++ {
			if int(p.ptr(j)) <= ptr {
				p.setPtr(j, uint16(int(p.ptr(j))-delta))
			}
		}

		viewLen := ptr + nodeHeaderSize
		if delta < 0 {
			viewLen -= delta
		}
		view := p.bytes(viewLen)
		length := ptr - int(p.upper) + nodeHeaderSize
		copy(view[int(p.upper)-delta:int(p.upper)-delta+length], view[p.upper:int(p.upper)+length])
		p.upper -= uint16(delta)

		n = p.node(i)
		n.setKsize(len(key), n.flags())
	}
	if len(key) > 0 {
		copy(n.key()[:len(key)], key)
	}
	return nil
}
