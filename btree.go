package cowdb

import (
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// fillThreshold is the permille payload fill below which a page is
// rebalanced.
const fillThreshold = 250

// searchPage flags.
const (
	srchModify = 1 << iota // copy-on-write every page on the way down
	srchLast               // descend rightmost instead of by key
)

// pageParent tracks a page together with the branch page and index that
// point at it, so copy-on-write can patch the child pointer.
type pageParent struct {
	page   *page
	parent *page
	pi     int
}

// keyCmp returns the key comparator for a database: a user override, or
// the default order selected by the database flags.
func (txn *Txn) keyCmp(dbi DBI) Comparator {
	if c := txn.dbxs[dbi].cmp; c != nil {
		return c
	}
	if txn.dbs[dbi].flags&(ReverseKey|IntegerKey) != 0 {
		return ReverseComparator
	}
	return BytesComparator
}

// searchNode binary-searches a page for the smallest node with a key >=
// key. On branch pages index 0 acts as negative infinity and is skipped.
// Returns nil when every key is smaller; idx is then numKeys.
func (txn *Txn) searchNode(dbi DBI, mp *page, key []byte) (n *node, idx int, exact bool) {
	cmp := txn.keyCmp(dbi)

	low, high := 0, mp.numKeys()-1
	if mp.isBranch() {
		low = 1
	}
	rc, i := 0, 0
	for low <= high {
		i = (low + high) >> 1
		nd := mp.node(i)
		rc = cmp(key, nd.key())
		if rc == 0 {
			break
		}
		if rc > 0 {
			low = i + 1
		} else {
			high = i - 1
		}
	}
	if rc > 0 {
		// The found entry is less than the key; skip to the smallest
		// larger one.
		i++
	}
	if i >= mp.numKeys() {
		return nil, i, false
	}
	return mp.node(i), i, rc == 0
}

// searchPageRoot descends from pp.page to the leaf for key. With srchLast
// it descends rightmost; with a nil key, leftmost. Visited pages are
// pushed on cursor, and with srchModify every descended page is touched
// and its dirty back-pointers refreshed.
func (txn *Txn) searchPageRoot(dbi DBI, key []byte, cursor *Cursor, flags int, pp *pageParent) error {
	mp := pp.page

	if cursor != nil {
		cursor.push(mp)
	}

	for mp.isBranch() {
		// A branch always carries at least two children, even a root
		// branch freshly produced by a split or about to collapse.
		if mp.numKeys() <= 1 {
			return errors.Wrapf(ErrInvalid, "branch page %d has %d keys", mp.id, mp.numKeys())
		}

		var i int
		switch {
		case flags&srchLast != 0:
			i = mp.numKeys() - 1
		case key == nil:
			i = 0
		default:
			nd, idx, exact := txn.searchNode(dbi, mp, key)
			if nd == nil {
				i = mp.numKeys() - 1
			} else if !exact {
				i = idx - 1
			} else {
				i = idx
			}
		}

		if cursor != nil {
			cursor.top().ki = i
		}

		pp.parent = mp
		child, err := txn.getPage(mp.node(i).pgno())
		if err != nil {
			return err
		}
		pp.pi = i
		pp.page = child

		if cursor != nil {
			cursor.push(child)
		}

		if flags&srchModify != 0 {
			if err := txn.touch(pp); err != nil {
				return err
			}
			dp := txn.dirtyPage(pp.page.id)
			dp.parent = pp.parent
			dp.pi = pp.pi
		}

		mp = pp.page
	}

	if !mp.isLeaf() {
		return errors.Wrapf(ErrInvalid, "index points to a page with flags %#x", mp.flags)
	}

	log.Debugf("found leaf page %d for key %q", mp.id, key)
	return nil
}

// searchPage locates the leaf a key belongs to, copy-on-writing the path
// when srchModify is set. For a sub-database the main DB entry holding its
// descriptor is cowed first.
func (txn *Txn) searchPage(dbi DBI, key []byte, cursor *Cursor, flags int, pp *pageParent) error {
	if txn.flags&txnError != 0 {
		return errors.Wrap(ErrInvalid, "transaction has failed, must abort")
	}

	root := txn.dbs[dbi].root
	if root == invalidPgno {
		return ErrNotFound
	}

	var err error
	if pp.page, err = txn.getPage(root); err != nil {
		return err
	}

	if flags&srchModify != 0 {
		if dbi > MainDBI && !txn.dbxs[dbi].dirty {
			var pp2 pageParent
			if err := txn.searchPage(MainDBI, txn.dbxs[dbi].name, nil, srchModify, &pp2); err != nil {
				return err
			}
			txn.dbxs[dbi].dirty = true
		}
		if !pp.page.isDirty() {
			pp.parent = nil
			pp.pi = 0
			if err := txn.touch(pp); err != nil {
				return err
			}
			txn.dbs[dbi].root = pp.page.id
		} else if dp := txn.dirtyPage(pp.page.id); dp != nil {
			// The root may be a former child promoted by a root collapse;
			// its back-pointers are stale until reset here.
			dp.parent = nil
			dp.pi = 0
		}
	}

	return txn.searchPageRoot(dbi, key, cursor, flags, pp)
}

// readData resolves a leaf node's value, following the overflow chain for
// big values. The returned slice aliases the page (or map) and stays valid
// until the transaction ends or the entry is rewritten.
func (txn *Txn) readData(leaf *node) ([]byte, error) {
	if leaf.flags()&nodeBigData == 0 {
		return leaf.data(), nil
	}

	id := leaf.overflowPgno()
	omp, err := txn.getPage(id)
	if err != nil {
		return nil, errors.Wrapf(err, "read overflow page %d", id)
	}
	return omp.bytes(pageHeaderSize + int(leaf.dsize()))[pageHeaderSize:], nil
}

// addNode inserts a node at index i. Branch nodes store pg; leaf nodes
// store data, moved to a freshly allocated overflow chain when it is too
// big to inline. When flags already carries nodeBigData, data holds the
// 8-byte chain head and bigSize the true value length. Returns errNoSpace
// when the page is full, leaving it untouched.
func (txn *Txn) addNode(dbi DBI, mp *page, i int, key, data []byte, pg pgno, flags uint16, bigSize uint32) error {
	psize := txn.env.psize
	nodeSize := nodeHeaderSize + len(key)
	var ofp *dpage

	if mp.isLeaf() {
		switch {
		case flags&nodeBigData != 0:
			// Data already on an overflow chain.
			nodeSize += 8
		case len(data) >= psize/overflowDivisor:
			// Put data on an overflow chain.
			ovpages := overflowPages(len(data), psize)
			var err error
			if ofp, err = txn.newPage(dbi, pageOverflow, ovpages); err != nil {
				return err
			}
			log.Debugf("data size %d goes to overflow chain at page %d", len(data), ofp.p.id)
			flags |= nodeBigData
			nodeSize += 8
		default:
			nodeSize += len(data)
		}
	}

	if nodeSize+2 > mp.sizeLeft() {
		log.Debugf("no room for node on page %d: %d keys, %d left, need %d",
			mp.id, mp.numKeys(), mp.sizeLeft(), nodeSize+2)
		return errNoSpace
	}

	// Move higher pointers up one slot.
	for j := mp.numKeys(); j > i; j-- {
		mp.setPtr(j, mp.ptr(j-1))
	}

	ofs := int(mp.upper) - nodeSize
	mp.setPtr(i, uint16(ofs))
	mp.upper = uint16(ofs)
	mp.lower += 2

	n := mp.node(i)
	n.setKsize(len(key), flags)
	if mp.isLeaf() {
		if flags&nodeBigData != 0 && ofp == nil {
			n.setDsize(bigSize)
		} else {
			n.setDsize(uint32(len(data)))
		}
	} else {
		n.setPgno(pg)
	}
	if len(key) > 0 {
		copy(n.key(), key)
	}

	if mp.isLeaf() {
		ndata := unsafe.Add(unsafe.Pointer(n), nodeHeaderSize+len(key))
		if ofp == nil {
			copy(unsafe.Slice((*byte)(ndata), len(data)), data)
		} else {
			id := ofp.p.id
			copy(unsafe.Slice((*byte)(ndata), 8), (*[8]byte)(unsafe.Pointer(&id))[:])
			copy(ofp.buf[pageHeaderSize:], data)
		}
	}
	return nil
}

// moveNode moves one node from src[si] to dst[di], updating parent
// separators when a leftmost entry changes hands.
func (txn *Txn) moveNode(dbi DBI, src *pageParent, si int, dst *pageParent, di int) error {
	log.Debugf("moving node %d from page %d to index %d on page %d",
		si, src.page.id, di, dst.page.id)

	if err := txn.touch(src); err != nil {
		return err
	}
	if err := txn.touch(dst); err != nil {
		return err
	}

	srcNode := src.page.node(si)
	key := append([]byte(nil), srcNode.key()...)
	var data []byte
	var bigSize uint32
	if src.page.isLeaf() {
		data = srcNode.data()
		bigSize = srcNode.dsize()
	}

	if err := txn.addNode(dbi, dst.page, di, key, data, srcNode.pgno(), srcNode.flags(), bigSize); err != nil {
		return err
	}

	delNode(src.page, si)

	// The source page's separator changes to its new leftmost key; branch
	// pages then flatten that leftmost key to zero length.
	if si == 0 && src.pi != 0 {
		newLeft := append([]byte(nil), src.page.node(0).key()...)
		if err := updateKey(src.parent, src.pi, newLeft); err != nil {
			return err
		}
	}
	if si == 0 && src.page.isBranch() {
		if err := updateKey(src.page, 0, nil); err != nil {
			return err
		}
	}

	if di == 0 && dst.pi != 0 {
		if err := updateKey(dst.parent, dst.pi, key); err != nil {
			return err
		}
	}
	if di == 0 && dst.page.isBranch() {
		if err := updateKey(dst.page, 0, nil); err != nil {
			return err
		}
	}

	return nil
}

// merge appends every node of src to dst, unlinks src from its parent, and
// rebalances the parent.
func (txn *Txn) merge(dbi DBI, src, dst *pageParent) error {
	log.Debugf("merging page %d into %d", src.page.id, dst.page.id)

	if err := txn.touch(src); err != nil {
		return err
	}
	if err := txn.touch(dst); err != nil {
		return err
	}

	for i := 0; i < src.page.numKeys(); i++ {
		sn := src.page.node(i)
		var data []byte
		var bigSize uint32
		if src.page.isLeaf() {
			data = sn.data()
			bigSize = sn.dsize()
		}
		err := txn.addNode(dbi, dst.page, dst.page.numKeys(), sn.key(), data,
			sn.pgno(), sn.flags(), bigSize)
		if err != nil {
			return err
		}
	}

	// Unlink the src page from its parent.
	delNode(src.parent, src.pi)
	if src.pi == 0 {
		if err := updateKey(src.parent, 0, nil); err != nil {
			return err
		}
	}

	if src.page.isLeaf() {
		txn.dbs[dbi].leafPages--
	} else {
		txn.dbs[dbi].branchPages--
	}

	dp := txn.dirtyPage(src.parent.id)
	parent := pageParent{page: src.parent, parent: dp.parent, pi: dp.pi}
	return txn.rebalance(dbi, &parent)
}

// rebalance restores the fill invariant after a delete: an empty root
// leaf empties the tree, a single-child root branch collapses, and an
// underfull interior page either borrows a key from a sibling or merges
// with it.
func (txn *Txn) rebalance(dbi DBI, mpp *pageParent) error {
	env := txn.env

	if pageFill(env.psize, mpp.page) >= fillThreshold {
		return nil
	}
	log.Debugf("rebalancing %s page %d, %d keys",
		pageKind(mpp.page), mpp.page.id, mpp.page.numKeys())

	if mpp.parent == nil {
		if mpp.page.numKeys() == 0 {
			log.Debug("tree is completely empty")
			txn.dbs[dbi].root = invalidPgno
			txn.dbs[dbi].depth--
			txn.dbs[dbi].leafPages--
		} else if mpp.page.isBranch() && mpp.page.numKeys() == 1 {
			log.Debug("collapsing root page")
			txn.dbs[dbi].root = mpp.page.node(0).pgno()
			if _, err := txn.getPage(txn.dbs[dbi].root); err != nil {
				return err
			}
			txn.dbs[dbi].depth--
			txn.dbs[dbi].branchPages--
		}
		return nil
	}

	// The parent branch must keep at least 2 pointers or the tree is
	// invalid.
	if mpp.parent.numKeys() <= 1 {
		return errors.Wrapf(ErrInvalid, "parent page %d has %d keys", mpp.parent.id, mpp.parent.numKeys())
	}

	// Find a neighbor: the right sibling if this is the leftmost child,
	// otherwise the left sibling.
	var npp pageParent
	var si, di int
	var err error
	if mpp.pi == 0 {
		nd := mpp.parent.node(mpp.pi + 1)
		if npp.page, err = txn.getPage(nd.pgno()); err != nil {
			return err
		}
		npp.pi = mpp.pi + 1
		si = 0
		di = mpp.page.numKeys()
	} else {
		nd := mpp.parent.node(mpp.pi - 1)
		if npp.page, err = txn.getPage(nd.pgno()); err != nil {
			return err
		}
		npp.pi = mpp.pi - 1
		si = npp.page.numKeys() - 1
		di = 0
	}
	npp.parent = mpp.parent

	// If the neighbor is above the threshold and has enough keys, move one
	// over; otherwise merge the two pages.
	if pageFill(env.psize, npp.page) >= fillThreshold && npp.page.numKeys() >= 2 {
		return txn.moveNode(dbi, &npp, si, mpp, di)
	}
	if mpp.pi == 0 {
		return txn.merge(dbi, &npp, mpp)
	}
	return txn.merge(dbi, mpp, &npp)
}

// split divides the page at *mpp around its median and inserts the new
// entry (key with data, or key with newPgno on a branch) at *newindxp.
// The separator is promoted into the parent, splitting it recursively when
// needed. *mpp and *newindxp are updated to where the new entry landed.
func (txn *Txn) split(dbi DBI, mpp **page, newindxp *int, newkey, newdata []byte, newPgno pgno) error {
	env := txn.env
	mdp := txn.dirtyPage((*mpp).id)
	newindx := *newindxp

	log.Debugf("splitting %s page %d, adding key %q at index %d",
		pageKind(mdp.p), mdp.p.id, newkey, newindx)

	if mdp.parent == nil {
		pdp, err := txn.newPage(dbi, pageBranch, 1)
		if err != nil {
			return err
		}
		mdp.pi = 0
		mdp.parent = pdp.p
		txn.dbs[dbi].root = pdp.p.id
		log.Debugf("root split, new root %d", pdp.p.id)
		txn.dbs[dbi].depth++

		// Add the left (implicit) pointer.
		if err := txn.addNode(dbi, pdp.p, 0, nil, nil, mdp.p.id, 0, 0); err != nil {
			return err
		}
	}

	// Create a right sibling.
	rdp, err := txn.newPage(dbi, mdp.p.flags, 1)
	if err != nil {
		return err
	}
	rdp.parent = mdp.parent
	rdp.pi = mdp.pi + 1
	log.Debugf("new right sibling: page %d", rdp.p.id)

	// Move half of the keys to the right sibling.
	scratch := make([]byte, env.psize)
	copy(scratch, mdp.buf)
	cp := (*page)(unsafe.Pointer(&scratch[0]))
	clear(mdp.buf[pageHeaderSize:])
	mdp.p.lower = pageHeaderSize
	mdp.p.upper = uint16(env.psize)

	splitIndx := cp.numKeys()/2 + 1

	// Find the separator between the split pages.
	var sepkey []byte
	if newindx == splitIndx {
		sepkey = newkey
	} else {
		sepkey = cp.node(splitIndx).key()
	}

	// Promote the separator into the parent.
	if mdp.parent.sizeLeft() < branchSize(env.psize, sepkey) {
		if err := txn.split(dbi, &rdp.parent, &rdp.pi, sepkey, nil, rdp.p.id); err != nil {
			return err
		}
		// The right page may have a new parent now; check whether the
		// left page moved with it.
		if rdp.parent != mdp.parent && mdp.pi >= mdp.parent.numKeys() {
			mdp.parent = rdp.parent
			mdp.pi = rdp.pi - 1
		}
	} else {
		if err := txn.addNode(dbi, mdp.parent, rdp.pi, sepkey, nil, rdp.p.id, 0, 0); err != nil {
			return err
		}
	}

	// Redistribute the scratch copy across the two siblings, inserting the
	// new entry at its ordered position.
	leaf := mdp.p.isLeaf()
	inserted := false
	for i, j := 0, 0; ; j++ {
		var rkey, rdata []byte
		var pg pgno
		var nflags uint16
		var bigSize uint32
		var tdp *dpage

		if i < splitIndx {
			tdp = mdp
		} else {
			if i == splitIndx {
				// Reset the insert index for the right sibling.
				if i == newindx && inserted {
					j = 1
				} else {
					j = 0
				}
			}
			tdp = rdp
		}

		if i == newindx && !inserted {
			// Insert the original entry that caused the split.
			rkey = newkey
			if leaf {
				rdata = newdata
			} else {
				pg = newPgno
			}
			inserted = true

			*newindxp = j
			*mpp = tdp.p
		} else if i == cp.numKeys() {
			break
		} else {
			nd := cp.node(i)
			rkey = nd.key()
			if leaf {
				rdata = nd.data()
				bigSize = nd.dsize()
			} else {
				pg = nd.pgno()
			}
			nflags = nd.flags()
			i++
		}

		if !leaf && j == 0 {
			// The first branch index carries no key data.
			rkey = nil
		}

		if err := txn.addNode(dbi, tdp.p, j, rkey, rdata, pg, nflags, bigSize); err != nil {
			return err
		}
	}

	return nil
}

func pageKind(p *page) string {
	switch {
	case p.isLeaf():
		return "leaf"
	case p.isBranch():
		return "branch"
	case p.isOverflow():
		return "overflow"
	}
	return "meta"
}
