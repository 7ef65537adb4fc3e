package cowdb

import (
	"unsafe"

	"github.com/pkg/errors"
)

// CursorOp selects a cursor positioning operation.
type CursorOp int

const (
	// First moves to the first key.
	First CursorOp = iota
	// GetBoth positions at an exact key/value pair of a DupSort database.
	GetBoth
	// GetBothRange positions at the given key and the smallest value >= data.
	GetBothRange
	// Last moves to the final key.
	Last
	// Next moves to the next value, stepping across keys.
	Next
	// NextDup moves to the next value of the current key only.
	NextDup
	// NextNoDup moves to the first value of the next key.
	NextNoDup
	// Prev moves to the previous value, stepping across keys.
	Prev
	// PrevDup moves to the previous value of the current key only.
	PrevDup
	// PrevNoDup moves to the last value of the previous key.
	PrevNoDup
	// Set positions at an exact key.
	Set
	// SetRange positions at the smallest key >= the given key.
	SetRange
)

// frame is one level of a cursor's descent: a page and the index the
// cursor rests on within it.
type frame struct {
	page *page
	ki   int
}

// Cursor walks one database in key order. It keeps an explicit stack of
// (page, index) frames, leaf on top, so sibling moves work without parent
// pointers in the pages themselves.
type Cursor struct {
	txn   *Txn
	dbi   DBI
	stack []frame
	init  bool
	eof   bool
	x     *xcursor
}

// OpenCursor creates a cursor on a database. Cursors of DupSort databases
// carry a nested sub-cursor for the per-key duplicate trees.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if txn == nil || !txn.validDBI(dbi) {
		return nil, ErrInvalid
	}
	c := &Cursor{txn: txn, dbi: dbi}
	if isSet16(txn.dbs[dbi].flags, DupSort) {
		c.x = new(xcursor)
		c.x.init0(txn, dbi)
	}
	return c, nil
}

// Close releases the cursor. For DupSort cursors the sub-transaction's
// state is mirrored back to the parent first.
func (c *Cursor) Close() {
	if c == nil {
		return
	}
	c.stack = nil
	if c.x != nil {
		c.x.fini(c.txn, c.dbi)
		c.x.cursor.stack = nil
	}
}

func (c *Cursor) reset()        { c.stack = c.stack[:0] }
func (c *Cursor) push(p *page)  { c.stack = append(c.stack, frame{page: p}) }
func (c *Cursor) pop() {
	if len(c.stack) > 0 {
		c.stack = c.stack[:len(c.stack)-1]
	}
}

func (c *Cursor) top() *frame {
	if len(c.stack) == 0 {
		return nil
	}
	return &c.stack[len(c.stack)-1]
}

func (c *Cursor) below() *frame {
	if len(c.stack) < 2 {
		return nil
	}
	return &c.stack[len(c.stack)-2]
}

// Get positions the cursor and returns the key/value there.
func (c *Cursor) Get(key, data []byte, op CursorOp) ([]byte, []byte, error) {
	if c == nil || c.txn == nil {
		return nil, nil, ErrInvalid
	}
	switch op {
	case GetBoth, GetBothRange:
		if data == nil || c.x == nil {
			return nil, nil, ErrInvalid
		}
		if !validKey(key) {
			return nil, nil, ErrInvalid
		}
		return c.set(key, data, op)
	case Set, SetRange:
		if !validKey(key) {
			return nil, nil, ErrInvalid
		}
		return c.set(key, data, op)
	case Next, NextDup, NextNoDup:
		if !c.init {
			return c.first(true)
		}
		return c.next(op, true)
	case Prev, PrevDup, PrevNoDup:
		if !c.init || c.eof {
			return c.last(true)
		}
		return c.prev(op, true)
	case First:
		return c.first(true)
	case Last:
		return c.last(true)
	}
	return nil, nil, ErrInvalid
}

// Count returns the number of duplicate values at the current position of
// a DupSort cursor.
func (c *Cursor) Count() (uint64, error) {
	if c == nil || c.x == nil || !c.x.cursor.init {
		return 0, ErrInvalid
	}
	return c.x.dbs[c.x.cursor.dbi].entries, nil
}

func (c *Cursor) isDup() bool {
	return c.x != nil && isSet16(c.txn.dbs[c.dbi].flags, DupSort)
}

// readLeaf resolves key and, when asked, value at the current leaf
// position, descending into the duplicate sub-tree for DupSort databases.
// dir picks which end of the sub-tree to land on.
func (c *Cursor) readLeaf(leaf *node, wantData bool, dir CursorOp) ([]byte, []byte, error) {
	key := leaf.key()
	if !wantData {
		return key, nil, nil
	}
	data, err := c.txn.readData(leaf)
	if err != nil {
		return nil, nil, err
	}
	if c.isDup() {
		c.x.init1(c.txn, c.dbi, leaf)
		var sub []byte
		if dir == Last {
			sub, _, err = c.x.cursor.last(false)
		} else {
			sub, _, err = c.x.cursor.first(false)
		}
		if err != nil {
			return nil, nil, err
		}
		data = sub
	}
	return key, data, nil
}

func (c *Cursor) first(wantData bool) ([]byte, []byte, error) {
	c.reset()

	var pp pageParent
	if err := c.txn.searchPage(c.dbi, nil, c, 0, &pp); err != nil {
		return nil, nil, err
	}

	leaf := pp.page.node(0)
	c.init = true
	c.eof = false
	return c.readLeaf(leaf, wantData, First)
}

func (c *Cursor) last(wantData bool) ([]byte, []byte, error) {
	c.reset()

	var pp pageParent
	if err := c.txn.searchPage(c.dbi, nil, c, srchLast, &pp); err != nil {
		return nil, nil, err
	}

	top := c.top()
	top.ki = top.page.numKeys() - 1
	leaf := pp.page.node(top.ki)
	c.init = true
	c.eof = false
	return c.readLeaf(leaf, wantData, Last)
}

func (c *Cursor) set(key, data []byte, op CursorOp) ([]byte, []byte, error) {
	c.reset()

	var pp pageParent
	if err := c.txn.searchPage(c.dbi, key, c, 0, &pp); err != nil {
		return nil, nil, err
	}

	leaf, idx, exact := c.txn.searchNode(c.dbi, pp.page, key)
	if op != SetRange && !exact {
		return nil, nil, ErrNotFound
	}
	top := c.top()
	if leaf != nil {
		top.ki = idx
	} else {
		// The leaf holds nothing >= key; continue on the right sibling.
		if err := c.sibling(true); err != nil {
			return nil, nil, err
		}
		top = c.top()
		top.ki = 0
		leaf = top.page.node(0)
	}

	c.init = true
	c.eof = false

	retKey := leaf.key()
	retData, err := c.txn.readData(leaf)
	if err != nil {
		return nil, nil, err
	}

	if c.isDup() {
		c.x.init1(c.txn, c.dbi, leaf)
		var sub []byte
		switch op {
		case GetBoth:
			sub, _, err = c.x.cursor.set(data, nil, Set)
		case GetBothRange:
			sub, _, err = c.x.cursor.set(data, nil, SetRange)
		default:
			sub, _, err = c.x.cursor.first(false)
		}
		if err != nil {
			return nil, nil, err
		}
		retData = sub
	}
	return retKey, retData, nil
}

func (c *Cursor) next(op CursorOp, wantData bool) ([]byte, []byte, error) {
	if c.eof {
		return nil, nil, ErrNotFound
	}

	if c.isDup() && (op == Next || op == NextDup) {
		sub, _, err := c.x.cursor.next(Next, false)
		if op != Next || err == nil {
			if err != nil {
				return nil, nil, err
			}
			top := c.top()
			return top.page.node(top.ki).key(), sub, nil
		}
		if errors.Cause(err) != ErrNotFound {
			return nil, nil, err
		}
		// The current key's duplicates ran out; step to the next key.
	}

	top := c.top()
	if top.ki+1 >= top.page.numKeys() {
		if err := c.sibling(true); err != nil {
			c.eof = true
			return nil, nil, ErrNotFound
		}
		top = c.top()
	} else {
		top.ki++
	}

	leaf := top.page.node(top.ki)
	return c.readLeaf(leaf, wantData, First)
}

func (c *Cursor) prev(op CursorOp, wantData bool) ([]byte, []byte, error) {
	if c.isDup() && (op == Prev || op == PrevDup) {
		sub, _, err := c.x.cursor.prev(Prev, false)
		if op != Prev || err == nil {
			if err != nil {
				return nil, nil, err
			}
			top := c.top()
			return top.page.node(top.ki).key(), sub, nil
		}
		if errors.Cause(err) != ErrNotFound {
			return nil, nil, err
		}
	}

	top := c.top()
	if top.ki == 0 {
		if err := c.sibling(false); err != nil {
			return nil, nil, ErrNotFound
		}
		top = c.top()
		top.ki = top.page.numKeys() - 1
	} else {
		top.ki--
	}

	c.eof = false

	leaf := top.page.node(top.ki)
	return c.readLeaf(leaf, wantData, Last)
}

// sibling moves the cursor to the adjacent leaf in the given direction,
// recursing upward when a parent runs out of children.
func (c *Cursor) sibling(moveRight bool) error {
	parent := c.below()
	if parent == nil {
		return ErrNotFound // root has no siblings
	}
	c.pop()

	if (moveRight && parent.ki+1 >= parent.page.numKeys()) ||
		(!moveRight && parent.ki == 0) {
		if err := c.sibling(moveRight); err != nil {
			return err
		}
		parent = c.top()
		if !moveRight {
			parent.ki = parent.page.numKeys() - 1
		}
	} else {
		if moveRight {
			parent.ki++
		} else {
			parent.ki--
		}
	}

	nd := parent.page.node(parent.ki)
	mp, err := c.txn.getPage(nd.pgno())
	if err != nil {
		return err
	}
	c.push(mp)
	return nil
}

// xcursor drives the nested B+tree holding a key's sorted duplicates. It
// carries a copy of the parent transaction extended with slots for the
// current database and the sub-database under iteration; writes through it
// share the parent's dirty queue and allocator state.
type xcursor struct {
	cursor Cursor
	txn    Txn
	dbxs   [4]dbx
	dbs    [4]dbState
}

func (mx *xcursor) init0(txn *Txn, dbi DBI) {
	mx.txn = *txn
	mx.txn.dbxs = mx.dbxs[:]
	mx.txn.dbs = mx.dbs[:]
	mx.dbxs[0] = txn.dbxs[freeDBI]
	mx.dbxs[1] = txn.dbxs[MainDBI]
	dbn := DBI(1)
	if dbi > MainDBI {
		mx.dbxs[2] = txn.dbxs[dbi]
		dbn = 2
	}
	mx.dbxs[dbn+1].parent = dbn
	mx.dbxs[dbn+1].cmp = mx.dbxs[dbn].dcmp
	mx.dbxs[dbn+1].dirty = false
	mx.txn.numDBs = int(dbn) + 2

	mx.cursor.stack = nil
	mx.cursor.txn = &mx.txn
	mx.cursor.dbi = dbn + 1
}

// init1 points the sub-cursor at the duplicate tree embedded in a leaf
// node and refreshes the shared allocator state from the parent.
func (mx *xcursor) init1(txn *Txn, dbi DBI, leaf *node) {
	db := (*dbState)(unsafe.Pointer(&leaf.data()[0]))
	mx.dbs[0] = txn.dbs[freeDBI]
	mx.dbs[1] = txn.dbs[MainDBI]
	dbn := 2
	if dbi > MainDBI {
		mx.dbs[2] = txn.dbs[dbi]
		dbn = 3
	}
	mx.dbs[dbn] = *db
	mx.dbxs[dbn].name = append(mx.dbxs[dbn].name[:0], leaf.key()...)

	mx.txn.nextPgno = txn.nextPgno
	mx.txn.oldest = txn.oldest
	mx.txn.w = txn.w
	mx.txn.reader = txn.reader
	mx.cursor.init = false
	mx.cursor.eof = false
}

// fini mirrors the sub-transaction's mutated fields back to the parent.
func (mx *xcursor) fini(txn *Txn, dbi DBI) {
	txn.nextPgno = mx.txn.nextPgno
	txn.oldest = mx.txn.oldest
	txn.dbs[freeDBI] = mx.dbs[0]
	txn.dbs[MainDBI] = mx.dbs[1]
	txn.dbxs[freeDBI].dirty = mx.dbxs[0].dirty
	txn.dbxs[MainDBI].dirty = mx.dbxs[1].dirty
	if dbi > MainDBI {
		txn.dbs[dbi] = mx.dbs[2]
		txn.dbxs[dbi].dirty = mx.dbxs[2].dirty
	}
}
