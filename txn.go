package cowdb

import (
	"encoding/binary"
	"os"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Transaction flags.
const (
	txnReadOnly  uint32 = 0x01
	txnError     uint32 = 0x02
	txnMetToggle uint32 = 0x04 // began from meta page 1
)

// commitPages caps the iovec count of one scatter-gather write.
const commitPages = 64

// dpage is a dirty page: a private heap buffer that becomes the durable
// representation of its pgno at commit. The parent back-pointer and index
// are ephemeral and refreshed whenever the parent is touched or split.
type dpage struct {
	parent *page
	pi     int
	num    int
	buf    []byte
	p      *page
}

// writerState is shared between a write transaction and any nested
// sub-database transaction derived from it.
type writerState struct {
	dirty   []*dpage
	freePgs idl
}

// oldPages is one reclaimable batch drained from the free DB: the pages
// freed by transaction txnid, usable once no reader can still see them.
type oldPages struct {
	next  *oldPages
	txnid uint64
	pages idl
}

// Txn is a transaction: a snapshot of the per-database roots. Read-only
// transactions occupy a reader slot; the write transaction owns the dirty
// page queue and the writer mutex.
type Txn struct {
	env      *Env
	id       uint64
	oldest   uint64
	nextPgno pgno

	w      *writerState
	reader *reader

	dbxs   []dbx
	dbs    []dbState
	numDBs int
	flags  uint32
}

// Begin starts a transaction. At most one write transaction runs at a
// time; Begin(true) blocks until the writer mutex is free. Read-only
// transactions never block.
func (env *Env) Begin(writable bool) (*Txn, error) {
	if !env.opened {
		return nil, ErrInvalid
	}
	txn := &Txn{env: env}

	if writable {
		if isSet(env.flags, ReadOnly) {
			return nil, ErrPerm
		}
		lockWord(&env.txns.wmutex)
		txn.id = env.txns.incTxnid()
		txn.w = &writerState{freePgs: newIDL()}
		env.writer = txn
	} else {
		txn.flags |= txnReadOnly
		txn.id = env.txns.loadTxnid()
		r, err := env.claimReader()
		if err != nil {
			return nil, err
		}
		r.storeTxnid(txn.id)
		txn.reader = r
	}

	toggle, err := env.pickMeta()
	if err != nil {
		txn.Abort()
		return nil, err
	}

	// Copy the DB arrays.
	txn.numDBs = env.numDBs
	txn.dbxs = env.dbxs
	txn.dbs = make([]dbState, env.maxDBs)
	copy(txn.dbs[:2], env.meta.dbs[:])
	if txn.numDBs > 2 {
		copy(txn.dbs[2:txn.numDBs], env.dbs[env.dbToggle][2:txn.numDBs])
	}

	if writable {
		if toggle == 1 {
			txn.flags |= txnMetToggle
		}
		txn.nextPgno = env.meta.lastPgno + 1
	}

	log.Debugf("begin transaction %d, root page %d", txn.id, txn.dbs[MainDBI].root)
	return txn, nil
}

// claimReader takes a free slot in the shared reader table.
func (env *Env) claimReader() (*reader, error) {
	ti := env.txns
	lockWord(&ti.mutex)
	i := 0
	for ; i < int(ti.numReaders); i++ {
		if ti.reader(i).pid == 0 {
			break
		}
	}
	if i == env.maxReaders {
		unlockWord(&ti.mutex)
		return nil, ErrReadersFull
	}
	r := ti.reader(i)
	r.pid = int32(os.Getpid())
	env.tidSeq++
	r.tid = env.tidSeq
	if i >= int(ti.numReaders) {
		ti.numReaders = uint32(i + 1)
	}
	unlockWord(&ti.mutex)
	return r, nil
}

// Abort discards the transaction: the reader slot is released, or all
// dirty pages and the reclaim list are dropped and the writer mutex is
// released.
func (txn *Txn) Abort() {
	if txn == nil || txn.env == nil {
		return
	}
	env := txn.env
	log.Debugf("abort transaction %d, root page %d", txn.id, txn.dbs[MainDBI].root)

	if txn.flags&txnReadOnly != 0 {
		txn.reader.storeTxnid(0)
		txn.reader.pid = 0
		txn.reader = nil
	} else {
		txn.w.dirty = nil
		for env.pghead != nil {
			env.pghead = env.pghead.next
		}
		env.writer = nil
		env.txns.decTxnid()
		for i := 2; i < env.numDBs; i++ {
			env.dbxs[i].dirty = false
		}
		unlockWord(&env.txns.wmutex)
	}
	txn.env = nil
}

// Commit makes the transaction's writes durable: freed pages are recorded
// in the free DB, dirty pages are gathered into vectored writes, the file
// is synced, and the meta page on the opposite toggle is published and
// synced again.
func (txn *Txn) Commit() error {
	if txn == nil || txn.env == nil {
		return ErrInvalid
	}
	env := txn.env

	if txn.flags&txnReadOnly != 0 {
		txn.Abort()
		return ErrPerm
	}
	if txn != env.writer {
		txn.Abort()
		return errors.Wrap(ErrInvalid, "commit of unknown transaction")
	}
	if txn.flags&txnError != 0 {
		txn.Abort()
		return errors.Wrap(ErrInvalid, "transaction has an error, aborted")
	}

	if len(txn.w.dirty) == 0 {
		// Nothing written: back out the txnid bump and release the writer.
		txn.Abort()
		return nil
	}

	log.Debugf("committing transaction %d, root page %d", txn.id, txn.dbs[MainDBI].root)

	// Should only be one reclaim batch left by now: put it back into the
	// free DB under the txnid that originally freed its pages.
	if env.pghead != nil {
		mop := env.pghead
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], mop.txnid)
		if err := txn.put0(freeDBI, key[:], mop.pages.bytes(), 0); err != nil {
			txn.fail(err)
			return err
		}
		env.pghead = nil
	}

	// Save this transaction's freed pages.
	if !txn.w.freePgs.isZero() {
		// Make sure the last page of the free DB is touched and on the
		// dirty queue before the record is sized.
		var pp pageParent
		if err := txn.searchPage(freeDBI, nil, nil, srchModify|srchLast, &pp); err != nil &&
			errors.Cause(err) != ErrNotFound {
			txn.fail(err)
			return err
		}
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], txn.id)
		if err := txn.put0(freeDBI, key[:], txn.w.freePgs.bytes(), 0); err != nil {
			txn.fail(err)
			return err
		}
	}

	// Update the root pointers of dirty named databases. Their pages were
	// touched when first written, so these are in-place updates.
	for i := 2; i < txn.numDBs; i++ {
		if txn.dbxs[i].dirty {
			if err := txn.put0(MainDBI, txn.dbxs[i].name, txn.dbs[i].bytes(), putSubData); err != nil {
				txn.fail(err)
				return err
			}
		}
	}

	if env.strict {
		for i := 1; i < txn.numDBs; i++ {
			if DBI(i) == MainDBI || txn.dbxs[i].dirty {
				if err := txn.Check(DBI(i)); err != nil {
					txn.fail(err)
					return err
				}
			}
		}
	}

	if err := txn.writeDirty(); err != nil {
		txn.Abort()
		return err
	}
	txn.w.dirty = nil

	if err := env.Sync(); err != nil {
		txn.Abort()
		return err
	}
	if err := env.writeMeta(txn); err != nil {
		txn.Abort()
		return err
	}
	if err := env.Sync(); err != nil {
		txn.Abort()
		return err
	}
	env.writer = nil

	// Publish the named-database descriptors into the other half of the
	// double-buffered table, then flip it.
	dbToggle := 1 - env.dbToggle
	for i := 2; i < txn.numDBs; i++ {
		env.dbs[dbToggle][i] = txn.dbs[i]
		env.dbxs[i].dirty = false
	}
	env.dbToggle = dbToggle
	env.numDBs = txn.numDBs

	unlockWord(&env.txns.wmutex)
	txn.env = nil
	return nil
}

// fail poisons the transaction and aborts it.
func (txn *Txn) fail(err error) {
	log.Debugf("transaction %d failed: %v", txn.id, err)
	txn.flags |= txnError
	txn.Abort()
}

// writeDirty walks the dirty queue in ascending pgno, coalescing
// contiguous runs into vectored writes of up to commitPages buffers.
func (txn *Txn) writeDirty() error {
	env := txn.env
	sort.Slice(txn.w.dirty, func(i, j int) bool {
		return txn.w.dirty[i].p.id < txn.w.dirty[j].p.id
	})

	iov := make([][]byte, 0, commitPages)
	size := 0
	var next pgno

	flush := func() error {
		if len(iov) == 0 {
			return nil
		}
		log.Debugf("committing %d dirty page runs", len(iov))
		n, err := writev(env.file, iov)
		if err != nil {
			return err
		}
		if n != size {
			return errors.Wrap(ErrInvalid, "short write, filesystem full?")
		}
		iov = iov[:0]
		size = 0
		return nil
	}

	for _, dp := range txn.w.dirty {
		if dp.p.id != next || len(iov) >= commitPages {
			if err := flush(); err != nil {
				return err
			}
			if dp.p.id != next {
				if err := seek(env.file, int64(dp.p.id)*int64(env.psize)); err != nil {
					return err
				}
			}
			next = dp.p.id
		}
		dp.p.flags &^= pageDirty
		iov = append(iov, dp.buf)
		size += len(dp.buf)
		next = dp.p.id + pgno(dp.num)
	}
	return flush()
}

// getPage resolves a page number: the writer's dirty queue first, then the
// read-only map.
func (txn *Txn) getPage(id pgno) (*page, error) {
	if txn.flags&txnReadOnly == 0 {
		for _, dp := range txn.w.dirty {
			if dp.p.id == id {
				return dp.p, nil
			}
		}
	}
	env := txn.env
	if id > env.meta.lastPgno || int(id)*env.psize >= len(env.dataref) {
		return nil, errors.Wrapf(ErrInvalid, "page %d beyond end of file", id)
	}
	return (*page)(unsafe.Pointer(&env.dataref[int(id)*env.psize])), nil
}

// dirtyPage finds the dirty queue entry for a page this transaction owns.
func (txn *Txn) dirtyPage(id pgno) *dpage {
	for _, dp := range txn.w.dirty {
		if dp.p.id == id {
			return dp
		}
	}
	return nil
}

// allocPage acquires num contiguous pages: a single page may come from the
// reclaim pool when every live reader is newer than the batch that freed
// it; anything else comes from the file tail.
func (txn *Txn) allocPage(parent *page, parentIdx int, num int) (*dpage, error) {
	env := txn.env
	id := invalidPgno

	if txn.id > 2 {
		oldest := txn.id - 2
		if env.pghead == nil && txn.dbs[freeDBI].root != invalidPgno {
			// See if there's anything in the free DB. Keeping the reclaim
			// pool fed here is purely an optimization.
			var pp pageParent
			if err := txn.searchPage(freeDBI, nil, nil, 0, &pp); err == nil {
				leaf := pp.page.node(0)
				keyTxn := binary.LittleEndian.Uint64(leaf.key())

				// Potentially usable, unless older readers are still
				// outstanding.
				if oldest > keyTxn {
					data, err := txn.readData(leaf)
					if err != nil {
						return nil, err
					}
					mop := &oldPages{
						next:  env.pghead,
						txnid: keyTxn,
						pages: parseIDL(data),
					}
					env.pghead = mop
					log.Debugf("reclaim batch from txn %d, %d pages", keyTxn, mop.pages[0])

					// Drop the batch from the free DB.
					if err := txn.searchPage(freeDBI, nil, nil, srchModify, &pp); err != nil {
						return nil, err
					}
					leaf = pp.page.node(0)
					if err := txn.del0(freeDBI, 0, &pp, leaf); err != nil {
						return nil, err
					}
				}
			}
		}
		if env.pghead != nil {
			for i := 0; i < int(env.txns.numReaders); i++ {
				mr := env.txns.reader(i).loadTxnid()
				if mr == 0 {
					continue
				}
				if mr < oldest {
					oldest = mr
				}
			}
			if oldest > env.pghead.txnid {
				mop := env.pghead
				txn.oldest = oldest
				if num > 1 {
					// No contiguous-range search in the reclaim pool:
					// multi-page runs always come from the file tail.
				} else {
					id = mop.pages.last()
					mop.pages.popLast()
					if mop.pages.isZero() {
						env.pghead = mop.next
					}
				}
			}
		}
	}

	dp := &dpage{
		parent: parent,
		pi:     parentIdx,
		num:    num,
		buf:    make([]byte, env.psize*num),
	}
	dp.p = (*page)(unsafe.Pointer(&dp.buf[0]))
	txn.w.dirty = append(txn.w.dirty, dp)
	if id == invalidPgno {
		dp.p.id = txn.nextPgno
		txn.nextPgno += pgno(num)
	} else {
		dp.p.id = id
	}
	return dp, nil
}

// touch makes a page writable under copy-on-write: already-dirty pages are
// left alone; otherwise the page is copied into a fresh dirty page with a
// new number, the old number goes on the transaction's free list, and the
// parent's child pointer is patched.
func (txn *Txn) touch(pp *pageParent) error {
	mp := pp.page
	if mp.isDirty() {
		return nil
	}
	dp, err := txn.allocPage(pp.parent, pp.pi, 1)
	if err != nil {
		return err
	}
	log.Debugf("touched page %d -> %d", mp.id, dp.p.id)
	txn.w.freePgs.insert(mp.id)
	id := dp.p.id
	copy(dp.buf, mp.bytes(txn.env.psize))
	dp.p.id = id
	dp.p.flags |= pageDirty

	if pp.parent != nil {
		pp.parent.node(pp.pi).setPgno(id)
	}
	pp.page = dp.p
	return nil
}

// newPage allocates and initializes a page of the given type.
func (txn *Txn) newPage(dbi DBI, flags uint32, num int) (*dpage, error) {
	dp, err := txn.allocPage(nil, 0, num)
	if err != nil {
		return nil, err
	}
	p := dp.p
	p.flags = flags | pageDirty
	p.lower = pageHeaderSize
	p.upper = uint16(txn.env.psize)

	switch {
	case p.isBranch():
		txn.dbs[dbi].branchPages++
	case p.isLeaf():
		txn.dbs[dbi].leafPages++
	case p.isOverflow():
		txn.dbs[dbi].overflowPages += uint64(num)
		p.setOverflowCount(uint32(num))
	}
	return dp, nil
}
