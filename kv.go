package cowdb

import (
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxKeySize
}

func (txn *Txn) validDBI(dbi DBI) bool {
	return dbi >= MainDBI && int(dbi) < txn.numDBs
}

// Get looks up a key. For DupSort databases the first duplicate is
// returned. The returned slice aliases the transaction's snapshot and is
// valid until the transaction ends.
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	if txn == nil || !txn.validDBI(dbi) {
		return nil, ErrInvalid
	}
	if !validKey(key) {
		return nil, ErrInvalid
	}

	var pp pageParent
	if err := txn.searchPage(dbi, key, nil, 0, &pp); err != nil {
		return nil, err
	}

	leaf, _, exact := txn.searchNode(dbi, pp.page, key)
	if leaf == nil || !exact {
		return nil, ErrNotFound
	}

	if isSet16(txn.dbs[dbi].flags, DupSort) {
		// Return the first duplicate from the sub-database.
		var mx xcursor
		mx.init0(txn, dbi)
		mx.init1(txn, dbi, leaf)
		if err := mx.txn.searchPage(mx.cursor.dbi, nil, nil, 0, &pp); err != nil {
			return nil, err
		}
		// Duplicates live as keys of the sub-tree.
		return pp.page.node(0).key(), nil
	}
	return txn.readData(leaf)
}

// Put stores a key/value pair. flags may be NoOverwrite or, for DupSort
// databases, NoDupData.
func (txn *Txn) Put(dbi DBI, key, data []byte, flags uint) error {
	if txn == nil || data == nil || !txn.validDBI(dbi) {
		return ErrInvalid
	}
	if txn.flags&txnReadOnly != 0 {
		return ErrInvalid
	}
	if !validKey(key) {
		return ErrInvalid
	}
	if flags&^(NoOverwrite|NoDupData) != 0 {
		return ErrInvalid
	}
	return txn.put0(dbi, key, data, flags)
}

func (txn *Txn) put0(dbi DBI, key, data []byte, flags uint) error {
	log.Debugf("put key %q, data size %d", key, len(data))

	var (
		pp   pageParent
		leaf *node
		ki   int
	)
	err := txn.searchPage(dbi, key, nil, srchModify, &pp)
	switch {
	case err == nil:
		var exact bool
		leaf, ki, exact = txn.searchNode(dbi, pp.page, key)
		if leaf != nil && exact {
			if isSet16(txn.dbs[dbi].flags, DupSort) {
				return txn.putSub(dbi, pp.page, ki, data, flags)
			}
			if flags&NoOverwrite != 0 {
				return ErrKeyExist
			}
			// Same size: replace the value in place.
			if leaf.flags()&nodeBigData == 0 && int(leaf.dsize()) == len(data) {
				copy(leaf.data(), data)
				return nil
			}
			delNode(pp.page, ki)
		}
		if leaf == nil {
			// Append if no node was greater or equal.
			ki = pp.page.numKeys()
		}
	case errors.Cause(err) == ErrNotFound:
		// Empty tree: start it with a root leaf page.
		dp, err := txn.newPage(dbi, pageLeaf, 1)
		if err != nil {
			return err
		}
		pp.page = dp.p
		txn.dbs[dbi].root = pp.page.id
		txn.dbs[dbi].depth++
		ki = 0
	default:
		return err
	}

	// For sorted duplicates the entry at this level is a descriptor of a
	// child tree; the actual values live there as keys.
	rdata := data
	var dummy dbState
	if isSet16(txn.dbs[dbi].flags, DupSort) {
		dummy.root = invalidPgno
		rdata = dummy.bytes()
	}

	if pp.page.sizeLeft() < leafSize(txn.env.psize, key, rdata) {
		err = txn.split(dbi, &pp.page, &ki, key, rdata, invalidPgno)
	} else {
		err = txn.addNode(dbi, pp.page, ki, key, rdata, 0, 0, 0)
	}
	if err != nil {
		txn.flags |= txnError
		return err
	}

	txn.dbs[dbi].entries++

	leaf = pp.page.node(ki)
	if flags&putSubData != 0 {
		leaf.fk |= nodeSubData
	}

	if isSet16(txn.dbs[dbi].flags, DupSort) {
		return txn.putSubNode(dbi, leaf, data, flags)
	}
	return nil
}

// putSub adds one duplicate under an existing key: the value is inserted
// as a key of the nested sub-database held in the leaf node at ki.
func (txn *Txn) putSub(dbi DBI, mp *page, ki int, data []byte, flags uint) error {
	return txn.putSubNode(dbi, mp.node(ki), data, flags)
}

// putSubNode performs the nested insert and writes the updated
// sub-database descriptor back into the parent leaf node.
func (txn *Txn) putSubNode(dbi DBI, leaf *node, data []byte, flags uint) error {
	var mx xcursor
	mx.init0(txn, dbi)
	mx.init1(txn, dbi, leaf)
	if flags&NoDupData != 0 {
		flags = NoOverwrite
	}
	flags &^= putSubData
	err := mx.txn.put0(mx.cursor.dbi, data, []byte{}, flags)
	mx.fini(txn, dbi)
	copy(leaf.data(), mx.dbs[mx.cursor.dbi].bytes())
	return err
}

// Del removes a key, or with DelDup a single duplicate value of the key.
func (txn *Txn) Del(dbi DBI, key, data []byte, flags uint) error {
	if txn == nil || key == nil || !txn.validDBI(dbi) {
		return ErrInvalid
	}
	if txn.flags&txnReadOnly != 0 {
		return ErrInvalid
	}
	if !validKey(key) {
		return ErrInvalid
	}

	log.Debugf("delete key %q", key)

	var pp pageParent
	if err := txn.searchPage(dbi, key, nil, srchModify, &pp); err != nil {
		return err
	}

	leaf, ki, exact := txn.searchNode(dbi, pp.page, key)
	if leaf == nil || !exact {
		return ErrNotFound
	}

	if isSet16(txn.dbs[dbi].flags, DupSort) {
		var mx xcursor
		mx.init0(txn, dbi)
		mx.init1(txn, dbi, leaf)
		if flags&DelDup != 0 {
			err := mx.txn.Del(mx.cursor.dbi, data, nil, 0)
			mx.fini(txn, dbi)
			if err != nil {
				return err
			}
			// If the sub-database still has entries we are done.
			if mx.dbs[mx.cursor.dbi].root != invalidPgno {
				copy(leaf.data(), mx.dbs[mx.cursor.dbi].bytes())
				return nil
			}
			// Otherwise fall through and delete the whole key.
		} else {
			// Free every page of the child tree.
			txn.freeSubDB(&mx)
		}
	}

	return txn.del0(dbi, ki, &pp, leaf)
}

// freeSubDB appends every page of a duplicate sub-tree, including its
// root, to the transaction's free list.
func (txn *Txn) freeSubDB(mx *xcursor) {
	root := mx.dbs[mx.cursor.dbi].root
	if root == invalidPgno {
		return
	}
	txn.freeTree(&mx.txn, root)
}

func (txn *Txn) freeTree(sub *Txn, id pgno) {
	p, err := sub.getPage(id)
	if err != nil {
		return
	}
	if p.isBranch() {
		for i := 0; i < p.numKeys(); i++ {
			txn.freeTree(sub, p.node(i).pgno())
		}
	}
	txn.w.freePgs.insert(id)
}

// del0 removes the node at ki from a leaf, freeing its overflow chain if
// any, and rebalances the tree.
func (txn *Txn) del0(dbi DBI, ki int, pp *pageParent, leaf *node) error {
	if leaf.flags()&nodeBigData != 0 {
		ovpages := overflowPages(int(leaf.dsize()), txn.env.psize)
		pg := leaf.overflowPgno()
		for i := 0; i < ovpages; i++ {
			log.Debugf("freed overflow page %d", pg)
			txn.w.freePgs.insert(pg)
			pg++
		}
	}
	delNode(pp.page, ki)
	txn.dbs[dbi].entries--
	if err := txn.rebalance(dbi, pp); err != nil {
		txn.flags |= txnError
		return err
	}
	return nil
}

// OpenDBI opens a database within the environment. An empty name means the
// main DB, whose flags may be extended here. Named databases are records
// of the main DB; Create makes one on demand.
func (txn *Txn) OpenDBI(name string, flags uint16) (DBI, error) {
	if txn == nil || txn.env == nil {
		return 0, ErrInvalid
	}

	if name == "" {
		if flags&(DupSort|ReverseKey|IntegerKey) != 0 {
			txn.dbs[MainDBI].flags |= flags & (DupSort | ReverseKey | IntegerKey)
		}
		return MainDBI, nil
	}

	// Already open?
	nameb := []byte(name)
	for i := 2; i < txn.numDBs; i++ {
		if string(txn.dbxs[i].name) == name {
			return DBI(i), nil
		}
	}

	if txn.numDBs >= txn.env.maxDBs-1 {
		return 0, errors.Wrap(ErrInvalid, "too many open databases")
	}

	// Find the DB record.
	data, err := txn.Get(MainDBI, nameb)
	dirty := false
	if errors.Cause(err) == ErrNotFound && flags&Create != 0 {
		if txn.flags&txnReadOnly != 0 {
			return 0, ErrPerm
		}
		var dummy dbState
		dummy.root = invalidPgno
		dummy.flags = flags &^ Create
		if err = txn.put0(MainDBI, nameb, dummy.bytes(), putSubData); err != nil {
			return 0, err
		}
		data = dummy.bytes()
		dirty = true
	}
	if err != nil && !dirty {
		return 0, err
	}
	if len(data) < dbStateSize {
		return 0, errors.Wrapf(ErrInvalid, "record %q is not a database", name)
	}

	slot := DBI(txn.numDBs)
	txn.dbxs[slot] = dbx{
		name:   nameb,
		parent: MainDBI,
		dirty:  dirty,
	}
	txn.dbs[slot] = *(*dbState)(unsafe.Pointer(&data[0]))
	txn.numDBs++
	return slot, nil
}

// Stat reports one database as seen by this transaction.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if txn == nil || int(dbi) >= txn.numDBs {
		return nil, ErrInvalid
	}
	return txn.env.statDB(&txn.dbs[dbi]), nil
}

// SetCompare overrides the key comparator of a database for the lifetime
// of the handle.
func (txn *Txn) SetCompare(dbi DBI, cmp Comparator) error {
	if txn == nil || !txn.validDBI(dbi) {
		return ErrInvalid
	}
	txn.dbxs[dbi].cmp = cmp
	return nil
}

// SetDupCompare overrides the duplicate-value comparator of a DupSort
// database.
func (txn *Txn) SetDupCompare(dbi DBI, cmp Comparator) error {
	if txn == nil || !txn.validDBI(dbi) {
		return ErrInvalid
	}
	txn.dbxs[dbi].dcmp = cmp
	return nil
}
