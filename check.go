package cowdb

import (
	"github.com/pkg/errors"
)

// Check walks a database and verifies its structural invariants: every
// non-root page holds at least two keys, keys are strictly ordered by the
// database's comparator, branch pages carry a zero-length key at index 0,
// the entry counter matches the leaves, and no reachable page lies beyond
// the allocation frontier. The branch/leaf/overflow page counters are not
// checked. Intended for tests and StrictMode commits.
func (txn *Txn) Check(dbi DBI) error {
	if txn == nil || int(dbi) >= txn.numDBs {
		return ErrInvalid
	}
	db := &txn.dbs[dbi]
	if db.root == invalidPgno {
		if db.entries != 0 {
			return errors.Wrapf(ErrInvalid, "empty tree reports %d entries", db.entries)
		}
		return nil
	}

	ck := &checker{txn: txn, dbi: dbi, cmp: txn.keyCmp(dbi)}
	if err := ck.page(db.root, int(db.depth), true); err != nil {
		return err
	}
	if ck.entries != db.entries {
		return errors.Wrapf(ErrInvalid, "tree has %d entries, descriptor says %d",
			ck.entries, db.entries)
	}
	return nil
}

type checker struct {
	txn     *Txn
	dbi     DBI
	cmp     Comparator
	entries uint64
}

func (ck *checker) page(id pgno, depth int, isRoot bool) error {
	frontier := ck.txn.env.meta.lastPgno
	if ck.txn.flags&txnReadOnly == 0 {
		frontier = ck.txn.nextPgno - 1
	}
	if id > frontier {
		return errors.Wrapf(ErrInvalid, "page %d beyond allocation frontier %d", id, frontier)
	}

	p, err := ck.txn.getPage(id)
	if err != nil {
		return err
	}
	if p.id != id {
		return errors.Wrapf(ErrInvalid, "page at %d claims pgno %d", id, p.id)
	}

	nk := p.numKeys()
	if !isRoot && nk < minKeys {
		return errors.Wrapf(ErrInvalid, "non-root page %d has %d keys", id, nk)
	}

	switch {
	case p.isLeaf():
		if depth != 1 {
			return errors.Wrapf(ErrInvalid, "leaf page %d at depth %d", id, depth)
		}
		for i := 0; i < nk; i++ {
			n := p.node(i)
			if i > 0 && ck.cmp(p.node(i-1).key(), n.key()) >= 0 {
				return errors.Wrapf(ErrInvalid, "page %d keys out of order at %d", id, i)
			}
			if n.flags()&nodeBigData != 0 {
				omp, err := ck.txn.getPage(n.overflowPgno())
				if err != nil {
					return err
				}
				if !omp.isOverflow() {
					return errors.Wrapf(ErrInvalid, "page %d is not an overflow page", omp.id)
				}
			}
			ck.entries++
		}
	case p.isBranch():
		if depth <= 1 {
			return errors.Wrapf(ErrInvalid, "branch page %d at depth %d", id, depth)
		}
		if nk < 2 {
			return errors.Wrapf(ErrInvalid, "branch page %d has %d keys", id, nk)
		}
		if p.node(0).ksize() != 0 {
			return errors.Wrapf(ErrInvalid, "branch page %d index 0 has a key", id)
		}
		for i := 0; i < nk; i++ {
			n := p.node(i)
			if i > 1 && ck.cmp(p.node(i-1).key(), n.key()) >= 0 {
				return errors.Wrapf(ErrInvalid, "page %d separators out of order at %d", id, i)
			}
			if err := ck.page(n.pgno(), depth-1, false); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(ErrInvalid, "page %d has unexpected flags %#x", id, p.flags)
	}
	return nil
}
