package cowdb

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Magic identifies cowdb data files and lock regions.
	Magic uint32 = 0xBEEFC0DE
	// Version is the on-disk format version.
	Version uint32 = 1
)

// dbState is the persistent descriptor of one B+tree. An invalid root means
// the tree is empty. For the free DB, pad doubles as the file's page size
// and flags doubles as the environment flags.
type dbState struct {
	pad           uint32
	flags         uint16
	depth         uint16
	branchPages   uint64
	leafPages     uint64
	overflowPages uint64
	entries       uint64
	root          pgno
}

const dbStateSize = int(unsafe.Sizeof(dbState{}))

func (d *dbState) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(d)), dbStateSize)
}

// meta lives in the header area of pages 0 and 1. The copy with the larger
// txnid (and a valid magic) is authoritative; the other is the crash
// fallback. Commits alternate between the two.
type meta struct {
	magic    uint32
	version  uint32
	address  uint64 // map address for FixedMap
	mapSize  uint64
	dbs      [2]dbState // 0: free DB, 1: main DB
	lastPgno pgno
	txnid    uint64
}

const metaSize = int(unsafe.Sizeof(meta{}))

// metaTailOffset is where the mutable portion of the meta starts: commit
// rewrites everything from dbs[0].depth on and leaves the fixed fields
// (magic, version, address, map size, page size, env flags) untouched.
var metaTailOffset = int(unsafe.Offsetof(meta{}.dbs) + unsafe.Offsetof(dbState{}.depth))

func (m *meta) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m)), metaSize)
}

func (m *meta) psize() int       { return int(m.dbs[0].pad) }
func (m *meta) envFlags() uint16 { return m.dbs[0].flags }

func (m *meta) valid() bool {
	return m.magic == Magic && m.version == Version
}

// readHeader reads a meta page straight from the file, before the map
// exists. Page 0 is tried first; if it is torn, page 1 (located with the
// host page size, which is how the file was laid out at creation) serves
// as the fallback.
func (env *Env) readHeader(m *meta) error {
	var lastErr error
	hostPsize := unix.Getpagesize()
	for _, off := range []int64{0, int64(hostPsize)} {
		buf := make([]byte, hostPsize)
		n, err := env.file.ReadAt(buf, off)
		if err != nil && n == 0 {
			if off == 0 && os.IsNotExist(err) {
				return err
			}
			if lastErr == nil {
				lastErr = err
			}
			continue
		}
		if n < pageHeaderSize+metaSize {
			lastErr = errors.Wrap(ErrInvalid, "short meta page")
			continue
		}
		p := (*page)(unsafe.Pointer(&buf[0]))
		if p.flags&pageMeta == 0 {
			lastErr = errors.Wrapf(ErrInvalid, "page %d is not a meta page", p.id)
			continue
		}
		mm := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		if mm.magic != Magic {
			lastErr = errors.Wrap(ErrInvalid, "meta page has invalid magic")
			continue
		}
		if mm.version != Version {
			return errors.Wrapf(ErrVersionMismatch,
				"database is version %d, expected %d", mm.version, Version)
		}
		*m = *mm
		return nil
	}
	return lastErr
}

// initMeta lays out a fresh data file: two identical meta pages sized by
// the host page size, both trees empty, the free DB flagged IntegerKey so
// its native txnid keys sort numerically.
func (env *Env) initMeta(m *meta) error {
	psize := unix.Getpagesize()
	log.Debugf("writing new meta pages, page size %d", psize)

	m.magic = Magic
	m.version = Version
	m.dbs[0].pad = uint32(psize)
	m.lastPgno = 1
	m.dbs[0].flags = uint16(env.flags) | IntegerKey
	m.dbs[0].root = invalidPgno
	m.dbs[1].root = invalidPgno

	buf := make([]byte, 2*psize)
	for i := 0; i < 2; i++ {
		p := (*page)(unsafe.Pointer(&buf[i*psize]))
		p.id = pgno(i)
		p.flags = pageMeta
		copy(buf[i*psize+pageHeaderSize:], m.bytes())
	}

	if _, err := env.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "write meta pages")
	}
	return nil
}

// writeMeta publishes a committed transaction on the meta page opposite to
// the one it began from. Only the mutable tail is written, at its exact
// byte offset inside the page.
func (env *Env) writeMeta(txn *Txn) error {
	var m meta
	m.dbs[0] = txn.dbs[freeDBI]
	m.dbs[1] = txn.dbs[MainDBI]
	m.lastPgno = txn.nextPgno - 1
	m.txnid = txn.id

	off := int64(metaTailOffset)
	if txn.flags&txnMetToggle == 0 {
		off += int64(env.psize)
	}
	off += pageHeaderSize

	log.Debugf("writing meta page for txn %d, root %d", txn.id, txn.dbs[MainDBI].root)

	buf := m.bytes()[metaTailOffset:]
	if _, err := env.file.WriteAt(buf, off); err != nil {
		return errors.Wrap(err, "write meta tail")
	}
	return nil
}

// pickMeta selects the authoritative meta: the valid copy with the larger
// txnid. Returns the chosen toggle.
func (env *Env) pickMeta() (int, error) {
	v0, v1 := env.metas[0].valid(), env.metas[1].valid()
	toggle := 0
	switch {
	case !v0 && !v1:
		return 0, errors.Wrap(ErrInvalid, "both meta pages are corrupt")
	case !v0:
		toggle = 1
	case v1 && env.metas[0].txnid < env.metas[1].txnid:
		toggle = 1
	}
	env.meta = env.metas[toggle]
	return toggle, nil
}
