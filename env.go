package cowdb

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DataName and LockName are the two files of an environment directory.
	DataName = "data.mdb"
	LockName = "lock.mdb"

	// DefaultMapSize is used for new environments unless overridden.
	DefaultMapSize = 1 << 20

	// DefaultReaders is the reader-table capacity for new lock regions.
	DefaultReaders = 126

	defaultMaxDBs = 8
)

// DBI identifies one B+tree within an environment. Slot 0 is the free-page
// DB, slot 1 the main DB; named databases come after.
type DBI uint32

const (
	freeDBI DBI = 0
	// MainDBI is the unnamed top-level database of every environment.
	MainDBI DBI = 1
)

// Options configure an environment at open time.
type Options struct {
	// MapSize is the size of the read-only data map. Read transactions see
	// at most this much of the file; it is persisted in the meta page and
	// reused on reopen when zero.
	MapSize int

	// MaxReaders bounds the shared reader table. Only meaningful for the
	// process that creates the lock region.
	MaxReaders int

	// MaxDBs bounds the number of named databases open at once.
	MaxDBs int

	// NoSync skips both fsync calls on commit. A crash can then lose
	// recently committed transactions, though the file stays consistent.
	NoSync bool

	// ReadOnly opens the environment without write access.
	ReadOnly bool

	// FixedMap maps the file at the address recorded when the environment
	// was created.
	FixedMap bool

	// StrictMode runs the tree checker on the main database and every dirty
	// named database before each commit publishes its meta page. The free
	// DB is not checked. This has a large performance impact
	// so it should only be used for debugging purposes.
	StrictMode bool
}

// DefaultOptions are used when Open is given a nil Options.
var DefaultOptions = &Options{
	MapSize:    DefaultMapSize,
	MaxReaders: DefaultReaders,
	MaxDBs:     defaultMaxDBs,
}

// dbx is the volatile companion of a dbState: the name binding, comparator
// overrides, and the per-transaction dirty mark.
type dbx struct {
	name   []byte
	cmp    Comparator
	dcmp   Comparator
	parent DBI
	dirty  bool
}

// Env is one open environment: the data file and its read-only map, the
// shared lock region, and the double-buffered named-database tables.
type Env struct {
	path  string
	file  *os.File
	lfile *os.File

	flags      uint32
	maxReaders int
	maxDBs     int
	numDBs     int

	dataref []byte
	mapSize int
	psize   int

	lockref []byte
	txns    *txnInfo

	metas [2]*meta
	meta  *meta

	writer   *Txn
	dbToggle int
	dbxs     []dbx
	dbs      [2][]dbState
	pghead   *oldPages
	tidSeq   uint64

	strict bool
	opened bool
}

// Open opens or creates the environment in directory path.
func Open(path string, mode os.FileMode, options *Options) (*Env, error) {
	if options == nil {
		options = DefaultOptions
	}
	env := &Env{
		path:       path,
		maxReaders: options.MaxReaders,
		maxDBs:     options.MaxDBs,
		strict:     options.StrictMode,
	}
	if env.maxReaders <= 0 {
		env.maxReaders = DefaultReaders
	}
	if env.maxDBs < 2 {
		env.maxDBs = defaultMaxDBs
	}
	if options.NoSync {
		env.flags |= NoSync
	}
	if options.ReadOnly {
		env.flags |= ReadOnly
	}
	if options.FixedMap {
		env.flags |= FixedMap
	}
	env.mapSize = options.MapSize

	excl, err := env.setupLocks(filepath.Join(path, LockName), mode)
	if err != nil {
		return nil, err
	}

	oflags := os.O_RDWR | os.O_CREATE
	if options.ReadOnly {
		oflags = os.O_RDONLY
	}
	if env.file, err = os.OpenFile(filepath.Join(path, DataName), oflags, mode); err != nil {
		_ = env.close()
		return nil, errors.Wrap(err, "open data file")
	}

	if err := env.open2(); err != nil {
		_ = env.close()
		return nil, err
	}

	if excl {
		env.shareLocks()
	}

	env.dbxs = make([]dbx, env.maxDBs)
	env.dbs[0] = make([]dbState, env.maxDBs)
	env.dbs[1] = make([]dbState, env.maxDBs)
	env.numDBs = 2
	env.opened = true

	log.Debugf("opened environment %s, page size %d, last page %d, txn %d",
		path, env.psize, env.meta.lastPgno, env.meta.txnid)
	return env, nil
}

// setupLocks opens the lock file and maps the shared region. Obtaining an
// exclusive byte lock means nobody else has the region open, so it is
// (re)initialized; otherwise the existing region is validated.
func (env *Env) setupLocks(lpath string, mode os.FileMode) (excl bool, err error) {
	if env.lfile, err = os.OpenFile(lpath, os.O_RDWR|os.O_CREATE, mode); err != nil {
		return false, errors.Wrap(err, "open lock file")
	}

	if err = lockRegion(env.lfile, true); err == nil {
		excl = true
	} else if err = lockRegion(env.lfile, false); err != nil {
		_ = env.close()
		return false, errors.Wrap(err, "lock region")
	}

	rsize := int64(txnInfoSize + env.maxReaders*readerSize)
	fi, err := env.lfile.Stat()
	if err != nil {
		_ = env.close()
		return false, errors.Wrap(err, "stat lock file")
	}
	if fi.Size() < rsize && excl {
		if err = env.lfile.Truncate(rsize); err != nil {
			_ = env.close()
			return false, errors.Wrap(err, "size lock file")
		}
	} else if fi.Size() >= int64(txnInfoSize) {
		rsize = fi.Size()
		env.maxReaders = int(rsize-int64(txnInfoSize)) / readerSize
	}

	if env.lockref, err = mmap(env.lfile, int(rsize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = env.close()
		return false, err
	}
	env.txns = (*txnInfo)(unsafe.Pointer(&env.lockref[0]))

	if excl {
		env.txns.magic = Magic
		env.txns.version = Version
		env.txns.mutex = 0
		env.txns.wmutex = 0
		env.txns.storeTxnid(0)
		env.txns.numReaders = 0
	} else {
		if env.txns.magic != Magic {
			_ = env.close()
			return false, errors.Wrap(ErrInvalid, "lock region has invalid magic")
		}
		if env.txns.version != Version {
			_ = env.close()
			return false, errors.Wrapf(ErrVersionMismatch,
				"lock region is version %d, expected %d", env.txns.version, Version)
		}
	}
	return excl, nil
}

// open2 reads or creates the meta pages and maps the data file read-only.
func (env *Env) open2() error {
	var m meta
	newEnv := false

	fi, err := env.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat data file")
	}
	if fi.Size() == 0 {
		log.Debug("creating new environment")
		newEnv = true
	} else if err := env.readHeader(&m); err != nil {
		return err
	}

	if env.mapSize <= 0 {
		if newEnv {
			env.mapSize = DefaultMapSize
		} else {
			env.mapSize = int(m.mapSize)
		}
	}

	if env.flags&FixedMap != 0 && m.address != 0 {
		env.dataref, err = mmapAt(env.file, uintptr(m.address), env.mapSize)
	} else {
		env.dataref, err = mmap(env.file, env.mapSize, unix.PROT_READ)
	}
	if err != nil {
		return err
	}
	if err := madviseRandom(env.dataref); err != nil {
		log.Warnf("madvise: %v", err)
	}

	if newEnv {
		m.mapSize = uint64(env.mapSize)
		if env.flags&FixedMap != 0 {
			m.address = uint64(uintptr(unsafe.Pointer(&env.dataref[0])))
		}
		if err := env.initMeta(&m); err != nil {
			return err
		}
	}

	env.psize = m.psize()
	env.metas[0] = (*meta)(unsafe.Pointer(&env.dataref[pageHeaderSize]))
	env.metas[1] = (*meta)(unsafe.Pointer(&env.dataref[env.psize+pageHeaderSize]))

	if _, err := env.pickMeta(); err != nil {
		return err
	}
	return nil
}

// shareLocks seeds the global txnid from the authoritative meta and
// downgrades the exclusive region lock back to shared.
func (env *Env) shareLocks() {
	env.txns.storeTxnid(env.meta.txnid)
	if err := lockRegion(env.lfile, false); err != nil {
		log.Warnf("downgrade region lock: %v", err)
	}
}

// Close unmaps and closes the environment. Outstanding transactions must be
// finished first.
func (env *Env) Close() error {
	if !env.opened {
		return nil
	}
	env.opened = false
	return env.close()
}

func (env *Env) close() error {
	if err := munmap(env.dataref); err != nil {
		return errors.Wrap(err, "unmap data")
	}
	env.dataref = nil
	if err := munmap(env.lockref); err != nil {
		return errors.Wrap(err, "unmap lock region")
	}
	env.lockref = nil
	env.txns = nil
	env.metas[0], env.metas[1], env.meta = nil, nil, nil

	if env.file != nil {
		if err := env.file.Close(); err != nil {
			return errors.Wrap(err, "close data file")
		}
		env.file = nil
	}
	if env.lfile != nil {
		if err := env.lfile.Close(); err != nil {
			return errors.Wrap(err, "close lock file")
		}
		env.lfile = nil
	}
	return nil
}

// Sync forces an fsync of the data file, honoring NoSync.
func (env *Env) Sync() error {
	if isSet(env.flags, NoSync) {
		return nil
	}
	return fdatasync(env.file)
}

// Path returns the environment directory.
func (env *Env) Path() string { return env.path }

// Flags returns the environment flags.
func (env *Env) Flags() uint32 { return env.flags }

// Stat describes one B+tree.
type Stat struct {
	PageSize      int
	Depth         int
	BranchPages   uint64
	LeafPages     uint64
	OverflowPages uint64
	Entries       uint64
}

func (env *Env) statDB(d *dbState) *Stat {
	return &Stat{
		PageSize:      env.psize,
		Depth:         int(d.depth),
		BranchPages:   d.branchPages,
		LeafPages:     d.leafPages,
		OverflowPages: d.overflowPages,
		Entries:       d.entries,
	}
}

// Stat reports the main database as of the last committed transaction.
func (env *Env) Stat() (*Stat, error) {
	if !env.opened {
		return nil, ErrInvalid
	}
	if _, err := env.pickMeta(); err != nil {
		return nil, err
	}
	return env.statDB(&env.meta.dbs[MainDBI]), nil
}

// CloseDBI releases a named database handle. The database itself is
// untouched.
func (env *Env) CloseDBI(dbi DBI) {
	if dbi <= MainDBI || int(dbi) >= env.numDBs {
		return
	}
	env.dbxs[dbi].name = nil
}
