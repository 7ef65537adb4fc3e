package cowdb

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

const cacheLine = 64

// reader is one slot of the shared reader table, padded to a cache line.
// A zero txnid means the slot holds no live snapshot; a zero pid means the
// slot is free to claim.
type reader struct {
	txnid uint64
	pid   int32
	_     int32
	tid   uint64
	_     [cacheLine - 24]byte
}

const readerSize = int(unsafe.Sizeof(reader{}))

// txnInfo is the fixed head of the lock region: identification, the
// reader-table mutex, the global txnid, and — on its own cache line — the
// writer mutex. The reader slots follow.
type txnInfo struct {
	magic      uint32
	version    uint32
	mutex      uint32 // guards reader slot allocation only
	_          uint32
	txnid      uint64
	numReaders uint32
	_          [cacheLine - 28]byte
	wmutex     uint32
	_          [cacheLine - 4]byte
}

const txnInfoSize = int(unsafe.Sizeof(txnInfo{}))

// reader returns the i'th slot of the table following the txnInfo head.
func (ti *txnInfo) reader(i int) *reader {
	return (*reader)(unsafe.Add(unsafe.Pointer(ti), txnInfoSize+i*readerSize))
}

// lockWord and unlockWord implement the process-shared mutexes: plain CAS
// words living in the shared lock-file mapping, visible to every process
// that maps the region. Contended acquires yield, then back off.
func lockWord(w *uint32) {
	for i := 0; !atomic.CompareAndSwapUint32(w, 0, 1); i++ {
		if i < 1000 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func unlockWord(w *uint32) {
	atomic.StoreUint32(w, 0)
}

// Slot txnids are read by the writer without any lock when it computes the
// oldest live reader; atomic access keeps that race benign under the Go
// memory model.
func (r *reader) loadTxnid() uint64     { return atomic.LoadUint64(&r.txnid) }
func (r *reader) storeTxnid(id uint64)  { atomic.StoreUint64(&r.txnid, id) }

func (ti *txnInfo) loadTxnid() uint64    { return atomic.LoadUint64(&ti.txnid) }
func (ti *txnInfo) storeTxnid(id uint64) { atomic.StoreUint64(&ti.txnid, id) }
func (ti *txnInfo) incTxnid() uint64     { return atomic.AddUint64(&ti.txnid, 1) }
func (ti *txnInfo) decTxnid()            { atomic.AddUint64(&ti.txnid, ^uint64(0)) }
