package cowdb

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A committed transaction must release the writer cleanly; the next write
// transaction starts immediately and sees the committed state.
func TestCommitThenReuse(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	require.NoError(t, txn.Commit())
	assert.Equal(uint64(1), env.txns.loadTxnid())

	txn, err = env.Begin(true)
	require.NoError(t, err)
	assert.Equal(uint64(2), txn.id)
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	put(t, txn, MainDBI, "b", "2")
	require.NoError(t, txn.Commit())
	assert.Equal(uint64(2), env.txns.loadTxnid())
}

// An empty commit writes nothing and undoes its txnid bump.
func TestEmptyCommit(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	assert.Equal(uint64(0), env.txns.loadTxnid())
	assert.Equal(uint64(0), env.meta.txnid)

	// The writer mutex must be free again.
	txn, err = env.Begin(true)
	require.NoError(t, err)
	txn.Abort()
}

func TestCommitReadOnlyTxn(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(false)
	require.NoError(t, err)
	assert.Equal(ErrPerm, errors.Cause(txn.Commit()))
}

func TestWriteOnReadOnly(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	require.NoError(t, txn.Commit())

	env = reopen(t, env, dir, &Options{ReadOnly: true})
	_, err = env.Begin(true)
	assert.Equal(ErrPerm, errors.Cause(err))

	txn, err = env.Begin(false)
	require.NoError(t, err)
	assert.Equal(ErrInvalid, errors.Cause(txn.Put(MainDBI, []byte("b"), []byte("2"), 0)))
	assert.Equal(ErrInvalid, errors.Cause(txn.Del(MainDBI, []byte("a"), nil, 0)))
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	txn.Abort()
}

// Aborting a write transaction rolls everything back, including its txnid.
func TestAbortRollsBack(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "2")
	put(t, txn, MainDBI, "b", "3")
	txn.Abort()
	assert.Equal(uint64(1), env.txns.loadTxnid())

	txn, err = env.Begin(false)
	require.NoError(t, err)
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	_, err = txn.Get(MainDBI, []byte("b"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	txn.Abort()
}

func TestReaderTableFull(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, &Options{MaxReaders: 2})

	r1, err := env.Begin(false)
	require.NoError(t, err)
	r2, err := env.Begin(false)
	require.NoError(t, err)
	_, err = env.Begin(false)
	assert.Equal(ErrReadersFull, errors.Cause(err))

	// Finishing a reader frees its slot for the next one.
	r1.Abort()
	r3, err := env.Begin(false)
	require.NoError(t, err)
	r3.Abort()
	r2.Abort()
}

// A reader's snapshot is untouched by commits that happen after it began.
func TestSnapshotIsolation(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "old")
	require.NoError(t, txn.Commit())

	reader, err := env.Begin(false)
	require.NoError(t, err)

	txn, err = env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "NEW")
	put(t, txn, MainDBI, "b", "NEW")
	require.NoError(t, txn.Commit())

	v, err := reader.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("old", string(v))
	_, err = reader.Get(MainDBI, []byte("b"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	reader.Abort()

	// A fresh reader sees the new state.
	reader, err = env.Begin(false)
	require.NoError(t, err)
	v, err = reader.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("NEW", string(v))
	reader.Abort()
}
