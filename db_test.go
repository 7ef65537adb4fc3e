package cowdb

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T, options *Options) (*Env, string) {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(dir, 0644, options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env, dir
}

func reopen(t *testing.T, env *Env, dir string, options *Options) *Env {
	t.Helper()
	require.NoError(t, env.Close())
	env2, err := Open(dir, 0644, options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env2.Close() })
	return env2
}

func put(t *testing.T, txn *Txn, dbi DBI, key, val string) {
	t.Helper()
	require.NoError(t, txn.Put(dbi, []byte(key), []byte(val), 0))
}

func TestOpen(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, nil)

	assert.Equal(os.Getpagesize(), env.psize)
	assert.Equal(pgno(1), env.meta.lastPgno)
	assert.Equal(uint64(0), env.meta.txnid)
	assert.Equal(invalidPgno, env.meta.dbs[MainDBI].root)
	assert.True(env.meta.dbs[freeDBI].flags&IntegerKey != 0)

	// Both meta pages must be on disk and identical.
	buf, err := os.ReadFile(filepath.Join(dir, DataName))
	require.NoError(t, err)
	require.Equal(t, 2*env.psize, len(buf))
	m0 := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
	m1 := (*meta)(unsafe.Pointer(&buf[env.psize+pageHeaderSize]))
	assert.True(m0.valid())
	assert.True(m1.valid())
	assert.Equal(*m0, *m1)

	env = reopen(t, env, dir, nil)
	assert.Equal(uint64(0), env.meta.txnid)
}

func TestOpenReadOnlyMissing(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	env, err := Open(dir, 0644, &Options{ReadOnly: true})
	assert.Nil(env)
	assert.Error(err)
}

func TestOpenVersionMismatch(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, nil)
	psize := env.psize
	require.NoError(t, env.Close())

	// Corrupt the version in both meta pages.
	f, err := os.OpenFile(filepath.Join(dir, DataName), os.O_RDWR, 0644)
	require.NoError(t, err)
	bad := []byte{9, 0, 0, 0}
	versionOff := int64(pageHeaderSize + 4)
	_, err = f.WriteAt(bad, versionOff)
	require.NoError(t, err)
	_, err = f.WriteAt(bad, int64(psize)+versionOff)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	// The region lock died with the env, so reopening reinitializes the
	// lock file but must still reject the data file.
	env, err = Open(dir, 0644, nil)
	assert.Nil(env)
	assert.Equal(ErrVersionMismatch, errors.Cause(err))
}

func TestPersistence(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, nil)

	txn, err := env.Begin(false)
	require.NoError(t, err)
	_, err = txn.Get(MainDBI, []byte("a"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	txn.Abort()

	txn, err = env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	require.NoError(t, txn.Commit())

	env = reopen(t, env, dir, nil)
	txn, err = env.Begin(false)
	require.NoError(t, err)
	v, err = txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	txn.Abort()
}

// zeroPage wipes one page of the data file in place.
func zeroPage(t *testing.T, dir string, psize int, id int) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, DataName), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, psize), int64(id)*int64(psize))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newerMetaPage(t *testing.T, dir string, psize int) int {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join(dir, DataName))
	require.NoError(t, err)
	m0 := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
	m1 := (*meta)(unsafe.Pointer(&buf[psize+pageHeaderSize]))
	if m1.valid() && (!m0.valid() || m0.txnid < m1.txnid) {
		return 1
	}
	return 0
}

// A torn write of the newer meta page must fall back to the older one and
// its consistent pre-crash tree, whichever toggle took the last commit.
func TestCrashFallback(t *testing.T) {
	assert := assertion.New(t)

	for commits := 1; commits <= 2; commits++ {
		env, dir := openTestEnv(t, nil)
		psize := env.psize

		for i := 0; i < commits; i++ {
			txn, err := env.Begin(true)
			require.NoError(t, err)
			put(t, txn, MainDBI, "stable", "old")
			require.NoError(t, txn.Commit())
		}

		// The doomed commit.
		txn, err := env.Begin(true)
		require.NoError(t, err)
		put(t, txn, MainDBI, "stable", "new")
		put(t, txn, MainDBI, "extra", "x")
		require.NoError(t, txn.Commit())
		require.NoError(t, env.Close())

		zeroPage(t, dir, psize, newerMetaPage(t, dir, psize))

		env, err = Open(dir, 0644, nil)
		require.NoError(t, err)
		txn, err = env.Begin(false)
		require.NoError(t, err)
		v, err := txn.Get(MainDBI, []byte("stable"))
		require.NoError(t, err)
		assert.Equal("old", string(v))
		_, err = txn.Get(MainDBI, []byte("extra"))
		assert.Equal(ErrNotFound, errors.Cause(err))
		txn.Abort()
		require.NoError(t, env.Close())
	}
}

func TestStat(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "k", "v")
	require.NoError(t, txn.Commit())

	st, err := env.Stat()
	require.NoError(t, err)
	assert.Equal(env.psize, st.PageSize)
	assert.Equal(1, st.Depth)
	assert.Equal(uint64(1), st.Entries)
	assert.Equal(uint64(1), st.LeafPages)
}
