package cowdb

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetOrdered(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, &Options{StrictMode: true})

	txn, err := env.Begin(true)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		put(t, txn, MainDBI, fmt.Sprintf("k%03d", i), fmt.Sprintf("%08d", i))
	}
	require.NoError(t, txn.Commit())

	env = reopen(t, env, dir, nil)
	txn, err = env.Begin(false)
	require.NoError(t, err)

	st, err := txn.Stat(MainDBI)
	require.NoError(t, err)
	assert.Equal(uint64(1000), st.Entries)
	assert.GreaterOrEqual(st.Depth, 2)

	cur, err := txn.OpenCursor(MainDBI)
	require.NoError(t, err)
	i := 0
	for k, v, err := cur.Get(nil, nil, First); err == nil; k, v, err = cur.Get(nil, nil, Next) {
		assert.Equal(fmt.Sprintf("k%03d", i), string(k))
		assert.Equal(fmt.Sprintf("%08d", i), string(v))
		i++
	}
	assert.Equal(1000, i)
	cur.Close()

	require.NoError(t, txn.Check(MainDBI))
	txn.Abort()
}

func TestPutRandomOrder(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, &Options{StrictMode: true})

	// A fixed permutation touches the non-append insert paths.
	txn, err := env.Begin(true)
	require.NoError(t, err)
	const n = 512
	for i := 0; i < n; i++ {
		j := (i*409 + 131) % n
		put(t, txn, MainDBI, fmt.Sprintf("key-%04d", j), fmt.Sprintf("val-%04d", j))
	}
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(false)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		v, err := txn.Get(MainDBI, []byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		assert.Equal(fmt.Sprintf("val-%04d", i), string(v))
	}
	txn.Abort()
}

func TestNoOverwrite(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	err = txn.Put(MainDBI, []byte("a"), []byte("2"), NoOverwrite)
	assert.Equal(ErrKeyExist, errors.Cause(err))
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("1", string(v))
	txn.Abort()
}

// Overwriting with a value of equal size rewrites the node in place and
// must not allocate a page.
func TestOverwriteSameSizeNoAlloc(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "11111111")
	before := txn.nextPgno
	put(t, txn, MainDBI, "a", "22222222")
	assert.Equal(before, txn.nextPgno)
	v, err := txn.Get(MainDBI, []byte("a"))
	require.NoError(t, err)
	assert.Equal("22222222", string(v))
	require.NoError(t, txn.Commit())
}

func TestDelete(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, &Options{StrictMode: true})

	txn, err := env.Begin(true)
	require.NoError(t, err)
	put(t, txn, MainDBI, "a", "1")
	put(t, txn, MainDBI, "b", "2")
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Del(MainDBI, []byte("a"), nil, 0))
	_, err = txn.Get(MainDBI, []byte("a"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	err = txn.Del(MainDBI, []byte("a"), nil, 0)
	assert.Equal(ErrNotFound, errors.Cause(err))
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(false)
	require.NoError(t, err)
	_, err = txn.Get(MainDBI, []byte("a"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	v, err := txn.Get(MainDBI, []byte("b"))
	require.NoError(t, err)
	assert.Equal("2", string(v))
	txn.Abort()
}

// Filling a tree to depth 2+ and draining it again exercises split, merge,
// move and both root collapses.
func TestDeleteAll(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, &Options{StrictMode: true})

	const n = 500
	txn, err := env.Begin(true)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		put(t, txn, MainDBI, fmt.Sprintf("k%04d", i), fmt.Sprintf("%010d", i))
	}
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(true)
	require.NoError(t, err)
	st, err := txn.Stat(MainDBI)
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.Depth, 2)

	for i := 0; i < n; i++ {
		require.NoError(t, txn.Del(MainDBI, []byte(fmt.Sprintf("k%04d", i)), nil, 0))
		require.NoError(t, txn.Check(MainDBI))
	}
	st, err = txn.Stat(MainDBI)
	require.NoError(t, err)
	assert.Equal(uint64(0), st.Entries)
	assert.Equal(0, st.Depth)
	_, err = txn.Get(MainDBI, []byte("k0000"))
	assert.Equal(ErrNotFound, errors.Cause(err))
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(false)
	require.NoError(t, err)
	cur, err := txn.OpenCursor(MainDBI)
	require.NoError(t, err)
	_, _, err = cur.Get(nil, nil, First)
	assert.Equal(ErrNotFound, errors.Cause(err))
	cur.Close()
	txn.Abort()
}

func TestEntriesAcrossCommits(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	total := uint64(0)
	for batch := 0; batch < 5; batch++ {
		txn, err := env.Begin(true)
		require.NoError(t, err)
		for i := 0; i < 40; i++ {
			put(t, txn, MainDBI, fmt.Sprintf("b%02d-%02d", batch, i), "v")
			total++
		}
		require.NoError(t, txn.Commit())

		st, err := env.Stat()
		require.NoError(t, err)
		assert.Equal(total, st.Entries)
	}
	// txnid must increase strictly with each commit.
	assert.Equal(uint64(5), env.meta.txnid)
}

func TestKeyLimits(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)

	assert.Equal(ErrInvalid, errors.Cause(txn.Put(MainDBI, nil, []byte("v"), 0)))
	assert.Equal(ErrInvalid, errors.Cause(txn.Put(MainDBI, []byte{}, []byte("v"), 0)))
	long := make([]byte, MaxKeySize+1)
	assert.Equal(ErrInvalid, errors.Cause(txn.Put(MainDBI, long, []byte("v"), 0)))
	assert.NoError(txn.Put(MainDBI, long[:MaxKeySize], []byte("v"), 0))

	_, err = txn.Get(MainDBI, nil)
	assert.Equal(ErrInvalid, errors.Cause(err))
	_, err = txn.Get(MainDBI, long)
	assert.Equal(ErrInvalid, errors.Cause(err))

	txn.Abort()
}

func TestNamedDB(t *testing.T) {
	assert := assertion.New(t)
	env, dir := openTestEnv(t, &Options{MaxDBs: 8})

	txn, err := env.Begin(true)
	require.NoError(t, err)
	dbi, err := txn.OpenDBI("widgets", Create)
	require.NoError(t, err)
	require.Greater(t, int(dbi), int(MainDBI))
	put(t, txn, dbi, "w1", "red")
	put(t, txn, dbi, "w2", "blue")
	require.NoError(t, txn.Commit())

	// The handle survives for new transactions on the same env.
	txn, err = env.Begin(false)
	require.NoError(t, err)
	v, err := txn.Get(dbi, []byte("w1"))
	require.NoError(t, err)
	assert.Equal("red", string(v))
	txn.Abort()

	// And the database is reachable by name after reopening.
	env = reopen(t, env, dir, &Options{MaxDBs: 8})
	txn, err = env.Begin(true)
	require.NoError(t, err)
	dbi2, err := txn.OpenDBI("widgets", 0)
	require.NoError(t, err)
	v, err = txn.Get(dbi2, []byte("w2"))
	require.NoError(t, err)
	assert.Equal("blue", string(v))

	_, err = txn.OpenDBI("missing", 0)
	assert.Equal(ErrNotFound, errors.Cause(err))
	require.NoError(t, txn.Commit())
}

func TestReverseKeyDB(t *testing.T) {
	assert := assertion.New(t)
	env, _ := openTestEnv(t, nil)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	_, err = txn.OpenDBI("", ReverseKey)
	require.NoError(t, err)
	put(t, txn, MainDBI, "ab", "1")
	put(t, txn, MainDBI, "bb", "2")
	put(t, txn, MainDBI, "ba", "3")
	require.NoError(t, txn.Commit())

	txn, err = env.Begin(false)
	require.NoError(t, err)
	cur, err := txn.OpenCursor(MainDBI)
	require.NoError(t, err)
	var keys []string
	for k, _, err := cur.Get(nil, nil, First); err == nil; k, _, err = cur.Get(nil, nil, Next) {
		keys = append(keys, string(k))
	}
	// Sorted by reversed bytes: "ba" < "ab" < "bb".
	assert.Equal([]string{"ba", "ab", "bb"}, keys)
	cur.Close()
	txn.Abort()
}
