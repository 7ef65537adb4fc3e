package cowdb

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Readers running alongside a committing writer must each see a complete
// batch: the writer inserts in chunks of batchSize per commit, so any
// consistent snapshot holds a multiple of batchSize entries, all readable.
func TestConcurrentReadersOneWriter(t *testing.T) {
	env, _ := openTestEnv(t, &Options{MapSize: 4 << 20})

	const (
		batches   = 20
		batchSize = 25
	)

	var g errgroup.Group

	g.Go(func() error {
		for b := 0; b < batches; b++ {
			txn, err := env.Begin(true)
			if err != nil {
				return err
			}
			for i := 0; i < batchSize; i++ {
				k := fmt.Sprintf("k%02d-%02d", b, i)
				if err := txn.Put(MainDBI, []byte(k), []byte(k), 0); err != nil {
					txn.Abort()
					return err
				}
			}
			if err := txn.Commit(); err != nil {
				return err
			}
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				txn, err := env.Begin(false)
				if err != nil {
					return err
				}
				st, err := txn.Stat(MainDBI)
				if err != nil {
					txn.Abort()
					return err
				}
				if st.Entries%batchSize != 0 {
					txn.Abort()
					return errors.Errorf("snapshot holds a partial batch: %d entries", st.Entries)
				}

				cur, err := txn.OpenCursor(MainDBI)
				if err != nil {
					txn.Abort()
					return err
				}
				count := uint64(0)
				for _, _, err := cur.Get(nil, nil, First); err == nil; _, _, err = cur.Get(nil, nil, Next) {
					count++
				}
				cur.Close()
				if count != st.Entries {
					txn.Abort()
					return errors.Errorf("cursor saw %d entries, stat says %d", count, st.Entries)
				}
				txn.Abort()
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())

	st, err := env.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(batches*batchSize), st.Entries)
}

// Two goroutines contending for the writer mutex serialize cleanly.
func TestWriterSerialization(t *testing.T) {
	env, _ := openTestEnv(t, &Options{MapSize: 4 << 20})

	var g errgroup.Group
	for w := 0; w < 2; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				txn, err := env.Begin(true)
				if err != nil {
					return err
				}
				k := fmt.Sprintf("w%d-%03d", w, i)
				if err := txn.Put(MainDBI, []byte(k), []byte("v"), 0); err != nil {
					txn.Abort()
					return err
				}
				if err := txn.Commit(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st, err := env.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(100), st.Entries)
}
