// Package porttest holds the behaviour every persist.Port adapter must share.
package porttest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/adminauth/internal/persist"
)

// Run exercises open against the port contract. open must return an empty
// port; it is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) persist.Port) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		p := open(t)
		_, err := p.Get(ctx, "users", "absent")
		require.ErrorIs(t, err, persist.ErrNotFound)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.Put(ctx, "users", "u1", []byte(`{"n":1}`)))
		require.NoError(t, p.Put(ctx, "users", "u1", []byte(`{"n":2}`)))
		got, err := p.Get(ctx, "users", "u1")
		require.NoError(t, err)
		require.JSONEq(t, `{"n":2}`, string(got))
	})

	t.Run("CollectionsIsolated", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.Put(ctx, "roles", "k", []byte(`{"c":"roles"}`)))
		require.NoError(t, p.Put(ctx, "users", "k", []byte(`{"c":"users"}`)))
		got, err := p.Get(ctx, "roles", "k")
		require.NoError(t, err)
		require.JSONEq(t, `{"c":"roles"}`, string(got))
		recs, err := p.Scan(ctx, "users", nil)
		require.NoError(t, err)
		require.Len(t, recs, 1)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.Put(ctx, "sessions", "s", []byte(`{}`)))
		require.NoError(t, p.Delete(ctx, "sessions", "s"))
		require.NoError(t, p.Delete(ctx, "sessions", "s"))
		_, err := p.Get(ctx, "sessions", "s")
		require.ErrorIs(t, err, persist.ErrNotFound)
	})

	t.Run("ScanOrderedAndFiltered", func(t *testing.T) {
		p := open(t)
		for _, k := range []string{"c", "a", "b", "d"} {
			doc := fmt.Sprintf(`{"key":%q,"even":%t}`, k, k == "b" || k == "d")
			require.NoError(t, p.Put(ctx, "users", k, []byte(doc)))
		}
		all, err := p.Scan(ctx, "users", nil)
		require.NoError(t, err)
		keys := make([]string, 0, len(all))
		for _, r := range all {
			keys = append(keys, r.Key)
		}
		require.Equal(t, []string{"a", "b", "c", "d"}, keys)

		even, err := p.Scan(ctx, "users", persist.FieldTrue("even"))
		require.NoError(t, err)
		require.Len(t, even, 2)
		require.Equal(t, "b", even[0].Key)
		require.Equal(t, "d", even[1].Key)
	})

	t.Run("ScanEmptyCollection", func(t *testing.T) {
		p := open(t)
		recs, err := p.Scan(ctx, "login_audit_logs", nil)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		p := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%02d", i)
				assert.NoError(t, p.Put(ctx, "users", key, []byte(`{}`)))
			}(i)
		}
		wg.Wait()
		recs, err := p.Scan(ctx, "users", nil)
		require.NoError(t, err)
		require.Len(t, recs, 16)
	})
}
