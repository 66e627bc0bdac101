package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// NewTestAdapter starts a miniredis server and returns an adapter bound to it.
// Both are closed when the test ends.
func NewTestAdapter(t testing.TB) (*miniredis.Miniredis, RedisAdapter) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// unique name per test, adapters are cached by name
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := NewRedisAdapter(connName, "", &Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = adapter.Close()
		mr.Close()
	})

	return mr, adapter
}
