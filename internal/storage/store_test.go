package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func testStoreBasics(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	val, err := store.Get(ctx, KeySessionID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, val)

	require.NoError(t, store.Set(ctx, KeySessionID, "s1"))
	val, err = store.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s1", val)

	require.NoError(t, store.Set(ctx, KeySessionID, "s2"))
	val, err = store.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s2", val)

	require.NoError(t, store.Remove(ctx, KeySessionID))
	_, err = store.Get(ctx, KeySessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	// removing again is fine
	require.NoError(t, store.Remove(ctx, KeySessionID))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreBasics(t, store)
	assert.Equal(t, 0, store.Len())
}

func TestCacheStore(t *testing.T) {
	testStoreBasics(t, NewCacheStore(0))
}

func TestPorts_NewTab(t *testing.T) {
	ctx := context.Background()
	tab1 := NewMemoryPorts()
	tab2 := tab1.NewTab()

	require.NoError(t, tab1.Persistent.Set(ctx, KeySessionID, "s1"))
	require.NoError(t, tab1.Volatile.Set(ctx, KeyTabSessionID, "s1"))

	// account level is shared
	val, err := tab2.Persistent.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s1", val)

	// tab level is not
	_, err = tab2.Volatile.Get(ctx, KeyTabSessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	store := NewRedisStore(db, "")
	ctx := context.Background()
	key := DefaultRedisNamespace + KeySessionID

	mock.ExpectGet(key).RedisNil()
	_, err := store.Get(ctx, KeySessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectSet(key, "s1", 0).SetVal("OK")
	require.NoError(t, store.Set(ctx, KeySessionID, "s1"))

	mock.ExpectGet(key).SetVal("s1")
	val, err := store.Get(ctx, KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, "s1", val)

	mock.ExpectDel(key).SetVal(1)
	require.NoError(t, store.Remove(ctx, KeySessionID))

	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	_, err = store.Get(ctx, KeySessionID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection refused")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Namespace(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	store := NewRedisStore(db, "console-b||")
	mock.ExpectSet("console-b||"+KeyUser, "{}", 0).SetVal("OK")
	require.NoError(t, store.Set(context.Background(), KeyUser, "{}"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
