// internal/pkg/lock/redis_lock_test.go
package lock

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker() (*RedisLocker, redismock.ClientMock, string) {
	client, mock := redismock.NewClientMock()
	l := NewRedisLocker(client)
	fixed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	return l, mock, strconv.FormatInt(fixed.UnixNano(), 10)
}

func TestAcquireThenReleaseChecksOwnership(t *testing.T) {
	l, mock, token := newTestLocker()

	mock.ExpectSetNX("lock:sweep", token, time.Minute).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{"lock:sweep"}, token).SetVal(int64(1))

	ok, err := l.Acquire(context.Background(), "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(context.Background(), "sweep"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseWithoutHoldingIsNoOp(t *testing.T) {
	l, mock, _ := newTestLocker()

	// No redis command may run: deleting unconditionally would drop a lock
	// someone else now owns.
	require.NoError(t, l.Release(context.Background(), "sweep"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireContendedStoresNoToken(t *testing.T) {
	l, mock, token := newTestLocker()

	mock.ExpectSetNX("lock:sweep", token, time.Minute).SetVal(false)

	ok, err := l.Acquire(context.Background(), "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Losing the acquire must not leave a token behind that a later
	// Release would act on.
	require.NoError(t, l.Release(context.Background(), "sweep"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
