package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLockService(timeout time.Duration) *LockService {
	return NewLockService(timeout, zap.NewNop())
}

func TestLockService_SharedReaders(t *testing.T) {
	l := newTestLockService(time.Second)

	require.NoError(t, l.EnterTransaction())
	require.NoError(t, l.EnterTransaction())
	l.ExitTransaction()
	l.ExitTransaction()
}

func TestLockService_ExclusiveBlocksShared(t *testing.T) {
	l := newTestLockService(50 * time.Millisecond)

	require.NoError(t, l.EnterExclusive())
	require.ErrorIs(t, l.EnterTransaction(), ErrLockTimeout)
	l.ExitExclusive()

	require.NoError(t, l.EnterTransaction())
	l.ExitTransaction()
}

func TestLockService_CollectionLockTimeout(t *testing.T) {
	l := newTestLockService(50 * time.Millisecond)

	require.NoError(t, l.EnterLock("people"))
	require.ErrorIs(t, l.EnterLock("people"), ErrLockTimeout)

	// Other collections are unaffected.
	require.NoError(t, l.EnterLock("orders"))
	l.ExitLock("orders")
	l.ExitLock("people")
	require.NoError(t, l.EnterLock("people"))
	l.ExitLock("people")
}

func TestLockService_TryEnterExclusive(t *testing.T) {
	l := newTestLockService(time.Second)

	require.NoError(t, l.EnterTransaction())
	require.False(t, l.TryEnterExclusive(), "shared holder blocks the exclusive try")
	l.ExitTransaction()

	require.True(t, l.TryEnterExclusive())
	l.ExitExclusive()
}

func TestLockService_EnterLocksOrderedRelease(t *testing.T) {
	l := newTestLockService(50 * time.Millisecond)

	require.NoError(t, l.EnterLock("b"))
	// "a" succeeds, then "b" times out; "a" must be released again.
	require.ErrorIs(t, l.EnterLocks([]string{"b", "a"}), ErrLockTimeout)
	require.NoError(t, l.EnterLock("a"))
	l.ExitLock("a")
	l.ExitLock("b")
}
