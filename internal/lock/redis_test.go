package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/internal/lock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (logger) Infof(string, ...interface{})  {}
func (logger) Warnf(string, ...interface{})  {}
func (logger) Errorf(string, ...interface{}) {}

func setupLocker(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *lock.RedisLocker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, lock.NewRedisLocker(client, ttl, logger{})
}

func TestRedisLocker_Serializes(t *testing.T) {
	_, locker := setupLocker(t, time.Minute)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "workflow:1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLocker_ContextDeadline(t *testing.T) {
	_, locker := setupLocker(t, time.Minute)
	unlock, err := locker.Lock(context.Background(), "scope")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "scope")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_UnlockKeepsForeignToken(t *testing.T) {
	mr, locker := setupLocker(t, time.Second)
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	// The lease expires and another holder takes the key.
	mr.FastForward(2 * time.Second)
	other, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	unlock()
	unlock()
	assert.True(t, mr.Exists("genius:lock:k"))

	other()
	assert.False(t, mr.Exists("genius:lock:k"))
}
