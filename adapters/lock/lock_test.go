package lock

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func TestNewAutoRenewMutex(t *testing.T) {
	tests := []struct {
		name string
		key  string
		opts []AutoRenewMutexOption
	}{
		{
			name: "default options",
			key:  "test-lock",
		},
		{
			name: "custom options",
			key:  "test-lock",
			opts: []AutoRenewMutexOption{
				WithAutoRenewMutexExpiry(5 * time.Second),
				WithAutoRenewMutexRenewInterval(time.Second),
				WithAutoRenewMutexRetryDelay(100 * time.Millisecond),
			},
		},
		{
			name: "zero expiry falls back to default",
			key:  "test-lock",
			opts: []AutoRenewMutexOption{
				WithAutoRenewMutexExpiry(0),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)
			client, _, cleanup := setupTest(t)
			defer cleanup()

			mutex := NewAutoRenewMutex(client, tt.key, tt.opts...)
			require.NotNil(t, mutex)
		})
	}
}

func TestAutoRenewMutex_Lock(t *testing.T) {
	t.Run("successful lock and unlock", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX("test-lock", ".*", 8*time.Second).SetVal(true)
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*"}).SetVal(int64(1))

		mutex := NewAutoRenewMutex(client, "test-lock")
		err := mutex.Lock(context.Background())
		assert.NoError(t, err)
		assert.True(t, mutex.Held())

		ok, err := mutex.Unlock()
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, mutex.Held())
	})

	t.Run("lock held by another instance", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		// SETNX失敗表示鎖已被持有，redsync會嘗試清掉自己的占用
		mock.Regexp().ExpectSetNX("test-lock", ".*", 8*time.Second).SetVal(false)
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*"}).SetVal(int64(0))

		mutex := NewAutoRenewMutex(client, "test-lock")
		err := mutex.Lock(context.Background())
		assert.Error(t, err)
		assert.False(t, mutex.Held())
	})

	t.Run("lock with cancelled context", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		mutex := NewAutoRenewMutex(client, "test-lock")
		err := mutex.Lock(ctx)
		assert.Error(t, err)
	})
}

func TestAutoRenewMutex_AutoRenew(t *testing.T) {
	t.Run("renews until unlock", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		// 初始鎖定
		mock.Regexp().ExpectSetNX("test-lock", ".*", 2*time.Second).SetVal(true)
		// 兩次續期
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*", "2000"}).SetVal(int64(1))
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*", "2000"}).SetVal(int64(1))
		// 解鎖
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*"}).SetVal(int64(1))

		mutex := NewAutoRenewMutex(client, "test-lock",
			WithAutoRenewMutexExpiry(2*time.Second),
			WithAutoRenewMutexRenewInterval(100*time.Millisecond))

		require.NoError(t, mutex.Lock(context.Background()))

		time.Sleep(250 * time.Millisecond)
		assert.True(t, mutex.Held())

		ok, err := mutex.Unlock()
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("renew failure stops holding", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		// 初始鎖定成功
		mock.Regexp().ExpectSetNX("test-lock", ".*", 2*time.Second).SetVal(true)
		// 續期失敗
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*", "2000"}).SetErr(redis.ErrClosed)
		// 解鎖
		mock.Regexp().ExpectEvalSha(".*", []string{"test-lock"}, []string{".*"}).SetVal(int64(-1))

		mutex := NewAutoRenewMutex(client, "test-lock",
			WithAutoRenewMutexExpiry(2*time.Second),
			WithAutoRenewMutexRenewInterval(100*time.Millisecond))

		require.NoError(t, mutex.Lock(context.Background()))

		time.Sleep(150 * time.Millisecond)
		assert.False(t, mutex.Held())

		ok, err := mutex.Unlock()
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestRoomAuthority(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		_, err := NewRoomAuthority(nil)
		assert.Error(t, err)
	})

	t.Run("acquire and release", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		certificateID := uuid.New()
		key := "tcs:" + certificateID.String() + ":authority"

		mock.Regexp().ExpectSetNX(key, ".*", 8*time.Second).SetVal(true)
		mock.Regexp().ExpectEvalSha(".*", []string{key}, []string{".*"}).SetVal(int64(1))

		authority, err := NewRoomAuthority(client, WithRoomAuthorityKeyPrefix("tcs:"))
		require.NoError(t, err)

		release, err := authority.Acquire(context.Background(), certificateID)
		require.NoError(t, err)
		require.NotNil(t, release)
		release()
	})

	t.Run("authority held elsewhere", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		certificateID := uuid.New()
		key := "tcs:" + certificateID.String() + ":authority"

		mock.Regexp().ExpectSetNX(key, ".*", 8*time.Second).SetVal(false)
		mock.Regexp().ExpectEvalSha(".*", []string{key}, []string{".*"}).SetVal(int64(0))

		authority, err := NewRoomAuthority(client, WithRoomAuthorityKeyPrefix("tcs:"))
		require.NoError(t, err)

		release, err := authority.Acquire(context.Background(), certificateID)
		assert.ErrorIs(t, err, ErrAuthorityHeld)
		assert.Nil(t, release)
	})
}
