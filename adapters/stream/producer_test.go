package stream

import (
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewProducer(t *testing.T) {
	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []ProducerOption
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "bid-journal",
			wantErr: false,
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "bid-journal",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
		{
			name:   "with custom options",
			client: redis.NewClient(&redis.Options{}),
			stream: "bid-journal",
			opts: []ProducerOption{
				WithProducerLogger(slog.Default()),
				WithProducerBufferSize(200),
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			producer, err := NewProducer(tt.client, tt.stream, tt.opts...)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, producer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, producer)
			}

			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func TestProducer_StartStop(t *testing.T) {
	t.Run("normal start and stop", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		producer.Close()
	})

	t.Run("multiple start calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		producer.Start() // Should be no-op
		producer.Close()
	})

	t.Run("multiple close calls", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		producer.Close()
		producer.Close() // Should be no-op
	})
}

func TestProducer_Publish(t *testing.T) {
	t.Run("successful publish", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		record := testBidRecord()
		values, err := EncodeBidRecord(record)
		require.NoError(t, err)

		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "bid-journal",
			Values: values,
		}).SetVal("1234-0")

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		err = producer.Publish(record)
		assert.NoError(t, err)

		// Close排空緩衝，XAdd一定會在結束前執行
		producer.Close()
	})

	t.Run("publish to closed producer", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		producer.Close()

		err = producer.Publish(testBidRecord())
		assert.ErrorIs(t, err, ErrProducerClosed)
	})

	t.Run("publish before start", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		err = producer.Publish(testBidRecord())
		assert.ErrorIs(t, err, ErrProducerClosed)
	})

	t.Run("publish with redis connection error", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		record := testBidRecord()
		values, err := EncodeBidRecord(record)
		require.NoError(t, err)

		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "bid-journal",
			Values: values,
		}).SetErr(redis.ErrClosed)

		producer, err := NewProducer(client, "bid-journal")
		require.NoError(t, err)

		producer.Start()
		// 寫入失敗只會記錄日誌，Publish本身不會失敗
		err = producer.Publish(record)
		assert.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		producer.Close()
	})
}
