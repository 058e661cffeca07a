package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type roomAuthorityOptions struct {
	logger    *slog.Logger
	keyPrefix string
	expiry    time.Duration
}

type RoomAuthorityOption func(*roomAuthorityOptions)

// WithRoomAuthorityLogger 設置日誌記錄器
func WithRoomAuthorityLogger(logger *slog.Logger) RoomAuthorityOption {
	return func(o *roomAuthorityOptions) {
		o.logger = logger
	}
}

// WithRoomAuthorityKeyPrefix 設置Redis鍵前綴
func WithRoomAuthorityKeyPrefix(prefix string) RoomAuthorityOption {
	return func(o *roomAuthorityOptions) {
		o.keyPrefix = prefix
	}
}

// WithRoomAuthorityExpiry 設置權威鎖的過期時間
func WithRoomAuthorityExpiry(d time.Duration) RoomAuthorityOption {
	return func(o *roomAuthorityOptions) {
		o.expiry = d
	}
}

// RoomAuthority 實作engine.AuthorityLocker：
// 以自動續期的分散式鎖保證同一憑證在整個部署中只有一個sequencer權威。
// 本實例存活期間鎖會持續續期；實例崩潰後鎖過期，其他實例得以接手。
type RoomAuthority struct {
	client  *redis.Client
	options roomAuthorityOptions
}

func NewRoomAuthority(client *redis.Client, opts ...RoomAuthorityOption) (*RoomAuthority, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	options := roomAuthorityOptions{
		logger:    slog.Default(),
		keyPrefix: "auction:",
		expiry:    8 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.expiry <= 0 {
		options.expiry = 8 * time.Second
	}
	options.logger = options.logger.With(slog.String("caller", "RoomAuthority"))
	return &RoomAuthority{client: client, options: options}, nil
}

// Acquire 取得憑證的權威鎖，回傳釋放函數
// 鎖已被其他實例持有時回傳ErrAuthorityHeld，呼叫端視為暫時性錯誤
func (a *RoomAuthority) Acquire(ctx context.Context, certificateID uuid.UUID) (func(), error) {
	const op = "RoomAuthority.Acquire"
	key := fmt.Sprintf("%s%s:authority", a.options.keyPrefix, certificateID)
	mutex := NewAutoRenewMutex(a.client, key, WithAutoRenewMutexExpiry(a.options.expiry))
	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("[%s] %w, err=%w", op, ErrAuthorityHeld, err)
	}
	a.options.logger.Debug("Room authority acquired", slog.String("certificateID", certificateID.String()))
	release := func() {
		if _, err := mutex.Unlock(); err != nil {
			// 釋放失敗時鎖會在過期後自然消失
			a.options.logger.Warn("Fail to release room authority",
				slog.String("certificateID", certificateID.String()),
				slog.Any("error", err))
		}
	}
	return release, nil
}
