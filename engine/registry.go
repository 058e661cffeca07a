package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthorityLocker 保證整個部署中同一憑證同時只有一個sequencer權威
// 單一實例部署可以不設置(registry會略過上鎖)
type AuthorityLocker interface {
	// Acquire 取得憑證的權威鎖，回傳釋放函數
	Acquire(ctx context.Context, certificateID uuid.UUID) (release func(), err error)
}

type registryOptions struct {
	logger      *slog.Logger
	broadcaster Broadcaster
	locker      AuthorityLocker
	gracePeriod time.Duration
	historySize int
	queueSize   int
	now         func() time.Time
}

type RegistryOption func(*registryOptions)

// WithRegistryLogger 設置日誌記錄器
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithRegistryBroadcaster 設置所有房間共用的廣播器
func WithRegistryBroadcaster(b Broadcaster) RegistryOption {
	return func(o *registryOptions) {
		o.broadcaster = b
	}
}

// WithRegistryAuthorityLocker 設置跨實例的房間權威鎖
func WithRegistryAuthorityLocker(l AuthorityLocker) RegistryOption {
	return func(o *registryOptions) {
		o.locker = l
	}
}

// WithRegistryGracePeriod 設置房間結束後延遲釋放的寬限期間，
// 讓晚到的廣播和快照請求得以完成
func WithRegistryGracePeriod(d time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.gracePeriod = d
	}
}

// WithRegistryHistorySize 設置每個房間的出價歷史筆數
func WithRegistryHistorySize(n int) RegistryOption {
	return func(o *registryOptions) {
		o.historySize = n
	}
}

// WithRegistryQueueSize 設置每個房間的出價佇列緩衝
func WithRegistryQueueSize(n int) RegistryOption {
	return func(o *registryOptions) {
		o.queueSize = n
	}
}

// WithRegistryClock 設置時鐘來源，供測試注入
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		o.now = now
	}
}

type managedRoom struct {
	room       *Room
	releaseOne sync.Once
	release    func()
	evictTimer *time.Timer
}

func (m *managedRoom) releaseAuthority() {
	m.releaseOne.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// Registry 管理certificateId到拍賣房間的對應：
// 首次加入時惰性建立(並向持久層取得憑證參考資料一次)，
// 拍賣結束後經過寬限期間才從記憶體釋放。
type Registry struct {
	gateway PersistenceGateway

	mu     sync.Mutex
	rooms  map[uuid.UUID]*managedRoom
	closed bool

	options registryOptions
}

func NewRegistry(gateway PersistenceGateway, opts ...RegistryOption) (*Registry, error) {
	if gateway == nil {
		return nil, errors.New("persistence gateway cannot be nil")
	}

	options := registryOptions{
		logger:      slog.Default(),
		broadcaster: NopBroadcaster{},
		gracePeriod: 30 * time.Second,
		historySize: 20,
		queueSize:   64,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	options.logger = options.logger.With(slog.String("caller", "Registry"))

	return &Registry{
		gateway: gateway,
		rooms:   make(map[uuid.UUID]*managedRoom),
		options: options,
	}, nil
}

// GetOrCreateRoom 取得憑證的拍賣房間，不存在時惰性建立
// 憑證參考資料只在建立時向持久層取得一次；取不到時建立失敗，
// 不會留下半initialized的房間，呼叫端收到可重試的錯誤。
func (reg *Registry) GetOrCreateRoom(ctx context.Context, certificateID uuid.UUID) (*Room, error) {
	const op = "GetOrCreateRoom"

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if managed, ok := reg.rooms[certificateID]; ok {
		reg.mu.Unlock()
		return managed.room, nil
	}
	reg.mu.Unlock()

	// 持久層和鎖的IO放在map鎖之外，避免一個憑證的建立阻塞其他房間
	cert, err := reg.gateway.GetCertificateRef(ctx, certificateID)
	if errors.Is(err, ErrCertificateNotFound) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] %w: fail to fetch certificate ref, err=%w", op, ErrRoomUnavailable, err)
	}

	var release func()
	if reg.options.locker != nil {
		release, err = reg.options.locker.Acquire(ctx, certificateID)
		if err != nil {
			return nil, fmt.Errorf("[%s] %w: fail to acquire room authority, err=%w", op, ErrRoomUnavailable, err)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		if release != nil {
			release()
		}
		return nil, ErrRegistryClosed
	}
	if managed, ok := reg.rooms[certificateID]; ok {
		// 另一個goroutine搶先建立了同一個房間
		if release != nil {
			release()
		}
		return managed.room, nil
	}

	managed := &managedRoom{release: release}
	managed.room = NewRoom(cert, reg.gateway,
		WithRoomLogger(reg.options.logger),
		WithRoomBroadcaster(reg.options.broadcaster),
		WithRoomHistorySize(reg.options.historySize),
		WithRoomQueueSize(reg.options.queueSize),
		WithRoomClock(reg.options.now),
		WithRoomOnClosed(func(room *Room) {
			reg.scheduleEvict(room.CertificateID())
		}),
	)
	reg.rooms[certificateID] = managed
	managed.room.Start()
	reg.options.logger.Info("Auction room created", slog.String("certificateID", certificateID.String()))
	return managed.room, nil
}

// CloseRoom 明確要求憑證的拍賣結束(例如管理端手動收盤)
func (reg *Registry) CloseRoom(certificateID uuid.UUID) error {
	reg.mu.Lock()
	managed, ok := reg.rooms[certificateID]
	reg.mu.Unlock()
	if !ok {
		return ErrRoomClosed
	}
	managed.room.Close()
	return nil
}

// RoomExists 回報憑證目前是否有活躍的房間
func (reg *Registry) RoomExists(certificateID uuid.UUID) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.rooms[certificateID]
	return ok
}

// scheduleEvict 在房間進入終態後安排寬限期間到期的釋放
// 由房間的sequencer goroutine回呼，不能在持有registry鎖時等待房間
func (reg *Registry) scheduleEvict(certificateID uuid.UUID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	managed, ok := reg.rooms[certificateID]
	if !ok {
		return
	}
	if reg.closed || reg.options.gracePeriod <= 0 {
		delete(reg.rooms, certificateID)
		managed.releaseAuthority()
		return
	}
	managed.evictTimer = time.AfterFunc(reg.options.gracePeriod, func() {
		reg.evict(certificateID)
	})
}

func (reg *Registry) evict(certificateID uuid.UUID) {
	reg.mu.Lock()
	managed, ok := reg.rooms[certificateID]
	if ok {
		delete(reg.rooms, certificateID)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}
	managed.releaseAuthority()
	reg.options.logger.Info("Auction room evicted", slog.String("certificateID", certificateID.String()))
}

// Close 關閉registry：結束所有房間、釋放權威鎖並等待goroutine退出
func (reg *Registry) Close() {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	remaining := make([]*managedRoom, 0, len(reg.rooms))
	for certificateID, managed := range reg.rooms {
		delete(reg.rooms, certificateID)
		remaining = append(remaining, managed)
	}
	reg.mu.Unlock()

	for _, managed := range remaining {
		if managed.evictTimer != nil {
			managed.evictTimer.Stop()
		}
		managed.room.Close()
		managed.room.Wait()
		managed.releaseAuthority()
	}
	reg.options.logger.Info("Room registry closed")
}
