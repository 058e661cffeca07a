package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"taxcertsale/engine"
)

type hubOptions struct {
	logger *slog.Logger
}

type HubOption func(*hubOptions)

// WithHubLogger 設置日誌記錄器
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// Hub 負責將房間事件扇出到所有已加入該房間的session
// 實作engine.Broadcaster，事件編碼一次後送往每個session的
// 發送緩衝；緩衝已滿的慢速client會被直接斷線，
// 不允許任何client拖慢sequencer
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[*Session]struct{}
	logger *slog.Logger
}

func NewHub(opts ...HubOption) *Hub {
	options := hubOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]map[*Session]struct{}),
		logger: options.logger.With(slog.String("caller", "Hub")),
	}
}

// Join 將session加入指定房間的接收者集合
func (h *Hub) Join(certificateID uuid.UUID, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.rooms[certificateID]
	if !ok {
		sessions = make(map[*Session]struct{})
		h.rooms[certificateID] = sessions
	}
	sessions[session] = struct{}{}
}

// Leave 將session從指定房間移除
func (h *Hub) Leave(certificateID uuid.UUID, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.rooms[certificateID]; ok {
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(h.rooms, certificateID)
		}
	}
}

// LeaveAll 在session斷線時將其從所有房間移除
func (h *Hub) LeaveAll(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for certificateID, sessions := range h.rooms {
		delete(sessions, session)
		if len(sessions) == 0 {
			delete(h.rooms, certificateID)
		}
	}
}

// Count 回傳指定房間目前的接收者數量
func (h *Hub) Count(certificateID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[certificateID])
}

// Broadcast 實作engine.Broadcaster
func (h *Hub) Broadcast(certificateID uuid.UUID, event engine.Event) {
	payload, err := EncodeEvent(event)
	if err != nil {
		h.logger.Error("Fail to encode broadcast event",
			slog.String("certificateId", certificateID.String()),
			slog.Any("error", err))
		return
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.rooms[certificateID]))
	for session := range h.rooms[certificateID] {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()

	for _, session := range sessions {
		if !session.enqueue(payload) {
			// 發送緩衝已滿或session已關閉，直接斷線
			h.logger.Warn("Disconnect slow client",
				slog.String("certificateId", certificateID.String()),
				slog.String("sessionId", session.ID().String()))
			session.shutdown()
		}
	}
}
