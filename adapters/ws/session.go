package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taxcertsale/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// Authenticator 驗證客戶端提交的token並解析出使用者ID
type Authenticator interface {
	Authenticate(token string) (uuid.UUID, error)
}

type sessionOptions struct {
	logger         *slog.Logger
	sendBufferSize int
	remoteAddr     string
	userAgent      string
}

type SessionOption func(*sessionOptions)

// WithSessionLogger 設置日誌記錄器
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithSessionSendBufferSize 設置發送緩衝大小
func WithSessionSendBufferSize(size int) SessionOption {
	return func(o *sessionOptions) {
		o.sendBufferSize = size
	}
}

// WithSessionClientInfo 設置稽核用的客戶端資訊
func WithSessionClientInfo(remoteAddr, userAgent string) SessionOption {
	return func(o *sessionOptions) {
		o.remoteAddr = remoteAddr
		o.userAgent = userAgent
	}
}

// Session 代表一條websocket連線的生命週期
// 連線建立時未驗證，必須先完成authenticate才能加入房間；
// 連線中斷等同於離開所有已加入的房間，重連後需要重新加入
type Session struct {
	id            uuid.UUID
	conn          *websocket.Conn
	hub           *Hub
	registry      *engine.Registry
	authenticator Authenticator

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool
	wg         sync.WaitGroup

	// 只在read pump的goroutine中讀寫
	userID *uuid.UUID
	joined map[uuid.UUID]*engine.Room

	remoteAddr string
	userAgent  string
	logger     *slog.Logger
}

func NewSession(conn *websocket.Conn, hub *Hub, registry *engine.Registry, authenticator Authenticator, opts ...SessionOption) *Session {
	options := sessionOptions{
		logger:         slog.Default(),
		sendBufferSize: 256,
	}
	for _, opt := range opts {
		opt(&options)
	}

	id := uuid.New()
	return &Session{
		id:            id,
		conn:          conn,
		hub:           hub,
		registry:      registry,
		authenticator: authenticator,
		send:          make(chan []byte, options.sendBufferSize),
		joined:        make(map[uuid.UUID]*engine.Room),
		remoteAddr:    options.remoteAddr,
		userAgent:     options.userAgent,
		logger: options.logger.With(
			slog.String("caller", "Session"),
			slog.String("sessionId", id.String())),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Serve 啟動讀寫pump並阻塞到連線結束
func (s *Session) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump()
	}()

	s.readPump()

	s.hub.LeaveAll(s)
	s.shutdown()
	s.wg.Wait()
	s.logger.Debug("session terminated")
}

// enqueue 嘗試將訊息放入發送緩衝，不會阻塞呼叫者
func (s *Session) enqueue(payload []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown 關閉發送緩衝，write pump會送出close frame並關閉連線
func (s *Session) shutdown() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.send)
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("unexpected connection close", slog.Any("error", err))
			}
			return
		}
		s.dispatch(message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(message []byte) {
	var inbound InboundMessage
	if err := json.Unmarshal(message, &inbound); err != nil {
		s.replyError(ErrorBadEvent, "malformed message")
		return
	}

	switch inbound.Type {
	case MessageAuthenticate:
		s.handleAuthenticate(inbound.Payload)
	case MessageJoin:
		s.handleJoin(inbound.Payload)
	case MessageLeave:
		s.handleLeave(inbound.Payload)
	case MessagePlaceBid:
		s.handlePlaceBid(inbound.Payload)
	default:
		s.replyError(ErrorBadEvent, "unknown message type: "+inbound.Type)
	}
}

func (s *Session) handleAuthenticate(raw json.RawMessage) {
	var payload AuthenticatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.replyError(ErrorBadEvent, "malformed authenticate payload")
		return
	}

	userID, err := s.authenticator.Authenticate(payload.Token)
	if err != nil {
		s.logger.Warn("authentication failed", slog.Any("error", err))
		s.replyError(ErrorInvalidToken, "invalid or expired token")
		return
	}

	s.userID = &userID
	s.logger = s.logger.With(slog.String("userId", userID.String()))
	s.logger.Info("session authenticated")

	if data, err := encodeAuthenticated(userID); err == nil {
		s.enqueue(data)
	}
}

func (s *Session) handleJoin(raw json.RawMessage) {
	var payload JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CertificateID == uuid.Nil {
		s.replyError(ErrorBadEvent, "malformed join payload")
		return
	}
	if s.userID == nil {
		s.replyError(ErrorNotAuthenticated, "authenticate before joining a room")
		return
	}

	room, err := s.registry.GetOrCreateRoom(context.Background(), payload.CertificateID)
	if err != nil {
		if errors.Is(err, engine.ErrCertificateNotFound) {
			s.replyError(ErrorCertificateNotFound, "certificate not found")
			return
		}
		s.logger.Error("Fail to open auction room", slog.Any("error", err))
		s.replyError(ErrorRoomUnavailable, "auction room temporarily unavailable")
		return
	}

	// 先加入再取快照，加入後的狀態變更不會漏接
	s.joined[payload.CertificateID] = room
	s.hub.Join(payload.CertificateID, s)

	snapshot, err := room.Snapshot(context.Background())
	if err != nil {
		s.logger.Error("Fail to take room snapshot", slog.Any("error", err))
		s.replyError(ErrorRoomUnavailable, "auction room temporarily unavailable")
		return
	}
	s.reply(engine.StateSnapshot{Room: snapshot})
}

func (s *Session) handleLeave(raw json.RawMessage) {
	var payload LeavePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CertificateID == uuid.Nil {
		s.replyError(ErrorBadEvent, "malformed leave payload")
		return
	}
	delete(s.joined, payload.CertificateID)
	s.hub.Leave(payload.CertificateID, s)
}

func (s *Session) handlePlaceBid(raw json.RawMessage) {
	var payload PlaceBidPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CertificateID == uuid.Nil {
		s.replyError(ErrorBadEvent, "malformed place-bid payload")
		return
	}
	if s.userID == nil {
		s.replyError(ErrorNotAuthenticated, "authenticate before placing a bid")
		return
	}
	room, ok := s.joined[payload.CertificateID]
	if !ok {
		s.replyError(ErrorNotJoined, "join the room before placing a bid")
		return
	}

	decision, err := room.Submit(context.Background(), engine.BidAttempt{
		CertificateID:   payload.CertificateID,
		BidderID:        *s.userID,
		ProposedRate:    payload.Rate,
		ClientTimestamp: payload.Timestamp,
		IPAddress:       s.remoteAddr,
		UserAgent:       s.userAgent,
	})
	if err != nil {
		s.logger.Error("Fail to submit bid", slog.Any("error", err))
		s.replyError(ErrorRoomUnavailable, "auction room temporarily unavailable")
		return
	}

	if decision.Accepted {
		s.reply(engine.BidAccepted{
			BidID:     decision.BidID,
			Rate:      decision.Rate,
			Confirmed: decision.Confirmed,
		})
		return
	}
	s.reply(engine.BidRejected{
		Code:    decision.Reject.Code,
		Message: decision.Reject.Message,
	})
}

// reply 只傳給這條session，不經過Hub
func (s *Session) reply(event engine.Event) {
	data, err := EncodeEvent(event)
	if err != nil {
		s.logger.Error("Fail to encode reply", slog.Any("error", err))
		return
	}
	if !s.enqueue(data) {
		s.logger.Warn("drop reply, send buffer full", slog.String("event", string(event.EventType())))
	}
}

func (s *Session) replyError(code ErrorCode, message string) {
	data, err := encodeError(code, message)
	if err != nil {
		s.logger.Error("Fail to encode error reply", slog.Any("error", err))
		return
	}
	s.enqueue(data)
}
