package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"taxcertsale/adapters/ws"
)

var ErrClientClosed = errors.New("client is closed")
var ErrNotConnected = errors.New("client is not connected")

// ServerMessage 是伺服器訊息的外層信封，payload由呼叫端依type解碼
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type bidderOptions struct {
	logger           *slog.Logger
	dialer           *websocket.Dialer
	backoffBase      time.Duration
	backoffCap       time.Duration
	eventsBufferSize int
}

type BidderOption func(*bidderOptions)

// WithBidderLogger 設置日誌記錄器
func WithBidderLogger(logger *slog.Logger) BidderOption {
	return func(o *bidderOptions) {
		o.logger = logger
	}
}

// WithBidderDialer 設置websocket dialer
func WithBidderDialer(dialer *websocket.Dialer) BidderOption {
	return func(o *bidderOptions) {
		o.dialer = dialer
	}
}

// WithBidderBackoff 設置重連的起始與最大間隔
func WithBidderBackoff(base, limit time.Duration) BidderOption {
	return func(o *bidderOptions) {
		o.backoffBase = base
		o.backoffCap = limit
	}
}

// Bidder 是拍賣引擎的websocket客戶端
// 連線中斷時會以指數退避自動重連並重新驗證身分；
// 斷線視同離開所有房間，重連後由呼叫端自行決定要重新加入哪些房間
type Bidder struct {
	url   string
	token string

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	reconnects int

	events  chan ServerMessage
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	options bidderOptions
}

func NewBidder(url, token string, opts ...BidderOption) (*Bidder, error) {
	if url == "" {
		return nil, errors.New("url cannot be empty")
	}
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}

	options := bidderOptions{
		logger:           slog.Default(),
		dialer:           websocket.DefaultDialer,
		backoffBase:      100 * time.Millisecond,
		backoffCap:       30 * time.Second,
		eventsBufferSize: 64,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Bidder{
		url:     url,
		token:   token,
		events:  make(chan ServerMessage, options.eventsBufferSize),
		done:    make(chan struct{}),
		logger:  options.logger.With(slog.String("caller", "Bidder")),
		options: options,
	}, nil
}

// Start 建立連線並啟動背景讀取
func (b *Bidder) Start() error {
	const op = "Bidder.Start"
	conn, _, err := b.options.dialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("[%s] Fail to dial auction server, err=%w", op, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	if err := b.authenticate(); err != nil {
		conn.Close()
		return fmt.Errorf("[%s] Fail to authenticate, err=%w", op, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readLoop()
	}()
	return nil
}

// Events 回傳伺服器事件的接收channel
func (b *Bidder) Events() <-chan ServerMessage {
	return b.events
}

// Reconnects 回傳至今的重連次數
func (b *Bidder) Reconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnects
}

// Join 加入憑證的拍賣房間
func (b *Bidder) Join(certificateID uuid.UUID) error {
	return b.write(ws.MessageJoin, ws.JoinPayload{CertificateID: certificateID})
}

// Leave 離開憑證的拍賣房間
func (b *Bidder) Leave(certificateID uuid.UUID) error {
	return b.write(ws.MessageLeave, ws.LeavePayload{CertificateID: certificateID})
}

// PlaceBid 對憑證提交一口價
func (b *Bidder) PlaceBid(certificateID uuid.UUID, rate decimal.Decimal) error {
	return b.write(ws.MessagePlaceBid, ws.PlaceBidPayload{
		CertificateID: certificateID,
		Rate:          rate,
		Timestamp:     time.Now(),
	})
}

func (b *Bidder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.events)
}

func (b *Bidder) authenticate() error {
	return b.write(ws.MessageAuthenticate, ws.AuthenticatePayload{Token: b.token})
}

func (b *Bidder) write(messageType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ws.InboundMessage{Type: messageType, Payload: raw})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClientClosed
	}
	if b.conn == nil {
		return ErrNotConnected
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bidder) readLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !b.reconnect() {
				return
			}
			continue
		}

		var message ServerMessage
		if err := json.Unmarshal(data, &message); err != nil {
			b.logger.Warn("drop malformed server message", slog.Any("error", err))
			continue
		}

		select {
		case b.events <- message:
		case <-b.done:
			return
		}
	}
}

// reconnect 以指數退避重連並重新驗證，成功回傳true
// 客戶端已關閉時回傳false
func (b *Bidder) reconnect() bool {
	backoff := b.options.backoffBase
	for {
		select {
		case <-b.done:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := b.options.dialer.Dial(b.url, nil)
		if err != nil {
			b.logger.Warn("reconnect failed", slog.Any("error", err), slog.Duration("backoff", backoff))
			backoff = min(backoff*2, b.options.backoffCap)
			continue
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return false
		}
		b.conn = conn
		b.reconnects++
		b.mu.Unlock()

		if err := b.authenticate(); err != nil {
			b.logger.Warn("re-authentication failed", slog.Any("error", err))
			conn.Close()
			backoff = min(backoff*2, b.options.backoffCap)
			continue
		}

		b.logger.Info("reconnected")
		return true
	}
}
