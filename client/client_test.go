package client

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxcertsale/adapters/ws"
	"taxcertsale/engine"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// scriptedServer 記錄每條連線收到的訊息種類
// 對authenticate一律回覆authenticated，並可配置在首次驗證後斷線
type scriptedServer struct {
	server        *httptest.Server
	mu            sync.Mutex
	messages      map[int][]string
	conns         int
	dropFirstConn bool
}

func newScriptedServer(t *testing.T, dropFirstConn bool) *scriptedServer {
	t.Helper()
	s := &scriptedServer{
		messages:      make(map[int][]string),
		dropFirstConn: dropFirstConn,
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		connIdx := s.conns
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var inbound ws.InboundMessage
			if err := json.Unmarshal(data, &inbound); err != nil {
				continue
			}
			s.mu.Lock()
			s.messages[connIdx] = append(s.messages[connIdx], inbound.Type)
			s.mu.Unlock()

			if inbound.Type == ws.MessageAuthenticate {
				reply, _ := json.Marshal(ws.OutboundMessage{
					Type:    ws.MessageAuthenticated,
					Payload: ws.AuthenticatedPayload{UserID: uuid.New()},
				})
				if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
				if s.dropFirstConn && connIdx == 1 {
					return
				}
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *scriptedServer) messagesOf(connIdx int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages[connIdx]...)
}

func waitMessage(t *testing.T, bidder *Bidder, messageType string) ServerMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case message, ok := <-bidder.Events():
			require.True(t, ok, "events channel closed while waiting for %s", messageType)
			if message.Type == messageType {
				return message
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", messageType)
		}
	}
}

func TestBidder_ReconnectsAndReauthenticates(t *testing.T) {
	server := newScriptedServer(t, true)

	bidder, err := NewBidder(server.url(), "token-a",
		WithBidderBackoff(10*time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, bidder.Start())
	defer bidder.Close()

	// 第一條連線驗證後被伺服器斷線
	waitMessage(t, bidder, ws.MessageAuthenticated)

	// 自動重連並以同一組憑證重新驗證
	waitMessage(t, bidder, ws.MessageAuthenticated)
	assert.Equal(t, 1, bidder.Reconnects())
	assert.Equal(t, []string{ws.MessageAuthenticate}, server.messagesOf(2))
}

func TestBidder_DoesNotRejoinAfterReconnect(t *testing.T) {
	server := newScriptedServer(t, true)

	bidder, err := NewBidder(server.url(), "token-a",
		WithBidderBackoff(10*time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, bidder.Start())
	defer bidder.Close()

	waitMessage(t, bidder, ws.MessageAuthenticated)
	// 這個join可能落在連線中斷之後，送失敗也沒關係
	_ = bidder.Join(uuid.New())

	waitMessage(t, bidder, ws.MessageAuthenticated)

	// 重連後只會重新驗證，不會自動重新加入房間
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{ws.MessageAuthenticate}, server.messagesOf(2))
}

func TestBidder_Validation(t *testing.T) {
	_, err := NewBidder("", "token")
	assert.Error(t, err)

	_, err = NewBidder("ws://localhost", "")
	assert.Error(t, err)
}

func TestBidder_WriteAfterClose(t *testing.T) {
	server := newScriptedServer(t, false)

	bidder, err := NewBidder(server.url(), "token-a")
	require.NoError(t, err)
	require.NoError(t, bidder.Start())
	waitMessage(t, bidder, ws.MessageAuthenticated)

	bidder.Close()
	err = bidder.PlaceBid(uuid.New(), decimal.RequireFromString("18.00"))
	assert.ErrorIs(t, err, ErrClientClosed)
}

// 對接完整的伺服器端stack，確認從client出價到收到廣播的整條路徑
func TestBidder_EndToEndBid(t *testing.T) {
	gateway := engine.NewFakeGateway()
	cert := engine.CertificateRef{
		ID:           uuid.New(),
		ParcelNumber: "987-65-432",
		FaceValue:    decimal.RequireFromString("1200.00"),
		CeilingRate:  decimal.RequireFromString("18.00"),
		MinDecrement: decimal.RequireFromString("0.25"),
		StartTime:    time.Now().Add(-time.Minute),
		EndTime:      time.Now().Add(time.Hour),
	}
	gateway.PutCertificate(cert)

	hub := ws.NewHub()
	registry, err := engine.NewRegistry(gateway, engine.WithRegistryBroadcaster(hub))
	require.NoError(t, err)
	defer registry.Close()

	bidderID := uuid.New()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := ws.NewSession(conn, hub, registry, staticAuthenticator{userID: bidderID})
		session.Serve()
	}))
	defer server.Close()

	bidder, err := NewBidder("ws"+strings.TrimPrefix(server.URL, "http"), "token-a")
	require.NoError(t, err)
	require.NoError(t, bidder.Start())
	defer bidder.Close()

	waitMessage(t, bidder, ws.MessageAuthenticated)

	require.NoError(t, bidder.Join(cert.ID))
	waitMessage(t, bidder, string(engine.EventStateSnapshot))

	require.NoError(t, bidder.PlaceBid(cert.ID, decimal.RequireFromString("17.50")))

	accepted := waitMessage(t, bidder, string(engine.EventBidAccepted))
	var bidAccepted engine.BidAccepted
	require.NoError(t, json.Unmarshal(accepted.Payload, &bidAccepted))
	assert.True(t, bidAccepted.Rate.Equal(decimal.RequireFromString("17.50")))

	changed := waitMessage(t, bidder, string(engine.EventStateChanged))
	var stateChanged engine.StateChanged
	require.NoError(t, json.Unmarshal(changed.Payload, &stateChanged))
	require.NotNil(t, stateChanged.Room.LowestBid)
	assert.Equal(t, bidderID, stateChanged.Room.LowestBid.BidderID)
}

type staticAuthenticator struct {
	userID uuid.UUID
}

func (a staticAuthenticator) Authenticate(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, errors.New("empty token")
	}
	return a.userID, nil
}
