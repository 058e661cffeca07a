package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taxcertsale/engine"
)

// 客戶端送往伺服器的訊息種類
const (
	MessageAuthenticate = "authenticate"
	MessageJoin         = "join"
	MessageLeave        = "leave"
	MessagePlaceBid     = "place-bid"
)

// 伺服器送往客戶端的連線層訊息種類，
// 拍賣事件本身沿用engine.EventType
const (
	MessageAuthenticated = "authenticated"
	MessageAuctionError  = "auction-error"
)

// ErrorCode 表示連線層的錯誤代碼
// 和engine.RejectCode不同，這類錯誤和個別出價的判定無關
type ErrorCode string

const (
	ErrorNotAuthenticated    ErrorCode = "NotAuthenticated"
	ErrorInvalidToken        ErrorCode = "InvalidToken"
	ErrorBadEvent            ErrorCode = "BadEvent"
	ErrorNotJoined           ErrorCode = "NotJoined"
	ErrorCertificateNotFound ErrorCode = "CertificateNotFound"
	ErrorRoomUnavailable     ErrorCode = "RoomUnavailable"
)

// InboundMessage 是客戶端訊息的外層信封
// payload依type延遲解碼
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	CertificateID uuid.UUID `json:"certificateId"`
}

type LeavePayload struct {
	CertificateID uuid.UUID `json:"certificateId"`
}

type PlaceBidPayload struct {
	CertificateID uuid.UUID       `json:"certificateId"`
	Rate          decimal.Decimal `json:"rate"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OutboundMessage 是伺服器訊息的外層信封
type OutboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type AuthenticatedPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type AuctionErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// EncodeEvent 將拍賣事件編碼成外送訊息
func EncodeEvent(event engine.Event) ([]byte, error) {
	payload, err := json.Marshal(OutboundMessage{
		Type:    string(event.EventType()),
		Payload: event,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to encode event %s: %w", event.EventType(), err)
	}
	return payload, nil
}

func encodeAuthenticated(userID uuid.UUID) ([]byte, error) {
	return json.Marshal(OutboundMessage{
		Type:    MessageAuthenticated,
		Payload: AuthenticatedPayload{UserID: userID},
	})
}

func encodeError(code ErrorCode, message string) ([]byte, error) {
	return json.Marshal(OutboundMessage{
		Type:    MessageAuctionError,
		Payload: AuctionErrorPayload{Code: code, Message: message},
	})
}
