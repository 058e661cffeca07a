package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType 標示拍賣事件的種類
type EventType string

const (
	EventStateSnapshot EventType = "state-snapshot"
	EventBidAccepted   EventType = "bid-accepted"
	EventBidRejected   EventType = "bid-rejected"
	EventStateChanged  EventType = "state-changed"
	EventAuctionEnded  EventType = "auction-ended"
	EventRoomFault     EventType = "auction-error"
)

// Event 是拍賣事件的tagged union，每個事件都有明確的payload型別，
// 接收端依EventType判斷實際型別，不做runtime cast
type Event interface {
	EventType() EventType
}

// StateSnapshot 在加入房間時傳給單一session的完整狀態
type StateSnapshot struct {
	Room RoomSnapshot `json:"room"`
}

func (StateSnapshot) EventType() EventType { return EventStateSnapshot }

// BidAccepted 僅傳給出價者本人
type BidAccepted struct {
	BidID     uuid.UUID       `json:"bidId"`
	Rate      decimal.Decimal `json:"rate"`
	Confirmed bool            `json:"confirmed"`
}

func (BidAccepted) EventType() EventType { return EventBidAccepted }

// BidRejected 僅傳給出價者本人，房間狀態不受影響
type BidRejected struct {
	Code    RejectCode `json:"code"`
	Message string     `json:"message"`
}

func (BidRejected) EventType() EventType { return EventBidRejected }

// StateChanged 廣播給房間內所有session，
// 同一房間的所有接收者會以相同順序收到
type StateChanged struct {
	Room RoomSnapshot `json:"room"`
}

func (StateChanged) EventType() EventType { return EventStateChanged }

// AuctionEnded 是房間的終態廣播，WinnerID為nil表示流標
type AuctionEnded struct {
	WinnerID    *uuid.UUID       `json:"winnerId"`
	WinningRate *decimal.Decimal `json:"winningRate,omitempty"`
}

func (AuctionEnded) EventType() EventType { return EventAuctionEnded }

// RoomFault 表示房間的sequencer發生不可回復的錯誤並已被拆除
// 只影響單一房間，其他房間不受波及
type RoomFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (RoomFault) EventType() EventType { return EventRoomFault }

// Broadcaster 負責將房間事件送達所有已加入該房間的session
// 傳遞為best-effort，慢速或離線的client不會阻塞sequencer
type Broadcaster interface {
	Broadcast(certificateID uuid.UUID, event Event)
}

// NopBroadcaster 是沒有任何接收者時的預設實作
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(uuid.UUID, Event) {}
