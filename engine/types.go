package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoomStatus 表示拍賣房間的生命週期狀態
type RoomStatus string

const (
	StatusUpcoming RoomStatus = "upcoming"
	StatusActive   RoomStatus = "active"
	StatusClosed   RoomStatus = "closed"
)

// CertificateRef 代表稅收留置權憑證的參考資料
// 由持久層在房間建立時提供一次，之後視為唯讀
type CertificateRef struct {
	ID           uuid.UUID
	ParcelNumber string
	FaceValue    decimal.Decimal
	CeilingRate  decimal.Decimal // 法定利率上限(例如18.00)
	MinDecrement decimal.Decimal // 法定最小降幅(例如0.25)
	StartTime    time.Time
	EndTime      time.Time
}

// LowestBid 代表目前的最低有效出價
type LowestBid struct {
	BidID    uuid.UUID       `json:"bidId"`
	BidderID uuid.UUID       `json:"bidderId"`
	Rate     decimal.Decimal `json:"rate"`
	PlacedAt time.Time       `json:"placedAt"`
}

// RoomSnapshot 是房間狀態在某個瞬間的一致性快照
// 只能由該房間的sequencer產生，不允許自行組裝
type RoomSnapshot struct {
	CertificateID uuid.UUID       `json:"certificateId"`
	Status        RoomStatus      `json:"status"`
	LowestBid     *LowestBid      `json:"lowestBid,omitempty"`
	BidCount      uint64          `json:"bidCount"`
	CeilingRate   decimal.Decimal `json:"ceilingRate"`
	MinDecrement  decimal.Decimal `json:"minDecrement"`
	BidHistory    []LowestBid     `json:"bidHistory,omitempty"`
}

// BidAttempt 代表一次出價嘗試，僅在判定期間存在
// ClientTimestamp僅供稽核，排序一律以到達sequencer的順序為準
type BidAttempt struct {
	CertificateID   uuid.UUID
	BidderID        uuid.UUID
	ProposedRate    decimal.Decimal
	ClientTimestamp time.Time
	IPAddress       string
	UserAgent       string
}

// BidRecord 代表已接受的出價，會寫入出價日誌供持久層記錄
type BidRecord struct {
	BidID         uuid.UUID
	CertificateID uuid.UUID
	BidderID      uuid.UUID
	Rate          decimal.Decimal
	PlacedAt      time.Time
}

// Decision 是sequencer對單一出價嘗試的最終判定
// Confirmed為false表示出價已被接受但尚未寫入出價日誌，
// 需要等待對帳程序補寫
type Decision struct {
	Accepted  bool
	BidID     uuid.UUID
	Rate      decimal.Decimal
	Confirmed bool
	Reject    *RejectError
}
