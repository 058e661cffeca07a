package stream

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"taxcertsale/engine"
)

// wireBidRecord 是出價紀錄在stream上的傳輸格式
// 利率以字串傳輸避免浮點精度損失
type wireBidRecord struct {
	BidID         string    `msgpack:"bidId"`
	CertificateID string    `msgpack:"certificateId"`
	BidderID      string    `msgpack:"bidderId"`
	Rate          string    `msgpack:"rate"`
	PlacedAt      time.Time `msgpack:"placedAt"`
}

// EncodeBidRecord 將出價紀錄序列化為stream訊息
// 使用msgpack加base64封裝在單一data欄位中
func EncodeBidRecord(record engine.BidRecord) (map[string]any, error) {
	bytes, err := msgpack.Marshal(wireBidRecord{
		BidID:         record.BidID.String(),
		CertificateID: record.CertificateID.String(),
		BidderID:      record.BidderID.String(),
		Rate:          record.Rate.String(),
		PlacedAt:      record.PlacedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeBidRecord 將stream訊息還原為出價紀錄
func DecodeBidRecord(message map[string]any) (engine.BidRecord, error) {
	dataStr, ok := message["data"].(string)
	if !ok {
		return engine.BidRecord{}, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return engine.BidRecord{}, fmt.Errorf("base64 decode error: %w", err)
	}

	var wire wireBidRecord
	if err := msgpack.Unmarshal(bytes, &wire); err != nil {
		return engine.BidRecord{}, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	bidID, err := uuid.Parse(wire.BidID)
	if err != nil {
		return engine.BidRecord{}, fmt.Errorf("invalid bid id: %w", err)
	}
	certificateID, err := uuid.Parse(wire.CertificateID)
	if err != nil {
		return engine.BidRecord{}, fmt.Errorf("invalid certificate id: %w", err)
	}
	bidderID, err := uuid.Parse(wire.BidderID)
	if err != nil {
		return engine.BidRecord{}, fmt.Errorf("invalid bidder id: %w", err)
	}
	rate, err := decimal.NewFromString(wire.Rate)
	if err != nil {
		return engine.BidRecord{}, fmt.Errorf("invalid rate: %w", err)
	}

	return engine.BidRecord{
		BidID:         bidID,
		CertificateID: certificateID,
		BidderID:      bidderID,
		Rate:          rate,
		PlacedAt:      wire.PlacedAt,
	}, nil
}
