package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid 代表憑證拍賣的出價紀錄
// 主鍵由引擎產生，從出價日誌重播寫入時保持冪等
type Bid struct {
	*gorm.Model

	ID            uuid.UUID       `gorm:"type:uuid;primaryKey;<-:create"`
	CertificateID uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	BidderID      uuid.UUID       `gorm:"type:uuid;not null;<-:create"`
	Rate          decimal.Decimal `gorm:"type:numeric(5,2);not null;<-:create"`
	PlacedAt      time.Time       `gorm:"type:timestamp with time zone;not null;<-:create"`

	// 外鍵關聯
	Certificate Certificate
}
