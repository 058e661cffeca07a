package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Certificate 代表一張待拍賣的稅收留置權憑證
// 包含地號、面額、利率上限與最小降幅等法定參數
type Certificate struct {
	gorm.Model

	ID           uuid.UUID        `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	ParcelNumber string           `gorm:"type:varchar(64);not null;uniqueIndex"`
	FaceValue    decimal.Decimal  `gorm:"type:numeric(12,2);not null"`
	CeilingRate  decimal.Decimal  `gorm:"type:numeric(5,2);not null"`
	MinDecrement decimal.Decimal  `gorm:"type:numeric(5,2);not null"`
	StartTime    time.Time        `gorm:"type:timestamp with time zone;not null"`
	EndTime      time.Time        `gorm:"type:timestamp with time zone;not null"`
	Sold         bool             `gorm:"type:boolean;not null;default:false"`
	WinnerID     *uuid.UUID       `gorm:"type:uuid"`
	WinningRate  *decimal.Decimal `gorm:"type:numeric(5,2)"`

	// 外鍵關聯
	BidRecords []Bid `gorm:"foreignKey:CertificateID"`
}
