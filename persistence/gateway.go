package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"taxcertsale/adapters/stream"
	"taxcertsale/engine"
	"taxcertsale/models"
)

type gatewayOptions struct {
	logger *slog.Logger
}

type GatewayOption func(*gatewayOptions)

// WithGatewayLogger 設置日誌記錄器
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(o *gatewayOptions) {
		o.logger = logger
	}
}

// Gateway 是引擎對外部儲存的閘道
// 憑證參數直接從資料庫讀取；出價寫入只進日誌stream，
// 由BidRecorder非同步存回資料庫
type Gateway struct {
	db       *gorm.DB
	producer *stream.Producer
	logger   *slog.Logger
}

func NewGateway(db *gorm.DB, producer *stream.Producer, opts ...GatewayOption) (*Gateway, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}

	options := gatewayOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Gateway{
		db:       db,
		producer: producer,
		logger:   options.logger.With(slog.String("caller", "Gateway")),
	}, nil
}

// GetCertificateRef 取得憑證的法定拍賣參數
func (g *Gateway) GetCertificateRef(ctx context.Context, certificateID uuid.UUID) (engine.CertificateRef, error) {
	const op = "Gateway.GetCertificateRef"
	certificate := models.Certificate{ID: certificateID}
	if result := g.db.WithContext(ctx).First(&certificate); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return engine.CertificateRef{}, engine.ErrCertificateNotFound
		}
		return engine.CertificateRef{}, fmt.Errorf("[%s] Fail to find certificate, err=%w", op, result.Error)
	}
	return engine.CertificateRef{
		ID:           certificate.ID,
		ParcelNumber: certificate.ParcelNumber,
		FaceValue:    certificate.FaceValue,
		CeilingRate:  certificate.CeilingRate,
		MinDecrement: certificate.MinDecrement,
		StartTime:    certificate.StartTime,
		EndTime:      certificate.EndTime,
	}, nil
}

// RecordBid 將已接受的出價寫入出價日誌
func (g *Gateway) RecordBid(ctx context.Context, record engine.BidRecord) error {
	const op = "Gateway.RecordBid"
	if err := g.producer.Publish(record); err != nil {
		return fmt.Errorf("[%s] Fail to publish bid record, err=%w", op, err)
	}
	return nil
}

// MarkCertificateSold 記錄拍賣結果
func (g *Gateway) MarkCertificateSold(ctx context.Context, certificateID, winnerID uuid.UUID, rate decimal.Decimal) error {
	const op = "Gateway.MarkCertificateSold"
	result := g.db.WithContext(ctx).
		Model(&models.Certificate{}).
		Where("id = ?", certificateID).
		Updates(map[string]any{
			"sold":         true,
			"winner_id":    winnerID,
			"winning_rate": rate,
		})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to mark certificate sold, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("[%s] %w", op, engine.ErrCertificateNotFound)
	}
	return nil
}
