package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taxcertsale/adapters/stream"
	"taxcertsale/models"
)

type recorderOptions struct {
	logger *slog.Logger
}

type BidRecorderOption func(*recorderOptions)

// WithBidRecorderLogger 設置日誌記錄器
func WithBidRecorderLogger(logger *slog.Logger) BidRecorderOption {
	return func(o *recorderOptions) {
		o.logger = logger
	}
}

// BidRecorder 將出價日誌中的紀錄存回資料庫
// 日誌是at-least-once語意，重複的紀錄以主鍵衝突略過
type BidRecorder struct {
	db         *gorm.DB
	consumer   *stream.GroupConsumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
}

func NewBidRecorder(db *gorm.DB, consumer *stream.GroupConsumer, opts ...BidRecorderOption) (*BidRecorder, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}

	options := recorderOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &BidRecorder{
		db:       db,
		consumer: consumer,
		closed:   true,
		logger:   options.logger.With(slog.String("caller", "BidRecorder")),
	}, nil
}

func (r *BidRecorder) Start() error {
	const op = "BidRecorder.Start"
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		return nil
	}

	if err := r.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.closed = false
	r.logger.Info("Start bid recording worker")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("Bid recording worker stopped")
		ch := r.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.logger.Debug("Receive bid record", slog.String("bidId", msg.Record.BidID.String()))
				if handleErr := r.persist(ctx, msg); handleErr != nil {
					r.logger.Error("Fail to record bid", slog.Any("error", handleErr))
					if err := msg.Fail(ctx, handleErr); err != nil {
						r.logger.Error("Fail to fail message", slog.Any("error", err))
					}
					continue
				}
				if err := msg.Done(ctx); err != nil {
					r.logger.Error("Record success but fail to done message", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						r.logger.Error("Record success but fail to fail message", slog.Any("error", err))
					}
					continue
				}
				r.logger.Debug("Record success", slog.String("bidId", msg.Record.BidID.String()))
			}
		}
	}()
	return nil
}

func (r *BidRecorder) persist(ctx context.Context, msg *stream.Message) error {
	bid := models.Bid{
		ID:            msg.Record.BidID,
		CertificateID: msg.Record.CertificateID,
		BidderID:      msg.Record.BidderID,
		Rate:          msg.Record.Rate,
		PlacedAt:      msg.Record.PlacedAt,
	}
	// 日誌重播時同一筆出價可能出現多次
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&bid)
	if result.Error != nil {
		return fmt.Errorf("fail to insert bid record, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		r.logger.Debug("Skip duplicated bid record", slog.String("bidId", bid.ID.String()))
	}
	return nil
}

func (r *BidRecorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.logger.Info("Closing bid recording worker")
	r.closed = true
	if err := r.consumer.Close(); err != nil {
		r.logger.Error("Fail to close group consumer", slog.Any("error", err))
	}
	r.cancelFunc()
	r.wg.Wait()
	r.logger.Info("Bid recording worker closed")
}
