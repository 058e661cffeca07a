package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PersistenceGateway 是引擎對持久層協作者的唯一窗口
// 引擎不自行實作持久化，引擎內部也不允許出現內嵌的mock邏輯
type PersistenceGateway interface {
	// GetCertificateRef 取得憑證參考資料，查無資料時回傳ErrCertificateNotFound
	GetCertificateRef(ctx context.Context, certificateID uuid.UUID) (CertificateRef, error)
	// RecordBid 記錄一筆已接受的出價，至少一次語義
	RecordBid(ctx context.Context, record BidRecord) error
	// MarkCertificateSold 在拍賣結束且有得標者時標記憑證售出
	MarkCertificateSold(ctx context.Context, certificateID uuid.UUID, winnerID uuid.UUID, rate decimal.Decimal) error
}

// FakeGateway 是PersistenceGateway的記憶體實作，供測試和本機開發使用
// 可以透過錯誤欄位注入各個操作的失敗情境
type FakeGateway struct {
	mu           sync.Mutex
	certificates map[uuid.UUID]CertificateRef
	records      []BidRecord
	sold         map[uuid.UUID]LowestBid

	RecordBidErr error
	GetRefErr    error
	MarkSoldErr  error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		certificates: make(map[uuid.UUID]CertificateRef),
		sold:         make(map[uuid.UUID]LowestBid),
	}
}

// PutCertificate 預先放入一筆憑證參考資料
func (g *FakeGateway) PutCertificate(cert CertificateRef) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.certificates[cert.ID] = cert
}

func (g *FakeGateway) GetCertificateRef(_ context.Context, certificateID uuid.UUID) (CertificateRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.GetRefErr != nil {
		return CertificateRef{}, g.GetRefErr
	}
	cert, ok := g.certificates[certificateID]
	if !ok {
		return CertificateRef{}, ErrCertificateNotFound
	}
	return cert, nil
}

func (g *FakeGateway) RecordBid(_ context.Context, record BidRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RecordBidErr != nil {
		return g.RecordBidErr
	}
	g.records = append(g.records, record)
	return nil
}

func (g *FakeGateway) MarkCertificateSold(_ context.Context, certificateID uuid.UUID, winnerID uuid.UUID, rate decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.MarkSoldErr != nil {
		return g.MarkSoldErr
	}
	g.sold[certificateID] = LowestBid{BidderID: winnerID, Rate: rate}
	return nil
}

// Records 回傳至今記錄的所有出價副本
func (g *FakeGateway) Records() []BidRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]BidRecord, len(g.records))
	copy(out, g.records)
	return out
}

// Sold 回傳憑證的售出結果，第二個回傳值表示是否已售出
func (g *FakeGateway) Sold(certificateID uuid.UUID) (LowestBid, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	winner, ok := g.sold[certificateID]
	return winner, ok
}
