package stream

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"taxcertsale/engine"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func testBidRecord() engine.BidRecord {
	return engine.BidRecord{
		BidID:         uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		CertificateID: uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"),
		BidderID:      uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8"),
		Rate:          decimal.RequireFromString("17.75"),
		PlacedAt:      time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
	}
}
