package api

import (
	"crypto/ed25519"
	"time"
)

type ServerConfig struct {
	// ID 是這個引擎實例的識別，同時作為consumer group內的consumer名稱
	ID string

	Auth    AuthConfig
	DB      DBConfig
	Redis   RedisConfig
	Auction AuctionConfig
}

type AuthConfig struct {
	PublicKey ed25519.PublicKey
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	BidJournal string
}

type AuctionConfig struct {
	// GracePeriod 是最後一口價後房間保留在記憶體中的時間
	GracePeriod time.Duration
	// HistorySize 是快照中保留的出價歷史筆數
	HistorySize int
	// LockKeyPrefix 是房間授權鎖的key字首
	LockKeyPrefix string
	// LockExpiry 是授權鎖的單次租期，到期前會自動續約
	LockExpiry time.Duration
}
