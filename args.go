package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"taxcertsale/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("engine-id", "", "")

	// auth config
	pflag.String("auth-public-key", "", "base64 encoded ed25519 public key")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bids", "tcs-bid-journal", "")
	pflag.String("redis-consumer-group", "tcs-bid-recorders", "")

	// auction config
	pflag.Duration("auction-grace-period", 30*time.Second, "")
	pflag.Int("auction-history-size", 20, "")
	pflag.String("auction-lock-key-prefix", "tcs:", "")
	pflag.Duration("auction-lock-expiry", 8*time.Second, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("TCS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("engine-id"),
			Auth: api.AuthConfig{
				PublicKey: decodePublicKey(viper.GetString("auth-public-key")),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
				StreamKeys: api.RedisStreamKeys{
					BidJournal: viper.GetString("redis-stream-key-for-bids"),
				},
				ConsumerGroup: viper.GetString("redis-consumer-group"),
			},
			Auction: api.AuctionConfig{
				GracePeriod:   viper.GetDuration("auction-grace-period"),
				HistorySize:   viper.GetInt("auction-history-size"),
				LockKeyPrefix: viper.GetString("auction-lock-key-prefix"),
				LockExpiry:    viper.GetDuration("auction-lock-expiry"),
			},
		},
	}
}

func decodePublicKey(encoded string) ed25519.PublicKey {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(raw)
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" && args.ServerConfig.Auth.PublicKey != nil && args.ServerConfig.Redis.Addr != "" && args.ServerConfig.DB.Host != ""
}
