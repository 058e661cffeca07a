package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"taxcertsale/adapters/lock"
	"taxcertsale/adapters/stream"
	"taxcertsale/adapters/ws"
	"taxcertsale/engine"
	"taxcertsale/persistence"
)

type ServerImpl struct {
	redisClient *redis.Client
	db          *gorm.DB
	producer    *stream.Producer
	recorder    *persistence.BidRecorder
	gateway     *persistence.Gateway
	hub         *ws.Hub
	registry    *engine.Registry
	upgrader    websocket.Upgrader

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 沒有指定實例ID時以hostname代替
	hostname, _ := os.Hostname()
	config.ID = lo.Ternary(config.ID != "", config.ID, hostname)

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化出價日誌的producer和group consumer
	producer, err := stream.NewProducer(redisClient, config.Redis.StreamKeys.BidJournal)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid journal producer, err=%w", op, err)
	}
	groupConsumer, err := stream.NewGroupConsumer(
		redisClient,
		config.Redis.StreamKeys.BidJournal,
		config.Redis.ConsumerGroup,
		config.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid journal group consumer, err=%w", op, err)
	}

	// 初始化持久層閘道和出價紀錄worker
	gateway, err := persistence.NewGateway(db, producer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create persistence gateway, err=%w", op, err)
	}
	recorder, err := persistence.NewBidRecorder(db, groupConsumer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid recorder, err=%w", op, err)
	}

	// 初始化房間授權鎖，確保跨實例時每個憑證只有一個sequencer
	authority, err := lock.NewRoomAuthority(
		redisClient,
		lock.WithRoomAuthorityKeyPrefix(config.Auction.LockKeyPrefix),
		lock.WithRoomAuthorityExpiry(config.Auction.LockExpiry),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create room authority, err=%w", op, err)
	}

	// 初始化廣播hub和房間registry
	hub := ws.NewHub()
	registry, err := engine.NewRegistry(
		gateway,
		engine.WithRegistryBroadcaster(hub),
		engine.WithRegistryAuthorityLocker(authority),
		engine.WithRegistryGracePeriod(config.Auction.GracePeriod),
		engine.WithRegistryHistorySize(config.Auction.HistorySize),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create room registry, err=%w", op, err)
	}

	return &ServerImpl{
		redisClient: redisClient,
		db:          db,
		producer:    producer,
		recorder:    recorder,
		gateway:     gateway,
		hub:         hub,
		registry:    registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		config: config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	// 啟動出價日誌producer
	impl.producer.Start()
	// 啟動worker將出價日誌存回資料庫
	if err := impl.recorder.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start bid recorder, err=%w", op, err)
	}
	return nil
}

func (impl *ServerImpl) Close() {
	// 關閉所有拍賣房間並釋放授權鎖
	impl.registry.Close()
	// 關閉producer，排空緩衝中尚未寫出的出價紀錄
	impl.producer.Close()
	// 關閉recorder
	impl.recorder.Close()
	// 關閉Redis連線
	if err := impl.redisClient.Close(); err != nil {
		slog.Error("Fail to close redis client", slog.Any("error", err))
	}
}

func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", impl.getHealth)
	router.GET("/auction/ws", impl.getAuctionWS)
	router.GET("/auction/certificates/:certificateID/state", impl.getCertificateState)
}

func (impl *ServerImpl) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// 升級為websocket連線並交給session處理
func (impl *ServerImpl) getAuctionWS(c *gin.Context) {
	const op = "GetAuctionWS"
	conn, err := impl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Fail to upgrade connection", slog.String("op", op), slog.Any("error", err))
		return
	}
	session := ws.NewSession(
		conn,
		impl.hub,
		impl.registry,
		jwtAuthenticator{publicKey: impl.config.Auth.PublicKey},
		ws.WithSessionClientInfo(c.ClientIP(), c.Request.UserAgent()),
	)
	session.Serve()
}

// 提供不經websocket的一次性狀態查詢
func (impl *ServerImpl) getCertificateState(c *gin.Context) {
	const op = "GetCertificateState"
	certificateID, err := uuid.Parse(c.Param("certificateID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid certificate id"})
		return
	}

	room, err := impl.registry.GetOrCreateRoom(c.Request.Context(), certificateID)
	if err != nil {
		if errors.Is(err, engine.ErrCertificateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "certificate not found"})
			return
		}
		slog.Error("Fail to open auction room", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "auction room temporarily unavailable"})
		return
	}

	snapshot, err := room.Snapshot(c.Request.Context())
	if err != nil {
		slog.Error("Fail to take room snapshot", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "auction room temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
