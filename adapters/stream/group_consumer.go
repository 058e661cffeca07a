package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taxcertsale/engine"
)

var ErrConsumerClosed = errors.New("consumer is closed")

// Message 封裝一筆出價紀錄和ack所需的資料
// 處理成功呼叫Done，失敗呼叫Fail會把原始訊息移到dead-letter stream
// 留給對帳程序重試
type Message struct {
	Record engine.BidRecord

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string
	raw       map[string]any
}

// Done 確認訊息已處理完成
func (m *Message) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 將訊息移入dead-letter stream並ack原訊息
func (m *Message) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	m.raw["error"] = failErr.Error()
	if err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream + ":dead-letter",
		Values: m.raw,
	}).Err(); err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	if err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

type groupConsumerOptions struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
}

type GroupConsumerOption func(*groupConsumerOptions)

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger(logger *slog.Logger) GroupConsumerOption {
	return func(o *groupConsumerOptions) {
		o.logger = logger
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize(size int) GroupConsumerOption {
	return func(o *groupConsumerOptions) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout(d time.Duration) GroupConsumerOption {
	return func(o *groupConsumerOptions) {
		o.blockTimeout = d
	}
}

// GroupConsumer 以consumer group模式消費出價日誌
// 多個引擎實例共享同一個group時，每筆紀錄只會被其中一個實例處理
type GroupConsumer struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Message
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    groupConsumerOptions
}

func NewGroupConsumer(client *redis.Client, stream, group, consumer string, opts ...GroupConsumerOption) (*GroupConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	options := groupConsumerOptions{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &GroupConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group)),
		options: options,
	}, nil
}

func (c *GroupConsumer) Start() error {
	const op = "GroupConsumer.Start"
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}

	// 建立consumer group，已存在時忽略
	err := c.client.XGroupCreateMkStream(context.Background(), c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] Fail to create consumer group, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.downStream = make(chan *Message, c.options.bufferSize)
	c.cancelFunc = cancel
	c.closed = false
	c.logger.Info("starting bid journal group consumer")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.logger.Info("group consumer goroutine stopped")
		defer close(c.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			message, err := c.fetchNextMessage(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				c.logger.Error("fetch message error", slog.Any("error", err))
				continue
			}

			record, err := DecodeBidRecord(message.Values)
			if err != nil {
				// 無法解析的訊息直接移入dead-letter，避免卡住整條日誌
				c.logger.Error("failed to parse bid record",
					slog.String("messageId", message.ID),
					slog.Any("error", err))
				broken := &Message{
					client:    c.client,
					messageID: message.ID,
					stream:    c.stream,
					group:     c.group,
					raw:       message.Values,
				}
				if failErr := broken.Fail(ctx, err); failErr != nil {
					c.logger.Error("failed to dead-letter unparsable message", slog.Any("error", failErr))
				}
				continue
			}

			msg := &Message{
				Record:    record,
				client:    c.client,
				messageID: message.ID,
				stream:    c.stream,
				group:     c.group,
				raw:       message.Values,
			}
			select {
			case <-ctx.Done():
				return
			case c.downStream <- msg:
				c.logger.Debug("message sent to downstream", slog.String("messageId", message.ID))
			}
		}
	}()
	return nil
}

func (c *GroupConsumer) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		return streams[0].Messages[0], nil
	}
	return redis.XMessage{}, redis.Nil
}

// Subscribe 訂閱出價紀錄
func (c *GroupConsumer) Subscribe() <-chan *Message {
	return c.downStream
}

// Close 關閉消費者
func (c *GroupConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.logger.Info("closing bid journal group consumer")
	c.closed = true
	c.cancelFunc()
	c.wg.Wait()
	c.logger.Info("bid journal group consumer closed")
	return nil
}
