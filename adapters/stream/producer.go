package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"

	"taxcertsale/engine"
)

var ErrProducerClosed = errors.New("producer is closed")

type producerOptions struct {
	logger     *slog.Logger
	bufferSize int
}

type ProducerOption func(*producerOptions)

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(o *producerOptions) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置上游緩衝的初始大小
func WithProducerBufferSize(size int) ProducerOption {
	return func(o *producerOptions) {
		o.bufferSize = size
	}
}

// Producer 將已接受的出價紀錄寫入Redis Stream(出價日誌)
// 上游使用無上限緩衝，sequencer發布時永遠不會被Redis的延遲阻塞；
// 實際的XADD由背景goroutine執行，失敗會記錄並留給對帳程序
type Producer struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    producerOptions
}

func NewProducer(client *redis.Client, stream string, opts ...ProducerOption) (*Producer, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := producerOptions{
		logger:     slog.Default(),
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Producer{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting bid journal producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("producer goroutine stopped")

		// 關閉時會先排空緩衝中剩餘的紀錄再退出
		for values := range p.upstream.Out {
			if err := p.client.XAdd(context.Background(), &redis.XAddArgs{
				Stream: p.stream,
				Values: values,
			}).Err(); err != nil {
				p.logger.Error("Fail to append bid record to journal", slog.Any("error", err))
			}
		}
	}()
}

// Publish 將一筆出價紀錄排入日誌，不會阻塞呼叫者
func (p *Producer) Publish(record engine.BidRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	values, err := EncodeBidRecord(record)
	if err != nil {
		return err
	}
	p.upstream.In <- values
	return nil
}

// Close 關閉producer並等待緩衝中剩餘的紀錄寫出
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.upstream.In)
	p.mu.Unlock()

	p.logger.Info("closing bid journal producer")
	p.wg.Wait()
	p.cancelFunc()
	p.logger.Info("bid journal producer closed")
}
