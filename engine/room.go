package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type roomOptions struct {
	logger      *slog.Logger
	broadcaster Broadcaster
	historySize int
	queueSize   int
	now         func() time.Time
	onClosed    func(*Room)
}

type RoomOption func(*roomOptions)

// WithRoomLogger 設置日誌記錄器
func WithRoomLogger(logger *slog.Logger) RoomOption {
	return func(o *roomOptions) {
		o.logger = logger
	}
}

// WithRoomBroadcaster 設置房間事件的廣播器
func WithRoomBroadcaster(b Broadcaster) RoomOption {
	return func(o *roomOptions) {
		o.broadcaster = b
	}
}

// WithRoomHistorySize 設置出價歷史的保留筆數
func WithRoomHistorySize(n int) RoomOption {
	return func(o *roomOptions) {
		o.historySize = n
	}
}

// WithRoomQueueSize 設置出價佇列的緩衝大小
func WithRoomQueueSize(n int) RoomOption {
	return func(o *roomOptions) {
		o.queueSize = n
	}
}

// WithRoomClock 設置時鐘來源，供測試注入
func WithRoomClock(now func() time.Time) RoomOption {
	return func(o *roomOptions) {
		o.now = now
	}
}

// WithRoomOnClosed 設置房間進入終態後的回呼(registry用來安排釋放)
func WithRoomOnClosed(fn func(*Room)) RoomOption {
	return func(o *roomOptions) {
		o.onClosed = fn
	}
}

type attemptRequest struct {
	attempt BidAttempt
	reply   chan Decision
}

// Room 是單一憑證拍賣的唯一權威：
// 所有出價嘗試經由單一goroutine嚴格依到達順序逐一判定，
// 同一房間內永遠不會有兩筆出價同時讀寫狀態，lost-update不可能發生。
// 不同憑證的房間彼此完全平行，互不影響。
type Room struct {
	cert    CertificateRef
	gateway PersistenceGateway

	attempts  chan *attemptRequest
	snapshots chan chan RoomSnapshot
	closeCh   chan struct{}
	done      chan struct{}
	final     atomic.Pointer[RoomSnapshot]

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	// 以下狀態只由run goroutine讀寫
	status   RoomStatus
	lowest   *LowestBid
	bidCount uint64
	history  []LowestBid
	torn     bool

	options roomOptions
}

// NewRoom 建立一個房間，呼叫Start後才會開始處理出價
func NewRoom(cert CertificateRef, gateway PersistenceGateway, opts ...RoomOption) *Room {
	options := roomOptions{
		logger:      slog.Default(),
		broadcaster: NopBroadcaster{},
		historySize: 20,
		queueSize:   64,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	options.logger = options.logger.With(
		slog.String("caller", "Room"),
		slog.String("certificateID", cert.ID.String()),
	)

	return &Room{
		cert:      cert,
		gateway:   gateway,
		attempts:  make(chan *attemptRequest, options.queueSize),
		snapshots: make(chan chan RoomSnapshot),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
		options:   options,
	}
}

// CertificateID 回傳房間對應的憑證ID
func (r *Room) CertificateID() uuid.UUID {
	return r.cert.ID
}

// Done 在房間進入終態後關閉，供registry和測試等待
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Start 啟動房間的sequencer goroutine，重複呼叫沒有效果
func (r *Room) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.run()
}

// Submit 提交一筆出價嘗試並等待判定結果
// 等待時間只受該房間佇列深度影響，不受系統全域負載影響。
// 提交者在判定前斷線時嘗試仍會被判定(為了對其他出價者公平)，結果則被丟棄。
func (r *Room) Submit(ctx context.Context, attempt BidAttempt) (Decision, error) {
	req := &attemptRequest{attempt: attempt, reply: make(chan Decision, 1)}
	select {
	case r.attempts <- req:
	case <-r.done:
		return r.closedDecision(), nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	select {
	case decision := <-req.reply:
		return decision, nil
	case <-r.done:
		// 房間在判定送達前結束，佇列中尚未判定的嘗試一律視為AuctionNotActive
		select {
		case decision := <-req.reply:
			return decision, nil
		default:
		}
		return r.closedDecision(), nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Snapshot 取得sequencer當下的狀態快照
// 一律經過sequencer本身，不提供任何旁路快取，確保不會讀到和
// 進行中變更競爭的舊資料；房間結束後回傳凍結的終態。
func (r *Room) Snapshot(ctx context.Context) (RoomSnapshot, error) {
	respCh := make(chan RoomSnapshot, 1)
	select {
	case r.snapshots <- respCh:
		select {
		case snap := <-respCh:
			return snap, nil
		case <-ctx.Done():
			return RoomSnapshot{}, ctx.Err()
		}
	case <-r.done:
		if snap := r.final.Load(); snap != nil {
			return *snap, nil
		}
		return RoomSnapshot{}, ErrRoomClosed
	case <-ctx.Done():
		return RoomSnapshot{}, ctx.Err()
	}
}

// Close 要求房間立刻結束拍賣(例如管理端手動收盤)
// 若有出價正在判定中，會等該筆判定完成後才收盤。
func (r *Room) Close() {
	select {
	case r.closeCh <- struct{}{}:
	case <-r.done:
	}
}

// Wait 等待sequencer goroutine完全退出
func (r *Room) Wait() {
	r.wg.Wait()
}

func (r *Room) run() {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			// 程式錯誤只拆除這一個房間，其他房間不受影響
			r.options.logger.Error("Room sequencer fault", slog.Any("panic", rec))
			r.teardown(true)
		}
	}()
	r.options.logger.Info("Auction room started")
	defer r.options.logger.Info("Auction room stopped")

	now := r.options.now()
	var startC, endC <-chan time.Time
	switch {
	case now.Before(r.cert.StartTime):
		r.status = StatusUpcoming
		startTimer := time.NewTimer(r.cert.StartTime.Sub(now))
		defer startTimer.Stop()
		startC = startTimer.C
	case now.Before(r.cert.EndTime):
		r.status = StatusActive
	default:
		// 拍賣時段已過，房間一建立就進入終態
		r.status = StatusActive
		r.teardown(false)
		return
	}
	endTimer := time.NewTimer(r.cert.EndTime.Sub(now))
	defer endTimer.Stop()
	endC = endTimer.C

	for {
		select {
		case req := <-r.attempts:
			r.judge(req)
		case respCh := <-r.snapshots:
			respCh <- r.snapshot()
		case <-startC:
			if r.status == StatusUpcoming {
				r.status = StatusActive
				r.options.logger.Info("Auction window opened")
				r.options.broadcaster.Broadcast(r.cert.ID, StateChanged{Room: r.snapshot()})
			}
		case <-endC:
			// 到達結束時間是硬性截止，佇列中未判定的嘗試會被排空拒絕
			r.teardown(false)
			return
		case <-r.closeCh:
			r.teardown(false)
			return
		}
	}
}

// judge 對單一出價嘗試做驗證和套用，一次只會有一筆在執行
func (r *Room) judge(req *attemptRequest) {
	if rej := Validate(req.attempt, r.snapshot(), r.cert); rej != nil {
		// 拒絕只通知提交者，房間狀態不動，也不做任何廣播
		req.reply <- Decision{Reject: rej}
		return
	}

	bid := LowestBid{
		BidID:    uuid.New(),
		BidderID: req.attempt.BidderID,
		Rate:     req.attempt.ProposedRate,
		PlacedAt: r.options.now(),
	}
	r.lowest = &bid
	r.bidCount++
	r.history = append([]LowestBid{bid}, r.history...)
	if len(r.history) > r.options.historySize {
		r.history = r.history[:r.options.historySize]
	}

	// 記錄出價採at-least-once：寫入失敗不回滾記憶體狀態(其他出價者
	// 已經會看到新的最低價)，改以unconfirmed標記交給對帳程序補寫
	confirmed := true
	record := BidRecord{
		BidID:         bid.BidID,
		CertificateID: r.cert.ID,
		BidderID:      bid.BidderID,
		Rate:          bid.Rate,
		PlacedAt:      bid.PlacedAt,
	}
	if err := r.gateway.RecordBid(context.Background(), record); err != nil {
		confirmed = false
		r.options.logger.Error("Fail to journal accepted bid, bid is unconfirmed",
			slog.String("bidID", bid.BidID.String()),
			slog.Any("error", err))
	}

	req.reply <- Decision{Accepted: true, BidID: bid.BidID, Rate: bid.Rate, Confirmed: confirmed}
	r.options.broadcaster.Broadcast(r.cert.ID, StateChanged{Room: r.snapshot()})
	r.options.logger.Info("Lower bid accepted",
		slog.String("bidderID", bid.BidderID.String()),
		slog.String("rate", bid.Rate.String()),
		slog.Uint64("bidCount", r.bidCount))
}

// teardown 將房間帶入終態：凍結狀態、排空佇列、發出終態廣播
// 只會執行一次，fault為true表示由panic路徑觸發
func (r *Room) teardown(fault bool) {
	if r.torn {
		return
	}
	r.torn = true

	r.status = StatusClosed
	snap := r.snapshot()
	r.final.Store(&snap)
	close(r.done)

	// 排空佇列中尚未判定的嘗試，沉默不是合法的回應
	for {
		select {
		case req := <-r.attempts:
			req.reply <- r.closedDecision()
			continue
		default:
		}
		break
	}

	if fault {
		r.options.broadcaster.Broadcast(r.cert.ID, RoomFault{
			Code:    "RoomFault",
			Message: "auction room encountered an internal error and was shut down",
		})
	} else {
		ended := AuctionEnded{}
		if r.lowest != nil {
			ended.WinnerID = &r.lowest.BidderID
			ended.WinningRate = &r.lowest.Rate
		}
		r.options.broadcaster.Broadcast(r.cert.ID, ended)
		if r.lowest != nil {
			if err := r.gateway.MarkCertificateSold(context.Background(), r.cert.ID, r.lowest.BidderID, r.lowest.Rate); err != nil {
				// 留給對帳程序，不阻擋終態廣播
				r.options.logger.Error("Fail to mark certificate sold",
					slog.String("winnerID", r.lowest.BidderID.String()),
					slog.Any("error", err))
			}
		}
		r.options.logger.Info("Auction ended",
			slog.Uint64("bidCount", r.bidCount),
			slog.Bool("sold", r.lowest != nil))
	}

	if r.options.onClosed != nil {
		r.options.onClosed(r)
	}
}

func (r *Room) snapshot() RoomSnapshot {
	snap := RoomSnapshot{
		CertificateID: r.cert.ID,
		Status:        r.status,
		BidCount:      r.bidCount,
		CeilingRate:   r.cert.CeilingRate,
		MinDecrement:  r.cert.MinDecrement,
	}
	if r.lowest != nil {
		lowest := *r.lowest
		snap.LowestBid = &lowest
	}
	if len(r.history) > 0 {
		snap.BidHistory = make([]LowestBid, len(r.history))
		copy(snap.BidHistory, r.history)
	}
	return snap
}

func (r *Room) closedDecision() Decision {
	return Decision{Reject: reject(RejectAuctionNotActive, "auction for certificate %s is closed", r.cert.ID)}
}
