package engine

import (
	"errors"
	"fmt"
)

// RejectCode 表示出價被拒絕的原因代碼
// 這類拒絕屬於預期中的使用者層級結果，不會以系統錯誤記錄
type RejectCode string

const (
	RejectAuctionNotActive RejectCode = "AuctionNotActive"
	RejectRateOutOfBounds  RejectCode = "RateOutOfBounds"
	RejectRateNotLowEnough RejectCode = "RateNotLowEnough"
	RejectInvalidIncrement RejectCode = "InvalidIncrement"
)

// RejectError 封裝拒絕代碼和使用者可讀的訊息
type RejectError struct {
	Code    RejectCode
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bid rejected: %s: %s", e.Code, e.Message)
}

func reject(code RejectCode, format string, args ...any) *RejectError {
	return &RejectError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

var (
	// ErrCertificateNotFound 表示持久層查無此憑證
	ErrCertificateNotFound = errors.New("certificate not found")
	// ErrRoomClosed 表示操作的目標房間已經結束並釋放
	ErrRoomClosed = errors.New("auction room is closed")
	// ErrRegistryClosed 表示registry已經關閉，不再受理新房間
	ErrRegistryClosed = errors.New("room registry is closed")
	// ErrRoomUnavailable 表示房間暫時無法建立(持久層或鎖不可用)，呼叫端應重試
	ErrRoomUnavailable = errors.New("auction room temporarily unavailable")
)
