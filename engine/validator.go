package engine

import (
	"github.com/shopspring/decimal"
)

// Validate 對單一出價嘗試做純函數驗證，回傳nil表示接受
// 規則依序檢查，遇到第一個失敗就回傳：
//  1. 房間必須處於active狀態
//  2. 利率必須大於0且不超過法定上限
//  3. 利率必須落在從上限起算的降幅格點上，禁止任意小數
//  4. 若已有最低出價，新利率必須嚴格低於它(平手一律拒絕)；
//     格點檢查已保證合法出價至少低一個最小降幅
//
// 允許自我壓價：出價者可以壓低自己目前的最低出價，不做特例處理
func Validate(attempt BidAttempt, room RoomSnapshot, cert CertificateRef) *RejectError {
	if room.Status != StatusActive {
		return reject(RejectAuctionNotActive, "auction for certificate %s is %s", cert.ID, room.Status)
	}

	rate := attempt.ProposedRate
	if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(cert.CeilingRate) {
		return reject(RejectRateOutOfBounds, "rate %s must be greater than 0 and at most %s", rate, cert.CeilingRate)
	}

	// 格點檢查從上限起算，首次出價也適用：
	// 若首次出價偏離格點，後續所有格點出價都會落在非法位置
	if cert.MinDecrement.IsPositive() {
		if !cert.CeilingRate.Sub(rate).Mod(cert.MinDecrement).IsZero() {
			return reject(RejectInvalidIncrement, "rate %s is not a %s step down from the ceiling %s",
				rate, cert.MinDecrement, cert.CeilingRate)
		}
	}

	if room.LowestBid != nil {
		// 平手一律拒絕；通過格點檢查的更低出價必然至少低一個最小降幅
		if rate.GreaterThanOrEqual(room.LowestBid.Rate) {
			return reject(RejectRateNotLowEnough, "rate %s must be strictly below the current lowest bid %s (minimum decrement %s)",
				rate, room.LowestBid.Rate, cert.MinDecrement)
		}
	}

	return nil
}
