package syncworker

import (
	"fmt"
	"time"

	"github.com/hitoshi/fedblog/internal/model"
)

// DefaultFailureThreshold は連続失敗によりリモート購読を無効化する既定の閾値。
const DefaultFailureThreshold = 10

// Apply系の関数はUpdatedAtを変更しない。UpdatedAtは読み込み時の値のままストアの競合検出に使用する。

// ApplySyncSuccess は同期成功時にリモート購読の状態を更新する。
// ウォーターマークをフェッチ開始時刻に進め、連続失敗回数とエラーをリセットする。
// フェッチ中にリモートで更新された記事を取りこぼさないよう、完了時刻ではなく開始時刻を使用する。
func ApplySyncSuccess(sub *model.RemoteSubscription, fetchStartedAt time.Time) {
	synced := fetchStartedAt
	sub.LastSyncedAt = &synced
	sub.ConsecutiveFailureCount = 0
	sub.LastError = ""
}

// ApplySyncFailure はピア起因の同期失敗時にリモート購読の状態を更新する。
// 連続失敗回数をインクリメントし、閾値に達した場合は無効化してtrueを返す。
// ウォーターマークは変更しない。
func ApplySyncFailure(sub *model.RemoteSubscription, reason string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	sub.ConsecutiveFailureCount++
	sub.LastError = reason

	if sub.IsActive && CheckFailureThreshold(sub, threshold) {
		sub.IsActive = false
		sub.LastError = fmt.Sprintf("同期失敗が%d回連続したため購読を無効化しました: %s", sub.ConsecutiveFailureCount, reason)
		return true
	}
	return false
}

// ApplySecurityRejection はURL検証で拒否されたリモート購読を即時に無効化する。
func ApplySecurityRejection(sub *model.RemoteSubscription, reason string) {
	sub.IsActive = false
	sub.LastError = fmt.Sprintf("URLがセキュリティポリシーにより拒否されたため購読を無効化しました: %s", reason)
}

// CheckFailureThreshold は連続失敗回数が閾値に達しているかを確認する。
func CheckFailureThreshold(sub *model.RemoteSubscription, threshold int) bool {
	return sub.ConsecutiveFailureCount >= threshold
}
