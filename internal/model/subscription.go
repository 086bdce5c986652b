package model

import "time"

// Subscriber は自インスタンスのカテゴリを購読しているリモート側の登録を表す（受信側の購読）。
// CallbackURLは作成時にRemoteURLValidatorの検証を通過しており、作成後は変更しない。
// 配信履歴を保持するため物理削除は行わず、IsActiveをfalseにして無効化する。
type Subscriber struct {
	ID                      string
	CategoryID              string
	CallbackURL             string
	IsActive                bool
	ConsecutiveFailureCount int
	LastDeliveryAt          *time.Time
	LastDeliveryError       string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// RemoteSubscription は自インスタンスがリモートのカテゴリを取り込む登録を表す（送信側の購読）。
// SyncWorkerが同期状態（LastSyncedAt、ConsecutiveFailureCount、IsActive）を更新する。
type RemoteSubscription struct {
	ID                      string
	SiteURL                 string
	RemoteCategorySlug      string
	LocalCategoryID         string
	LastSyncedAt            *time.Time // 同期ウォーターマーク。未同期の場合はnil
	ConsecutiveFailureCount int
	IsActive                bool
	LastError               string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Category はローカルのカテゴリを表す。
type Category struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}
