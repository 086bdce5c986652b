// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fedblog/internal/model"
)

// CategoryRepository はカテゴリの参照インターフェース。
type CategoryRepository interface {
	// FindByID は指定IDのカテゴリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Category, error)

	// FindBySlug はスラッグでカテゴリを取得する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Category, error)
}

// SubscriberRepository は受信側購読（自カテゴリの購読者）の永続化インターフェース。
// 購読者は物理削除せず、無効化のみ行う。
type SubscriberRepository interface {
	// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscriber, error)

	// FindActiveByCallback はカテゴリとコールバックURLで有効な購読者を検索する。
	// 見つからない場合はnilを返す。
	FindActiveByCallback(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error)

	// Create は購読者を作成する。
	Create(ctx context.Context, sub *model.Subscriber) error

	// Deactivate は購読者を無効化する。対象が存在しない場合もエラーにしない。
	Deactivate(ctx context.Context, id string) error

	// ListActiveByCategory はカテゴリの有効な購読者を取得する。
	ListActiveByCategory(ctx context.Context, categoryID string) ([]*model.Subscriber, error)

	// RecordDeliveryResult は配信結果を記録する。
	// deliveryErrが空の場合は成功として連続失敗回数を0に戻し、
	// それ以外は連続失敗回数を1増やしてエラー内容を保存する。
	RecordDeliveryResult(ctx context.Context, id string, deliveredAt time.Time, deliveryErr string) error

	// DeactivateFailing は連続失敗回数がthreshold以上の有効な購読者を無効化し、
	// 無効化した購読者を返す。
	DeactivateFailing(ctx context.Context, threshold int) ([]*model.Subscriber, error)
}

// RemoteSubscriptionRepository は送信側購読（リモートカテゴリの取り込み登録）の永続化インターフェース。
type RemoteSubscriptionRepository interface {
	// FindByID は指定IDのリモート購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.RemoteSubscription, error)

	// FindBySource は取り込み元と取り込み先カテゴリの組でリモート購読を検索する。
	// 見つからない場合はnilを返す。
	FindBySource(ctx context.Context, siteURL, remoteCategorySlug, localCategoryID string) (*model.RemoteSubscription, error)

	// Create はリモート購読を作成する。
	Create(ctx context.Context, sub *model.RemoteSubscription) error

	// List は全リモート購読を作成日時の昇順で取得する。
	List(ctx context.Context) ([]*model.RemoteSubscription, error)

	// ListActive は有効なリモート購読を取得する。
	ListActive(ctx context.Context) ([]*model.RemoteSubscription, error)

	// ListActiveBySiteURL は指定サイトURLの有効なリモート購読を取得する。
	ListActiveBySiteURL(ctx context.Context, siteURL string) ([]*model.RemoteSubscription, error)

	// UpdateSyncState は同期状態を更新する。
	// last_synced_at、consecutive_failure_count、is_active、last_errorを更新する。
	// subの読み込み後に購読が変更または無効化されていた場合は更新せずfalseを返す。
	UpdateSyncState(ctx context.Context, sub *model.RemoteSubscription) (bool, error)

	// SetActive は有効状態を切り替える。有効化する場合は連続失敗回数とエラーをリセットする。
	SetActive(ctx context.Context, id string, active bool) error
}

// PostRepository は記事の永続化インターフェース。
type PostRepository interface {
	// FindByID は指定IDの記事を取得する。ソフトデリート済みの記事も返す。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// Create はローカル記事を作成する。
	Create(ctx context.Context, post *model.Post) error

	// Update はローカル記事を更新する。
	Update(ctx context.Context, post *model.Post) error

	// SoftDelete は記事にdeleted_atを設定する。
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error

	// ListPublishedByCategory はカテゴリの公開中のローカル記事を作成日時の降順で取得する。
	// リモートから取り込んだ記事は含まない。offset/limitでページングし、総件数も返す。
	ListPublishedByCategory(ctx context.Context, categoryID string, offset, limit int) ([]*model.Post, int, error)

	// ListRemoteBySubscription はリモート購読で取り込んだ記事をソフトデリート済みも含めて取得する。
	ListRemoteBySubscription(ctx context.Context, remoteSubscriptionID string) ([]*model.Post, error)

	// UpsertRemote はremote_uriをキーにリモート記事を登録または更新する。
	// 既存記事のIDと作成日時は保持し、ソフトデリートは解除する。
	UpsertRemote(ctx context.Context, post *model.Post) error

	// SoftDeleteRemoteMissing はリモート購読の未削除の記事のうち、
	// keepURIsに含まれないものをソフトデリートし、件数を返す。
	SoftDeleteRemoteMissing(ctx context.Context, remoteSubscriptionID string, keepURIs []string, deletedAt time.Time) (int64, error)
}
