package syncworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hitoshi/fedblog/internal/content"
	"github.com/hitoshi/fedblog/internal/federation/remote"
	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/notify"
	"github.com/hitoshi/fedblog/internal/security"
)

// CategoryFetcher はリモートカテゴリの公開記事を取得するインターフェース。
type CategoryFetcher interface {
	FetchCategory(ctx context.Context, siteURL, categorySlug string) (*remote.Result, error)
}

// URLGuard は同期先URLの検証インターフェース。自インスタンスのURLも拒否する。
type URLGuard interface {
	ValidateURL(rawURL string) error
}

// SyncStateStore はリモート購読の同期状態の永続化インターフェース。
// UpdateSyncStateは、subの読み込み後に購読が管理操作で変更または無効化されていた場合は
// 更新せずfalseを返す。
type SyncStateStore interface {
	UpdateSyncState(ctx context.Context, sub *model.RemoteSubscription) (bool, error)
}

// RemotePostStore はリモート記事の永続化インターフェース。
type RemotePostStore interface {
	ListRemoteBySubscription(ctx context.Context, remoteSubscriptionID string) ([]*model.Post, error)
	UpsertRemote(ctx context.Context, post *model.Post) error
	SoftDeleteRemoteMissing(ctx context.Context, remoteSubscriptionID string, keepURIs []string, deletedAt time.Time) (int64, error)
}

// Syncer は1件のリモート購読の同期サイクルを実行する。
// 検証、取得、照合、ウォーターマーク更新の順に逐次実行する。
type Syncer struct {
	states           SyncStateStore
	posts            RemotePostStore
	fetcher          CategoryFetcher
	guard            URLGuard
	sanitizer        security.TextSanitizerService
	notifier         notify.Notifier
	metrics          metrics.MetricsCollector
	logger           *slog.Logger
	failureThreshold int
	now              func() time.Time
}

// NewSyncer はSyncerの新しいインスタンスを生成する。
// failureThresholdが0以下の場合はDefaultFailureThresholdを使用する。
func NewSyncer(
	states SyncStateStore,
	posts RemotePostStore,
	fetcher CategoryFetcher,
	guard URLGuard,
	sanitizer security.TextSanitizerService,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	failureThreshold int,
) *Syncer {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	return &Syncer{
		states:           states,
		posts:            posts,
		fetcher:          fetcher,
		guard:            guard,
		sanitizer:        sanitizer,
		notifier:         notifier,
		metrics:          collector,
		logger:           logger,
		failureThreshold: failureThreshold,
		now:              time.Now,
	}
}

// Sync はリモート購読を1回同期する。
// ピア起因の失敗は購読の状態に記録してnilを返す。ローカルストアのエラーとコンテキストの
// キャンセルはエラーとして返し、失敗回数にもウォーターマークにも反映しない。
func (s *Syncer) Sync(ctx context.Context, sub *model.RemoteSubscription) error {
	fetchStartedAt := s.now()
	log := s.logger.With(
		slog.String("subscription_id", sub.ID),
		slog.String("site_url", sub.SiteURL),
		slog.String("category", sub.RemoteCategorySlug),
	)

	// 1. 検証: 作成時に検証済みでも取得のたびに再検証する
	if err := s.guard.ValidateURL(sub.SiteURL); err != nil {
		return s.handleRejection(ctx, log, sub, err)
	}

	// 2. 取得
	result, err := s.fetcher.FetchCategory(ctx, sub.SiteURL, sub.RemoteCategorySlug)
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordSyncRun(metrics.ResultCancelled)
			return ctx.Err()
		}
		return s.handleFetchFailure(ctx, log, sub, err)
	}

	// 3. 照合
	upserted, deleted, err := s.reconcile(ctx, sub, result)
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordSyncRun(metrics.ResultCancelled)
			return ctx.Err()
		}
		s.metrics.RecordSyncRun(metrics.ResultFailure)
		return fmt.Errorf("リモート記事の照合に失敗しました: %w", err)
	}
	s.metrics.RecordPostsUpserted(upserted)
	s.metrics.RecordPostsDeleted(int(deleted))

	// 4. ウォーターマーク更新
	ApplySyncSuccess(sub, fetchStartedAt)
	applied, err := s.states.UpdateSyncState(ctx, sub)
	if err != nil {
		s.metrics.RecordSyncRun(metrics.ResultFailure)
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	s.metrics.RecordSyncRun(metrics.ResultSuccess)
	if !applied {
		logStateSkipped(log)
	}

	log.Info("リモート購読の同期が完了しました",
		slog.Int("fetched", len(result.Posts)),
		slog.Int("upserted", upserted),
		slog.Int64("deleted", deleted),
		slog.Float64("duration_ms", float64(time.Since(fetchStartedAt).Milliseconds())),
	)
	return nil
}

// handleRejection はURL検証で拒否された購読を即時に無効化する。
func (s *Syncer) handleRejection(ctx context.Context, log *slog.Logger, sub *model.RemoteSubscription, rejectErr error) error {
	reason, _ := security.ReasonOf(rejectErr)
	log.Warn("同期先URLが拒否されたためリモート購読を無効化します",
		slog.String("reason", string(reason)),
	)

	ApplySecurityRejection(sub, string(reason))
	s.metrics.RecordSyncRun(metrics.ResultRejected)
	s.metrics.RecordURLRejection(string(reason))

	applied, err := s.states.UpdateSyncState(ctx, sub)
	if err != nil {
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	if !applied {
		logStateSkipped(log)
		return nil
	}
	s.metrics.RecordDeactivation(metrics.KindRemoteSubscription)
	s.notifyDeactivated(ctx, log, sub, string(reason))
	return nil
}

// handleFetchFailure はピア起因の取得失敗を記録し、閾値に達した場合は購読を無効化する。
func (s *Syncer) handleFetchFailure(ctx context.Context, log *slog.Logger, sub *model.RemoteSubscription, fetchErr error) error {
	s.metrics.RecordSyncRun(metrics.ResultFailure)
	deactivated := ApplySyncFailure(sub, fetchErr.Error(), s.failureThreshold)

	log.Warn("リモート購読の取得に失敗しました",
		slog.Int("consecutive_failures", sub.ConsecutiveFailureCount),
		slog.String("error", fetchErr.Error()),
	)

	applied, err := s.states.UpdateSyncState(ctx, sub)
	if err != nil {
		return fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	if !applied {
		logStateSkipped(log)
		return nil
	}

	if deactivated {
		log.Warn("連続失敗が閾値に達したためリモート購読を無効化しました",
			slog.Int("threshold", s.failureThreshold),
		)
		s.metrics.RecordDeactivation(metrics.KindRemoteSubscription)
		s.notifyDeactivated(ctx, log, sub, fetchErr.Error())
	}
	return nil
}

// logStateSkipped は同期中の管理操作を優先して同期状態を書き戻さなかったことを記録する。
func logStateSkipped(log *slog.Logger) {
	log.Info("同期中にリモート購読が変更されたため同期状態の更新をスキップしました")
}

func (s *Syncer) notifyDeactivated(ctx context.Context, log *slog.Logger, sub *model.RemoteSubscription, reason string) {
	err := s.notifier.Notify(ctx, notify.EventRemoteSubscriptionDeactivated, map[string]string{
		"subscription_id": sub.ID,
		"site_url":        sub.SiteURL,
		"category":        sub.RemoteCategorySlug,
		"reason":          reason,
	})
	if err != nil {
		log.Error("無効化の通知に失敗しました", slog.String("error", err.Error()))
	}
}

// reconcile は取得した記事をローカルに反映する。
// 未取り込み、ソフトデリート済み、ウォーターマーク以降の更新、または配信元の更新日時が
// 異なる記事のみを登録・更新し、全ページ取得できた場合は取得結果にない記事をソフトデリートする。
func (s *Syncer) reconcile(ctx context.Context, sub *model.RemoteSubscription, result *remote.Result) (int, int64, error) {
	existing, err := s.posts.ListRemoteBySubscription(ctx, sub.ID)
	if err != nil {
		return 0, 0, err
	}
	byURI := lo.KeyBy(existing, func(p *model.Post) string { return p.RemoteURI })

	blog := s.blogSnapshot(sub.SiteURL, result.Blog)
	keepURIs := make([]string, 0, len(result.Posts))
	upserted := 0

	for _, fp := range result.Posts {
		if err := ctx.Err(); err != nil {
			return upserted, 0, err
		}

		uri := RemoteURI(sub.SiteURL, fp)
		keepURIs = append(keepURIs, uri)

		if !needsUpsert(byURI[uri], fp, sub) {
			continue
		}
		if err := s.posts.UpsertRemote(ctx, s.toPost(sub, blog, uri, fp)); err != nil {
			return upserted, 0, err
		}
		upserted++
	}

	if !result.Complete {
		s.logger.Warn("取得結果が一部のため欠落記事の削除をスキップしました",
			slog.String("subscription_id", sub.ID),
		)
		return upserted, 0, nil
	}

	deleted, err := s.posts.SoftDeleteRemoteMissing(ctx, sub.ID, lo.Uniq(keepURIs), s.now())
	if err != nil {
		return upserted, 0, err
	}
	return upserted, deleted, nil
}

// needsUpsert はリモート記事をローカルに登録・更新する必要があるかを判定する。
func needsUpsert(local *model.Post, fp model.FeedPost, sub *model.RemoteSubscription) bool {
	switch {
	case local == nil:
		return true
	case local.DeletedAt != nil:
		return true
	case local.CategoryID != sub.LocalCategoryID:
		return true
	case sub.LastSyncedAt == nil:
		return true
	case fp.UpdatedAt.After(*sub.LastSyncedAt):
		return true
	case local.RemoteUpdatedAt == nil:
		return !fp.UpdatedAt.IsZero()
	default:
		// PostgreSQLのタイムスタンプはマイクロ秒精度
		return !local.RemoteUpdatedAt.Equal(fp.UpdatedAt.Truncate(time.Microsecond))
	}
}

// RemoteURI はリモート記事の重複排除キーを返す。
// 配信元が自サイトと同一ホストのuriを返す場合はそれを使用し、ない場合や別ホストを指す場合は
// <サイトURL>/posts/<記事ID>とする。他のインスタンスの記事を上書きできないようにするため。
func RemoteURI(siteURL string, fp model.FeedPost) string {
	if fp.URI != "" && security.SameHost(fp.URI, siteURL) {
		return fp.URI
	}
	return strings.TrimRight(siteURL, "/") + "/posts/" + fp.ID
}

// blogSnapshot は配信元ブログ情報をサニタイズし、アバターURLを配信元基準に書き換える。
func (s *Syncer) blogSnapshot(siteURL string, reported model.RemoteBlog) model.RemoteBlog {
	return model.RemoteBlog{
		SiteURL:     siteURL,
		DisplayName: s.sanitizer.PlainText(reported.DisplayName),
		BlogTitle:   s.sanitizer.PlainText(reported.BlogTitle),
		AvatarURL:   content.RewriteURL(reported.AvatarURL, siteURL),
	}
}

// toPost はリモート記事をローカル保存用の記事に変換する。
// IDと作成日時は新規登録時のみ使用され、既存記事では保持される。
func (s *Syncer) toPost(sub *model.RemoteSubscription, blog model.RemoteBlog, uri string, fp model.FeedPost) *model.Post {
	now := s.now()
	body := content.Rewrite(fp.Content, sub.SiteURL)

	excerpt := s.sanitizer.PlainText(fp.Excerpt)
	if excerpt == "" {
		excerpt = content.Summarize(body)
	}

	title := s.sanitizer.PlainText(fp.Title)
	if title == "" {
		title = uri
	}
	slug := s.sanitizer.PlainText(fp.Slug)
	if slug == "" {
		slug = fp.ID
	}
	title = truncateRunes(title, maxTitleRunes)
	slug = truncateRunes(slug, maxSlugRunes)

	createdAt := now
	if !fp.CreatedAt.IsZero() {
		createdAt = fp.CreatedAt
	}

	snapshot := blog
	return &model.Post{
		ID:                   uuid.NewString(),
		Title:                title,
		Slug:                 slug,
		Content:              body,
		Excerpt:              excerpt,
		CoverImage:           content.RewriteURL(fp.CoverImage, sub.SiteURL),
		CoverImageWidth:      fp.CoverImageWidth,
		CoverImageHeight:     fp.CoverImageHeight,
		CategoryID:           sub.LocalCategoryID,
		Status:               model.PostStatusPublished,
		RemoteURI:            uri,
		RemoteSubscriptionID: sub.ID,
		RemoteBlog:           &snapshot,
		RemoteCreatedAt:      timePtr(fp.CreatedAt),
		RemoteUpdatedAt:      timePtr(fp.UpdatedAt),
		CreatedAt:            createdAt,
		UpdatedAt:            now,
	}
}

// postsテーブルのカラム長（文字数）
const (
	maxTitleRunes = 500
	maxSlugRunes  = 255
)

// truncateRunes は文字列を先頭からlimit文字までに切り詰める。
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isCancellation はエラーがコンテキストのキャンセルによるものかを判定する。
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
