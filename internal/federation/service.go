// Package federation はカテゴリ購読のフェデレーションに関するドメインロジックを提供する。
// 受信側購読（購読者）の登録・解除、送信側購読（リモート購読）のライフサイクル、
// 購読元へ公開するカテゴリ一覧、受信イベントによる同期要求を扱う。
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/notify"
	"github.com/hitoshi/fedblog/internal/repository"
	"github.com/hitoshi/fedblog/internal/security"
)

// 一覧のページサイズ
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// URLGuard はリモートURLの検証インターフェース。自インスタンスのURLも拒否する。
type URLGuard interface {
	ValidateURL(rawURL string) error
}

// SyncTrigger はサイト単位の同期要求インターフェース。ブロックしてはならない。
type SyncTrigger interface {
	Trigger(siteURL string) bool
}

// nopTrigger は同期ワーカーを起動しない構成で使用するSyncTrigger。
type nopTrigger struct{}

func (nopTrigger) Trigger(string) bool { return false }

// Service はフェデレーションのサービス層。
type Service struct {
	categories  repository.CategoryRepository
	subscribers repository.SubscriberRepository
	remoteSubs  repository.RemoteSubscriptionRepository
	posts       repository.PostRepository
	guard       URLGuard
	trigger     SyncTrigger
	notifier    notify.Notifier
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	blog        model.RemoteBlog
}

// NewService はServiceの新しいインスタンスを生成する。
// blogは購読元へ公開する自インスタンスのブログ情報。triggerがnilの場合は同期要求を行わない。
func NewService(
	categories repository.CategoryRepository,
	subscribers repository.SubscriberRepository,
	remoteSubs repository.RemoteSubscriptionRepository,
	posts repository.PostRepository,
	guard URLGuard,
	trigger SyncTrigger,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	blog model.RemoteBlog,
) *Service {
	if trigger == nil {
		trigger = nopTrigger{}
	}
	blog.SiteURL = NormalizeSiteURL(blog.SiteURL)
	return &Service{
		categories:  categories,
		subscribers: subscribers,
		remoteSubs:  remoteSubs,
		posts:       posts,
		guard:       guard,
		trigger:     trigger,
		notifier:    notifier,
		metrics:     collector,
		logger:      logger,
		blog:        blog,
	}
}

// NormalizeSiteURL はサイトURLを比較・保存用に正規化する。
// スキームとホストを小文字化し、末尾のスラッシュ、クエリ、フラグメントを除去する。
func NormalizeSiteURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.TrimRight(trimmed, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Subscribe は自インスタンスのカテゴリに購読者を登録する。
// コールバックURLは登録前に検証し、同一カテゴリ・同一URLの有効な購読は重複登録しない。
func (s *Service) Subscribe(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error) {
	callbackURL = strings.TrimSpace(callbackURL)
	if err := s.validateURL(callbackURL); err != nil {
		return nil, err
	}

	category, err := s.findCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	existing, err := s.subscribers.FindActiveByCallback(ctx, category.ID, callbackURL)
	if err != nil {
		return nil, fmt.Errorf("既存購読の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateSubscriptionError()
	}

	now := time.Now()
	sub := &model.Subscriber{
		ID:          uuid.NewString(),
		CategoryID:  category.ID,
		CallbackURL: callbackURL,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subscribers.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	s.logger.Info("購読者を登録しました",
		slog.String("subscriber_id", sub.ID),
		slog.String("category_id", sub.CategoryID),
		slog.String("callback_url", sub.CallbackURL),
	)
	s.notify(ctx, notify.EventSubscriberCreated, map[string]string{
		"subscriber_id": sub.ID,
		"category":      category.Slug,
		"callback_url":  sub.CallbackURL,
	})
	return sub, nil
}

// Unsubscribe は購読者を無効化する。配信履歴を保持するため物理削除は行わない。
// 既に無効化されている場合も成功とする。
func (s *Service) Unsubscribe(ctx context.Context, subscriberID string) error {
	if !isUUID(subscriberID) {
		return model.NewSubscriberNotFoundError(subscriberID)
	}
	sub, err := s.subscribers.FindByID(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return model.NewSubscriberNotFoundError(subscriberID)
	}
	if !sub.IsActive {
		return nil
	}

	if err := s.subscribers.Deactivate(ctx, subscriberID); err != nil {
		return fmt.Errorf("購読の解除に失敗しました: %w", err)
	}

	s.logger.Info("購読者を解除しました",
		slog.String("subscriber_id", sub.ID),
		slog.String("category_id", sub.CategoryID),
	)
	s.notify(ctx, notify.EventSubscriberDeactivated, map[string]string{
		"subscriber_id": sub.ID,
		"category_id":   sub.CategoryID,
		"callback_url":  sub.CallbackURL,
		"reason":        "unsubscribed",
	})
	return nil
}

// CreateRemoteSubscription はリモートインスタンスのカテゴリを取り込むリモート購読を作成する。
// 作成後は同期ワーカーに即時の同期を要求する。
func (s *Service) CreateRemoteSubscription(ctx context.Context, siteURL, remoteCategorySlug, localCategoryID string) (*model.RemoteSubscription, error) {
	if err := s.validateURL(siteURL); err != nil {
		return nil, err
	}
	siteURL = NormalizeSiteURL(siteURL)
	remoteCategorySlug = strings.TrimSpace(remoteCategorySlug)
	if remoteCategorySlug == "" {
		return nil, model.NewInvalidRequestError("remoteCategorySlug は必須です")
	}

	category, err := s.findCategory(ctx, localCategoryID)
	if err != nil {
		return nil, err
	}

	existing, err := s.remoteSubs.FindBySource(ctx, siteURL, remoteCategorySlug, category.ID)
	if err != nil {
		return nil, fmt.Errorf("既存リモート購読の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateSubscriptionError()
	}

	now := time.Now()
	sub := &model.RemoteSubscription{
		ID:                 uuid.NewString(),
		SiteURL:            siteURL,
		RemoteCategorySlug: remoteCategorySlug,
		LocalCategoryID:    category.ID,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.remoteSubs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("リモート購読の作成に失敗しました: %w", err)
	}

	s.logger.Info("リモート購読を作成しました",
		slog.String("subscription_id", sub.ID),
		slog.String("site_url", sub.SiteURL),
		slog.String("category", sub.RemoteCategorySlug),
	)
	s.notify(ctx, notify.EventRemoteSubscriptionCreated, remoteFields(sub))
	s.trigger.Trigger(sub.SiteURL)
	return sub, nil
}

// ReactivateRemoteSubscription は無効化されたリモート購読を再開する。
// URLを再検証し、連続失敗回数とエラーをリセットする。
func (s *Service) ReactivateRemoteSubscription(ctx context.Context, id string) (*model.RemoteSubscription, error) {
	sub, err := s.findRemoteSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validateURL(sub.SiteURL); err != nil {
		return nil, err
	}

	if err := s.remoteSubs.SetActive(ctx, sub.ID, true); err != nil {
		return nil, fmt.Errorf("リモート購読の再開に失敗しました: %w", err)
	}
	sub.IsActive = true
	sub.ConsecutiveFailureCount = 0
	sub.LastError = ""

	s.logger.Info("リモート購読を再開しました",
		slog.String("subscription_id", sub.ID),
		slog.String("site_url", sub.SiteURL),
	)
	s.notify(ctx, notify.EventRemoteSubscriptionReactivated, remoteFields(sub))
	s.trigger.Trigger(sub.SiteURL)
	return sub, nil
}

// DeactivateRemoteSubscription はリモート購読を停止する。取り込み済みの記事は削除しない。
func (s *Service) DeactivateRemoteSubscription(ctx context.Context, id string) error {
	sub, err := s.findRemoteSubscription(ctx, id)
	if err != nil {
		return err
	}
	if !sub.IsActive {
		return nil
	}

	if err := s.remoteSubs.SetActive(ctx, sub.ID, false); err != nil {
		return fmt.Errorf("リモート購読の停止に失敗しました: %w", err)
	}

	s.logger.Info("リモート購読を停止しました",
		slog.String("subscription_id", sub.ID),
		slog.String("site_url", sub.SiteURL),
	)
	fields := remoteFields(sub)
	fields["reason"] = "deactivated by admin"
	s.notify(ctx, notify.EventRemoteSubscriptionDeactivated, fields)
	return nil
}

// ListRemoteSubscriptions はリモート購読の一覧を返す。
func (s *Service) ListRemoteSubscriptions(ctx context.Context) ([]*model.RemoteSubscription, error) {
	subs, err := s.remoteSubs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("リモート購読一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// ListCategoryFeed は購読元へ公開するカテゴリの記事一覧を返す。
// 公開中かつ未削除のローカル記事のみを含み、リモートから取り込んだ記事は再配信しない。
func (s *Service) ListCategoryFeed(ctx context.Context, slug string, page, limit int) (*model.CategoryFeed, error) {
	category, err := s.categories.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
	if category == nil {
		return nil, model.NewCategoryNotFoundError(slug)
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	posts, total, err := s.posts.ListPublishedByCategory(ctx, category.ID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	feed := &model.CategoryFeed{
		Posts: make([]model.FeedPost, 0, len(posts)),
		Pagination: model.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
		Blog: s.blog,
		Category: model.FeedCategoryRef{
			ID:   category.ID,
			Slug: category.Slug,
			Name: category.Name,
		},
	}
	for _, p := range posts {
		feed.Posts = append(feed.Posts, model.FeedPost{
			ID:               p.ID,
			URI:              s.blog.SiteURL + "/posts/" + p.ID,
			Title:            p.Title,
			Slug:             p.Slug,
			Content:          p.Content,
			Excerpt:          p.Excerpt,
			CoverImage:       p.CoverImage,
			CoverImageWidth:  p.CoverImageWidth,
			CoverImageHeight: p.CoverImageHeight,
			CreatedAt:        p.CreatedAt,
			UpdatedAt:        p.UpdatedAt,
		})
	}
	return feed, nil
}

// HandleInboxEvent はリモートから受信したイベントを同期要求として扱う。
// 受信内容は信頼せず直接取り込まない。送信元サイトの有効なリモート購読について
// プル同期を要求し、一致したリモート購読の件数を返す。
func (s *Service) HandleInboxEvent(ctx context.Context, event *model.FederationEvent) (int, error) {
	if !event.Event.Valid() {
		return 0, model.NewInvalidRequestError(fmt.Sprintf("未知のイベント種別です: %s", event.Event))
	}
	if err := s.validateURL(event.SiteURL); err != nil {
		return 0, err
	}

	siteURL := NormalizeSiteURL(event.SiteURL)
	subs, err := s.remoteSubs.ListActiveBySiteURL(ctx, siteURL)
	if err != nil {
		return 0, fmt.Errorf("リモート購読の取得に失敗しました: %w", err)
	}
	if len(subs) == 0 {
		s.logger.Info("購読していないサイトからのイベントを無視しました",
			slog.String("site_url", siteURL),
			slog.String("event", string(event.Event)),
		)
		return 0, nil
	}

	s.trigger.Trigger(siteURL)
	s.logger.Info("受信イベントにより同期を要求しました",
		slog.String("site_url", siteURL),
		slog.String("event", string(event.Event)),
		slog.String("post_id", event.Post.ID),
		slog.Int("subscription_count", len(subs)),
	)
	return len(subs), nil
}

// validateURL はURLを検証し、拒否された場合はAPIエラーに変換する。
// 形式エラーはINVALID_URL、それ以外の拒否はURL_REJECTEDとして拒否理由を付与する。
func (s *Service) validateURL(rawURL string) error {
	err := s.guard.ValidateURL(rawURL)
	if err == nil {
		return nil
	}

	reason, ok := security.ReasonOf(err)
	if !ok {
		return fmt.Errorf("URLの検証に失敗しました: %w", err)
	}
	s.metrics.RecordURLRejection(string(reason))
	s.logger.Warn("URLが拒否されました",
		slog.String("url", rawURL),
		slog.String("reason", string(reason)),
	)

	if reason == security.ReasonInvalidURLFormat {
		return model.NewInvalidURLError(err.Error())
	}
	return model.NewURLRejectedError(string(reason))
}

func (s *Service) findCategory(ctx context.Context, id string) (*model.Category, error) {
	if !isUUID(id) {
		return nil, model.NewCategoryNotFoundError(id)
	}
	category, err := s.categories.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
	if category == nil {
		return nil, model.NewCategoryNotFoundError(id)
	}
	return category, nil
}

func (s *Service) findRemoteSubscription(ctx context.Context, id string) (*model.RemoteSubscription, error) {
	if !isUUID(id) {
		return nil, model.NewRemoteSubscriptionNotFoundError(id)
	}
	sub, err := s.remoteSubs.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("リモート購読の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return nil, model.NewRemoteSubscriptionNotFoundError(id)
	}
	return sub, nil
}

// notify は通知を送信する。通知の失敗はログのみとし、呼び出し元の処理には影響させない。
func (s *Service) notify(ctx context.Context, event notify.Event, fields map[string]string) {
	if err := s.notifier.Notify(ctx, event, fields); err != nil {
		s.logger.Error("通知の送信に失敗しました",
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}

func remoteFields(sub *model.RemoteSubscription) map[string]string {
	return map[string]string{
		"subscription_id": sub.ID,
		"site_url":        sub.SiteURL,
		"category":        sub.RemoteCategorySlug,
	}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
