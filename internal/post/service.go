// Package post はローカル記事の作成・更新・削除のドメインロジックを提供する。
// 書き込みの確定後に、公開状態の遷移に応じたフェデレーションイベントを配信キューへ渡す。
package post

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedblog/internal/content"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/repository"
)

// EventDispatcher はフェデレーションイベントの配信インターフェース。
// 呼び出しはブロックせず、配信結果は呼び出し元に返らない。
type EventDispatcher interface {
	Dispatch(event model.EventType, post *model.Post, categoryID string) bool
}

// Input はローカル記事の作成・更新内容。
type Input struct {
	Title            string
	Slug             string
	Content          string
	Excerpt          string
	CoverImage       string
	CoverImageWidth  *int
	CoverImageHeight *int
	CategoryID       string
	Status           model.PostStatus
}

// Service はローカル記事のサービス層。
type Service struct {
	posts      repository.PostRepository
	categories repository.CategoryRepository
	dispatcher EventDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	posts repository.PostRepository,
	categories repository.CategoryRepository,
	dispatcher EventDispatcher,
	logger *slog.Logger,
) *Service {
	return &Service{
		posts:      posts,
		categories: categories,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Create はローカル記事を作成する。公開状態でカテゴリに属する場合はpost.createdを配信する。
func (s *Service) Create(ctx context.Context, in Input) (*model.Post, error) {
	if err := s.validate(ctx, &in); err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Post{ID: uuid.NewString(), CreatedAt: now}
	apply(p, in, now)

	if err := s.posts.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("記事の作成に失敗しました: %w", err)
	}

	s.logger.Info("記事を作成しました",
		slog.String("post_id", p.ID),
		slog.String("status", string(p.Status)),
	)
	if p.IsPublished() {
		s.dispatch(model.EventPostCreated, p, p.CategoryID)
	}
	return p, nil
}

// Update はローカル記事を更新する。リモート記事はREMOTE_POST_READ_ONLYで拒否する。
// 公開状態の遷移とカテゴリの変更に応じて、旧カテゴリへpost.deleted、
// 新カテゴリへpost.createdまたはpost.updatedを配信する。
func (s *Service) Update(ctx context.Context, id string, in Input) (*model.Post, error) {
	current, err := s.findLocal(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, &in); err != nil {
		return nil, err
	}

	wasPublished := current.IsPublished()
	oldCategoryID := current.CategoryID

	updated := *current
	apply(&updated, in, s.now())
	if err := s.posts.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("記事の更新に失敗しました: %w", err)
	}

	s.logger.Info("記事を更新しました",
		slog.String("post_id", updated.ID),
		slog.String("status", string(updated.Status)),
	)

	nowPublished := updated.IsPublished()
	switch {
	case wasPublished && nowPublished && oldCategoryID == updated.CategoryID:
		s.dispatch(model.EventPostUpdated, &updated, updated.CategoryID)
	default:
		if wasPublished {
			s.dispatch(model.EventPostDeleted, &updated, oldCategoryID)
		}
		if nowPublished {
			s.dispatch(model.EventPostCreated, &updated, updated.CategoryID)
		}
	}
	return &updated, nil
}

// Delete はローカル記事をソフトデリートする。公開中だった場合はpost.deletedを配信する。
func (s *Service) Delete(ctx context.Context, id string) error {
	current, err := s.findLocal(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.posts.SoftDelete(ctx, current.ID, now); err != nil {
		return fmt.Errorf("記事の削除に失敗しました: %w", err)
	}

	s.logger.Info("記事を削除しました", slog.String("post_id", current.ID))
	if current.IsPublished() {
		deleted := *current
		deleted.DeletedAt = &now
		deleted.UpdatedAt = now
		s.dispatch(model.EventPostDeleted, &deleted, current.CategoryID)
	}
	return nil
}

// findLocal は未削除のローカル記事を取得する。
func (s *Service) findLocal(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewPostNotFoundError(id)
	}
	p, err := s.posts.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	if p == nil || p.DeletedAt != nil {
		return nil, model.NewPostNotFoundError(id)
	}
	if p.IsRemote() {
		return nil, model.NewRemotePostReadOnlyError()
	}
	return p, nil
}

// validate は入力を検証し、省略された項目を補完する。
func (s *Service) validate(ctx context.Context, in *Input) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Slug = strings.TrimSpace(in.Slug)
	if in.Title == "" {
		return model.NewInvalidRequestError("title は必須です")
	}
	if in.Slug == "" {
		return model.NewInvalidRequestError("slug は必須です")
	}
	switch in.Status {
	case "":
		in.Status = model.PostStatusDraft
	case model.PostStatusDraft, model.PostStatusPublished:
	default:
		return model.NewInvalidRequestError(fmt.Sprintf("status が不正です: %s", in.Status))
	}
	if strings.TrimSpace(in.Excerpt) == "" {
		in.Excerpt = content.Summarize(in.Content)
	}

	if in.CategoryID == "" {
		return nil
	}
	if _, err := uuid.Parse(in.CategoryID); err != nil {
		return model.NewCategoryNotFoundError(in.CategoryID)
	}
	category, err := s.categories.FindByID(ctx, in.CategoryID)
	if err != nil {
		return fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
	if category == nil {
		return model.NewCategoryNotFoundError(in.CategoryID)
	}
	return nil
}

// dispatch はカテゴリに属する記事のイベントを配信キューへ渡す。
func (s *Service) dispatch(event model.EventType, p *model.Post, categoryID string) {
	if categoryID == "" {
		return
	}
	if !s.dispatcher.Dispatch(event, p, categoryID) {
		s.logger.Warn("フェデレーションイベントを配信キューに積めませんでした",
			slog.String("event", string(event)),
			slog.String("post_id", p.ID),
		)
	}
}

func apply(p *model.Post, in Input, now time.Time) {
	p.Title = in.Title
	p.Slug = in.Slug
	p.Content = in.Content
	p.Excerpt = in.Excerpt
	p.CoverImage = in.CoverImage
	p.CoverImageWidth = in.CoverImageWidth
	p.CoverImageHeight = in.CoverImageHeight
	p.CategoryID = in.CategoryID
	p.Status = in.Status
	p.UpdatedAt = now
}
