package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/post"
)

// PostServiceInterface はローカル記事の管理APIが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Create(ctx context.Context, in post.Input) (*model.Post, error)
	Update(ctx context.Context, id string, in post.Input) (*model.Post, error)
	Delete(ctx context.Context, id string) error
}

// PostHandler はローカル記事の管理APIのHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, logger *slog.Logger) *PostHandler {
	return &PostHandler{
		service: service,
		logger:  logger,
	}
}

// postRequest は記事の作成・更新リクエストのボディ。
type postRequest struct {
	Title            string `json:"title" validate:"required,max=300"`
	Slug             string `json:"slug" validate:"required,max=200"`
	Content          string `json:"content"`
	Excerpt          string `json:"excerpt" validate:"max=1000"`
	CoverImage       string `json:"coverImage" validate:"max=2048"`
	CoverImageWidth  *int   `json:"coverImageWidth" validate:"omitempty,gt=0"`
	CoverImageHeight *int   `json:"coverImageHeight" validate:"omitempty,gt=0"`
	CategoryID       string `json:"categoryId"`
	Status           string `json:"status" validate:"omitempty,oneof=draft published"`
}

// postResponse は記事のAPIレスポンス。
type postResponse struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Slug             string  `json:"slug"`
	Content          string  `json:"content"`
	Excerpt          string  `json:"excerpt"`
	CoverImage       string  `json:"coverImage"`
	CoverImageWidth  *int    `json:"coverImageWidth"`
	CoverImageHeight *int    `json:"coverImageHeight"`
	CategoryID       *string `json:"categoryId"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

// CreatePost はローカル記事を作成する。
// POST /api/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	p, err := h.service.Create(r.Context(), req.toInput())
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(p))
}

// UpdatePost はローカル記事を更新する。
// PUT /api/posts/{id}
func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	p, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(p))
}

// DeletePost はローカル記事をソフトデリートする。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req postRequest) toInput() post.Input {
	return post.Input{
		Title:            req.Title,
		Slug:             req.Slug,
		Content:          req.Content,
		Excerpt:          req.Excerpt,
		CoverImage:       req.CoverImage,
		CoverImageWidth:  req.CoverImageWidth,
		CoverImageHeight: req.CoverImageHeight,
		CategoryID:       req.CategoryID,
		Status:           model.PostStatus(req.Status),
	}
}

// toPostResponse はmodel.PostからAPIレスポンスに変換する。
func toPostResponse(p *model.Post) postResponse {
	resp := postResponse{
		ID:               p.ID,
		Title:            p.Title,
		Slug:             p.Slug,
		Content:          p.Content,
		Excerpt:          p.Excerpt,
		CoverImage:       p.CoverImage,
		CoverImageWidth:  p.CoverImageWidth,
		CoverImageHeight: p.CoverImageHeight,
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:        p.UpdatedAt.UTC().Format(timeLayout),
	}
	if p.CategoryID != "" {
		resp.CategoryID = &p.CategoryID
	}
	return resp
}
