package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fedblog/internal/model"
)

// FederationServiceInterface は公開フェデレーションAPIが必要とするサービスインターフェース。
type FederationServiceInterface interface {
	Subscribe(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error)
	Unsubscribe(ctx context.Context, subscriberID string) error
	ListCategoryFeed(ctx context.Context, slug string, page, limit int) (*model.CategoryFeed, error)
	HandleInboxEvent(ctx context.Context, event *model.FederationEvent) (int, error)
}

// FederationHandler は他インスタンス向けの公開フェデレーションAPIのHTTPハンドラー。
type FederationHandler struct {
	service FederationServiceInterface
	logger  *slog.Logger
}

// NewFederationHandler はFederationHandlerを生成する。
func NewFederationHandler(service FederationServiceInterface, logger *slog.Logger) *FederationHandler {
	return &FederationHandler{
		service: service,
		logger:  logger,
	}
}

// subscribeRequest は購読登録リクエストのボディ。
type subscribeRequest struct {
	CategoryID  string `json:"categoryId" validate:"required"`
	CallbackURL string `json:"callbackUrl" validate:"required,max=2048"`
}

// subscriberResponse は購読登録のAPIレスポンス。
type subscriberResponse struct {
	ID          string `json:"id"`
	CategoryID  string `json:"categoryId"`
	CallbackURL string `json:"callbackUrl"`
	IsActive    bool   `json:"isActive"`
	CreatedAt   string `json:"createdAt"`
}

// inboxEventRequest は受信イベントのボディ。FederationEventと同じ形式を受け付ける。
type inboxEventRequest struct {
	Event      model.EventType    `json:"event" validate:"required"`
	Post       model.PostSnapshot `json:"post"`
	CategoryID string             `json:"categoryId"`
	SiteURL    string             `json:"siteUrl" validate:"required,max=2048"`
}

// inboxResponse は受信イベントの受付結果。
type inboxResponse struct {
	Accepted  bool `json:"accepted"`
	Triggered int  `json:"triggered"`
}

// Subscribe はカテゴリの購読登録を処理する。
// POST /api/federation/subscribers
func (h *FederationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	sub, err := h.service.Subscribe(r.Context(), req.CategoryID, req.CallbackURL)
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, subscriberResponse{
		ID:          sub.ID,
		CategoryID:  sub.CategoryID,
		CallbackURL: sub.CallbackURL,
		IsActive:    sub.IsActive,
		CreatedAt:   sub.CreatedAt.UTC().Format(timeLayout),
	})
}

// Unsubscribe は購読を解除する。
// DELETE /api/federation/subscribers/{id}
func (h *FederationHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unsubscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCategoryPosts はカテゴリの公開記事一覧を返す。
// GET /api/federation/categories/{slug}/posts?page=N&limit=L
func (h *FederationHandler) ListCategoryPosts(w http.ResponseWriter, r *http.Request) {
	page, apiErr := queryInt(r, "page")
	if apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}
	limit, apiErr := queryInt(r, "limit")
	if apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	feed, err := h.service.ListCategoryFeed(r.Context(), chi.URLParam(r, "slug"), page, limit)
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, feed)
}

// Inbox はリモートインスタンスからのイベント通知を受け付ける。
// 内容は取り込まず、該当するリモート購読のプル同期を起動するのみ。
// POST /api/federation/inbox
func (h *FederationHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	var req inboxEventRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	triggered, err := h.service.HandleInboxEvent(r.Context(), &model.FederationEvent{
		Event:      req.Event,
		Post:       req.Post,
		CategoryID: req.CategoryID,
		SiteURL:    req.SiteURL,
	})
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, inboxResponse{Accepted: true, Triggered: triggered})
}

// queryInt はクエリパラメータを整数として読み取る。未指定の場合は0を返す。
func queryInt(r *http.Request, key string) (int, *model.APIError) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewInvalidRequestError(key + "は整数で指定してください")
	}
	return v, nil
}
