package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/hitoshi/fedblog/internal/model"
)

// timeLayout はAPIレスポンスの日時フォーマット。
const timeLayout = time.RFC3339

// RemoteSubscriptionServiceInterface はリモート購読の管理APIが必要とするサービスインターフェース。
type RemoteSubscriptionServiceInterface interface {
	CreateRemoteSubscription(ctx context.Context, siteURL, remoteCategorySlug, localCategoryID string) (*model.RemoteSubscription, error)
	ReactivateRemoteSubscription(ctx context.Context, id string) (*model.RemoteSubscription, error)
	DeactivateRemoteSubscription(ctx context.Context, id string) error
	ListRemoteSubscriptions(ctx context.Context) ([]*model.RemoteSubscription, error)
}

// AdminHandler はリモート購読の管理APIのHTTPハンドラー。
type AdminHandler struct {
	service RemoteSubscriptionServiceInterface
	logger  *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service RemoteSubscriptionServiceInterface, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger,
	}
}

// createRemoteSubscriptionRequest はリモート購読作成リクエストのボディ。
type createRemoteSubscriptionRequest struct {
	SiteURL            string `json:"siteUrl" validate:"required,max=2048"`
	RemoteCategorySlug string `json:"remoteCategorySlug" validate:"required,max=200"`
	LocalCategoryID    string `json:"localCategoryId" validate:"required"`
}

// remoteSubscriptionResponse はリモート購読のAPIレスポンス。
type remoteSubscriptionResponse struct {
	ID                      string  `json:"id"`
	SiteURL                 string  `json:"siteUrl"`
	RemoteCategorySlug      string  `json:"remoteCategorySlug"`
	LocalCategoryID         string  `json:"localCategoryId"`
	LastSyncedAt            *string `json:"lastSyncedAt"`
	ConsecutiveFailureCount int     `json:"consecutiveFailureCount"`
	IsActive                bool    `json:"isActive"`
	LastError               string  `json:"lastError,omitempty"`
	CreatedAt               string  `json:"createdAt"`
	UpdatedAt               string  `json:"updatedAt"`
}

// ListRemoteSubscriptions はリモート購読の一覧を返す。
// GET /api/federation/remote-subscriptions
func (h *AdminHandler) ListRemoteSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.service.ListRemoteSubscriptions(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(subs, func(sub *model.RemoteSubscription, _ int) remoteSubscriptionResponse {
		return toRemoteSubscriptionResponse(sub)
	}))
}

// CreateRemoteSubscription はリモート購読を作成する。
// POST /api/federation/remote-subscriptions
func (h *AdminHandler) CreateRemoteSubscription(w http.ResponseWriter, r *http.Request) {
	var req createRemoteSubscriptionRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		handleServiceError(w, h.logger, r, apiErr)
		return
	}

	sub, err := h.service.CreateRemoteSubscription(r.Context(), req.SiteURL, req.RemoteCategorySlug, req.LocalCategoryID)
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRemoteSubscriptionResponse(sub))
}

// ReactivateRemoteSubscription は停止中のリモート購読を再開する。
// POST /api/federation/remote-subscriptions/{id}/reactivate
func (h *AdminHandler) ReactivateRemoteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.ReactivateRemoteSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRemoteSubscriptionResponse(sub))
}

// DeactivateRemoteSubscription はリモート購読を停止する。
// DELETE /api/federation/remote-subscriptions/{id}
func (h *AdminHandler) DeactivateRemoteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateRemoteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toRemoteSubscriptionResponse はmodel.RemoteSubscriptionからAPIレスポンスに変換する。
func toRemoteSubscriptionResponse(sub *model.RemoteSubscription) remoteSubscriptionResponse {
	resp := remoteSubscriptionResponse{
		ID:                      sub.ID,
		SiteURL:                 sub.SiteURL,
		RemoteCategorySlug:      sub.RemoteCategorySlug,
		LocalCategoryID:         sub.LocalCategoryID,
		ConsecutiveFailureCount: sub.ConsecutiveFailureCount,
		IsActive:                sub.IsActive,
		LastError:               sub.LastError,
		CreatedAt:               sub.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:               sub.UpdatedAt.UTC().Format(timeLayout),
	}
	if sub.LastSyncedAt != nil {
		resp.LastSyncedAt = lo.ToPtr(sub.LastSyncedAt.UTC().Format(timeLayout))
	}
	return resp
}
