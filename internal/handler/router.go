package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/fedblog/internal/middleware"
)

// defaultMaxBodyBytes はリクエストボディの既定の上限。
const defaultMaxBodyBytes int64 = 1 << 20

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ヘルスチェック・メトリクス
	DB             Pinger
	MetricsHandler http.Handler

	// 公開フェデレーションAPI。RateLimiterは購読登録、InboxRateLimiterはイベント受信に適用する
	Federation       FederationServiceInterface
	RateLimiter      *middleware.RateLimiter
	InboxRateLimiter *middleware.RateLimiter

	// 管理API。AdminTokenが空の場合はマウントしない
	AdminToken          string
	RemoteSubscriptions RemoteSubscriptionServiceInterface
	Posts               PostServiceInterface

	MaxBodyBytes int64
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → SecurityHeaders → Logging → BodyLimit
//
// 購読登録とイベント受信には追加でクライアントIP単位のレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RequestID)
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewBodyLimitMiddleware(maxBody))

	if deps.DB != nil {
		r.Get("/health", NewHealthHandler(deps.DB, logger))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	fedHandler := NewFederationHandler(deps.Federation, logger)

	r.Route("/api/federation", func(r chi.Router) {
		r.Route("/subscribers", func(r chi.Router) {
			limited(r, deps.RateLimiter).Post("/", fedHandler.Subscribe)
			r.Delete("/{id}", fedHandler.Unsubscribe)
		})
		r.Get("/categories/{slug}/posts", fedHandler.ListCategoryPosts)
		limited(r, deps.InboxRateLimiter).Post("/inbox", fedHandler.Inbox)

		// --- 管理API ---
		if deps.AdminToken != "" && deps.RemoteSubscriptions != nil {
			adminHandler := NewAdminHandler(deps.RemoteSubscriptions, logger)
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))
				r.Route("/remote-subscriptions", func(r chi.Router) {
					r.Get("/", adminHandler.ListRemoteSubscriptions)
					r.Post("/", adminHandler.CreateRemoteSubscription)
					r.Post("/{id}/reactivate", adminHandler.ReactivateRemoteSubscription)
					r.Delete("/{id}", adminHandler.DeactivateRemoteSubscription)
				})
			})
		}
	})

	if deps.AdminToken != "" && deps.Posts != nil {
		postHandler := NewPostHandler(deps.Posts, logger)
		r.Route("/api/posts", func(r chi.Router) {
			r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))
			r.Post("/", postHandler.CreatePost)
			r.Put("/{id}", postHandler.UpdatePost)
			r.Delete("/{id}", postHandler.DeletePost)
		})
	}

	return r
}

// limited はレートリミッターが設定されていればそのミドルウェアを適用したルーターを返す。
func limited(r chi.Router, rl *middleware.RateLimiter) chi.Router {
	if rl == nil {
		return r
	}
	return r.With(rl.Middleware())
}
