package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/post"
)

// --- モック定義 ---

// mockFederationService はFederationServiceInterfaceのモック実装。
type mockFederationService struct {
	subscribeFn        func(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error)
	unsubscribeFn      func(ctx context.Context, subscriberID string) error
	listCategoryFeedFn func(ctx context.Context, slug string, page, limit int) (*model.CategoryFeed, error)
	handleInboxEventFn func(ctx context.Context, event *model.FederationEvent) (int, error)
}

func (m *mockFederationService) Subscribe(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error) {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, categoryID, callbackURL)
	}
	return nil, errors.New("not implemented")
}

func (m *mockFederationService) Unsubscribe(ctx context.Context, subscriberID string) error {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, subscriberID)
	}
	return nil
}

func (m *mockFederationService) ListCategoryFeed(ctx context.Context, slug string, page, limit int) (*model.CategoryFeed, error) {
	if m.listCategoryFeedFn != nil {
		return m.listCategoryFeedFn(ctx, slug, page, limit)
	}
	return nil, errors.New("not implemented")
}

func (m *mockFederationService) HandleInboxEvent(ctx context.Context, event *model.FederationEvent) (int, error) {
	if m.handleInboxEventFn != nil {
		return m.handleInboxEventFn(ctx, event)
	}
	return 0, nil
}

// mockRemoteSubscriptionService はRemoteSubscriptionServiceInterfaceのモック実装。
type mockRemoteSubscriptionService struct {
	createFn     func(ctx context.Context, siteURL, slug, localCategoryID string) (*model.RemoteSubscription, error)
	reactivateFn func(ctx context.Context, id string) (*model.RemoteSubscription, error)
	deactivateFn func(ctx context.Context, id string) error
	listFn       func(ctx context.Context) ([]*model.RemoteSubscription, error)
}

func (m *mockRemoteSubscriptionService) CreateRemoteSubscription(ctx context.Context, siteURL, slug, localCategoryID string) (*model.RemoteSubscription, error) {
	if m.createFn != nil {
		return m.createFn(ctx, siteURL, slug, localCategoryID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRemoteSubscriptionService) ReactivateRemoteSubscription(ctx context.Context, id string) (*model.RemoteSubscription, error) {
	if m.reactivateFn != nil {
		return m.reactivateFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRemoteSubscriptionService) DeactivateRemoteSubscription(ctx context.Context, id string) error {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, id)
	}
	return nil
}

func (m *mockRemoteSubscriptionService) ListRemoteSubscriptions(ctx context.Context) ([]*model.RemoteSubscription, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

// mockPostService はPostServiceInterfaceのモック実装。
type mockPostService struct {
	createFn func(ctx context.Context, in post.Input) (*model.Post, error)
	updateFn func(ctx context.Context, id string, in post.Input) (*model.Post, error)
	deleteFn func(ctx context.Context, id string) error
}

func (m *mockPostService) Create(ctx context.Context, in post.Input) (*model.Post, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPostService) Update(ctx context.Context, id string, in post.Input) (*model.Post, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPostService) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

// mockPinger はPingerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストヘルパー ---

const testAdminToken = "admin-secret"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestRouter は管理トークン付きのルーターを構築する。
func newTestRouter(fed *mockFederationService, remote *mockRemoteSubscriptionService, posts *mockPostService) http.Handler {
	var buf bytes.Buffer
	return NewRouter(&RouterDeps{
		Logger:              newTestLogger(&buf),
		DB:                  &mockPinger{},
		MetricsHandler:      http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		Federation:          fed,
		AdminToken:          testAdminToken,
		RemoteSubscriptions: remote,
		Posts:               posts,
	})
}

func doRequest(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func adminRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	return doRequest(h, method, path, body, "Authorization", "Bearer "+testAdminToken)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
