package syncworker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/fedblog/internal/federation/remote"
	"github.com/hitoshi/fedblog/internal/metrics"
	"github.com/hitoshi/fedblog/internal/model"
	"github.com/hitoshi/fedblog/internal/notify"
	"github.com/hitoshi/fedblog/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memPostStore はremote_uriをキーにリモート記事を保持するインメモリのRemotePostStore。
type memPostStore struct {
	mu        sync.Mutex
	byURI     map[string]*model.Post
	upserts   int
	upsertErr error
}

func newMemPostStore() *memPostStore {
	return &memPostStore{byURI: map[string]*model.Post{}}
}

func (m *memPostStore) ListRemoteBySubscription(_ context.Context, id string) ([]*model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var posts []*model.Post
	for _, p := range m.byURI {
		if p.RemoteSubscriptionID == id {
			cp := *p
			posts = append(posts, &cp)
		}
	}
	return posts, nil
}

func (m *memPostStore) UpsertRemote(_ context.Context, post *model.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	// postsテーブルのVARCHAR制約を再現する
	if utf8.RuneCountInString(post.Title) > 500 || utf8.RuneCountInString(post.Slug) > 255 {
		return fmt.Errorf("value too long for type character varying")
	}
	m.upserts++
	cp := *post
	if existing, ok := m.byURI[post.RemoteURI]; ok {
		// 配信元サイトが異なる既存記事は更新しない
		if existing.RemoteBlog != nil && post.RemoteBlog != nil && existing.RemoteBlog.SiteURL != post.RemoteBlog.SiteURL {
			return nil
		}
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	cp.DeletedAt = nil
	m.byURI[post.RemoteURI] = &cp
	return nil
}

func (m *memPostStore) SoftDeleteRemoteMissing(_ context.Context, id string, keep []string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepSet := map[string]bool{}
	for _, uri := range keep {
		keepSet[uri] = true
	}
	var n int64
	for uri, p := range m.byURI {
		if p.RemoteSubscriptionID == id && p.DeletedAt == nil && !keepSet[uri] {
			deletedAt := at
			p.DeletedAt = &deletedAt
			n++
		}
	}
	return n, nil
}

func (m *memPostStore) get(uri string) *model.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byURI[uri]
}

func (m *memPostStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byURI)
}

// mockStateStore はSyncStateStoreのテスト用モック。
// rowsを設定した場合は、有効かつUpdatedAtが一致する行だけを更新する条件付き更新を再現する。
type mockStateStore struct {
	mu      sync.Mutex
	updates []model.RemoteSubscription
	rows    map[string]*model.RemoteSubscription
	err     error
}

func (m *mockStateStore) UpdateSyncState(_ context.Context, sub *model.RemoteSubscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.rows != nil {
		cur, ok := m.rows[sub.ID]
		if !ok || !cur.IsActive || !cur.UpdatedAt.Equal(sub.UpdatedAt) {
			return false, nil
		}
		sub.UpdatedAt = cur.UpdatedAt.Add(time.Second)
		stored := *sub
		m.rows[sub.ID] = &stored
	}
	m.updates = append(m.updates, *sub)
	return true, nil
}

// put は購読の現在の行を登録し、同期に渡すスナップショットを返す。
func (m *mockStateStore) put(sub *model.RemoteSubscription) *model.RemoteSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]*model.RemoteSubscription{}
	}
	stored := *sub
	m.rows[sub.ID] = &stored
	snapshot := *sub
	return &snapshot
}

// setActive は管理APIによる有効化・無効化を再現する。有効化時は失敗状態をリセットする。
func (m *mockStateStore) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.rows[id]
	cur.IsActive = active
	if active {
		cur.ConsecutiveFailureCount = 0
		cur.LastError = ""
	}
	cur.UpdatedAt = cur.UpdatedAt.Add(time.Minute)
}

func (m *mockStateStore) row(id string) model.RemoteSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// mockFetcher はCategoryFetcherのテスト用モック。
type mockFetcher struct {
	mu      sync.Mutex
	fetchFn func(ctx context.Context, siteURL, slug string) (*remote.Result, error)
	calls   int
}

func (m *mockFetcher) FetchCategory(ctx context.Context, siteURL, slug string) (*remote.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fetchFn(ctx, siteURL, slug)
}

// mockGuard はURLGuardのテスト用モック。
type mockGuard struct {
	err error
}

func (m *mockGuard) ValidateURL(string) error {
	return m.err
}

// notification はNotifyの呼び出し記録。
type notification struct {
	event  notify.Event
	fields map[string]string
}

// mockNotifier はNotifierのテスト用モック。
type mockNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (m *mockNotifier) Notify(_ context.Context, event notify.Event, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, notification{event: event, fields: fields})
	return nil
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	mu            sync.Mutex
	syncRuns      map[string]int
	upserted      int
	deleted       int
	deactivations map[string]int
	rejections    map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		syncRuns:      map[string]int{},
		deactivations: map[string]int{},
		rejections:    map[string]int{},
	}
}

func (m *mockMetrics) RecordSyncRun(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncRuns[result]++
}

func (m *mockMetrics) RecordPostsUpserted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted += n
}

func (m *mockMetrics) RecordPostsDeleted(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted += n
}

func (m *mockMetrics) RecordDeactivation(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivations[kind]++
}

func (m *mockMetrics) RecordURLRejection(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[reason]++
}

func (m *mockMetrics) RecordDelivery(string) {}
func (m *mockMetrics) RecordDispatchDropped() {}
func (m *mockMetrics) RecordDispatchLatency(time.Duration) {}

var (
	_ RemotePostStore          = (*memPostStore)(nil)
	_ SyncStateStore           = (*mockStateStore)(nil)
	_ CategoryFetcher          = (*mockFetcher)(nil)
	_ notify.Notifier          = (*mockNotifier)(nil)
	_ metrics.MetricsCollector = (*mockMetrics)(nil)
)

// syncFixture は同期テスト用の依存一式。
type syncFixture struct {
	states   *mockStateStore
	posts    *memPostStore
	fetcher  *mockFetcher
	guard    *mockGuard
	notifier *mockNotifier
	metrics  *mockMetrics
	syncer   *Syncer
	now      time.Time
}

func newSyncFixture(result func() *remote.Result) *syncFixture {
	f := &syncFixture{
		states:   &mockStateStore{},
		posts:    newMemPostStore(),
		guard:    &mockGuard{},
		notifier: &mockNotifier{},
		metrics:  newMockMetrics(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.fetcher = &mockFetcher{fetchFn: func(context.Context, string, string) (*remote.Result, error) {
		return result(), nil
	}}

	var buf bytes.Buffer
	f.syncer = NewSyncer(
		f.states,
		f.posts,
		f.fetcher,
		f.guard,
		security.NewTextSanitizer(),
		f.notifier,
		f.metrics,
		newTestLogger(&buf),
		10,
	)
	f.syncer.now = func() time.Time { return f.now }
	return f
}
