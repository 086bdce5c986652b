// Package remote はリモートインスタンスの公開カテゴリ一覧を取得するクライアントを提供する。
// 一覧はJSON（自インスタンスが公開する形式と同じ）で取得し、
// RSS/Atomが返された場合はgofeedでパースする。
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/hitoshi/fedblog/internal/model"
)

// userAgent はフェデレーション通信で送信するUser-Agent。
const userAgent = "fedblog/1.0"

// ErrBodyTooLarge はレスポンスボディが上限を超えた場合のエラー。
var ErrBodyTooLarge = errors.New("レスポンスボディがサイズ上限を超えました")

// StatusError は2xx以外のHTTPステータスを表すエラー。
type StatusError struct {
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("リモートがHTTPステータス %d を返しました", e.StatusCode)
}

// ClientProvider はHTTPクライアントの生成インターフェース。
// 本番ではSSRF防止付きクライアント、テストでは通常のクライアントを返す。
type ClientProvider interface {
	NewSafeClient(timeout time.Duration) *http.Client
}

// Config はクライアントの取得制限を保持する。
type Config struct {
	Timeout     time.Duration // 1リクエストあたりのタイムアウト
	MaxBodySize int64         // 1レスポンスあたりの最大バイト数
	MaxPages    int           // 1回の取得で辿る最大ページ数
	PageSize    int           // 1ページあたりの記事数
}

// Result はカテゴリ一覧の取得結果。
type Result struct {
	Posts []model.FeedPost
	Blog  model.RemoteBlog
	// Complete はリモートの全ページを取得できたかを示す。
	// MaxPagesで打ち切った場合はfalseとなり、欠落記事の削除判定に使用してはならない。
	Complete bool
}

// Client はリモートインスタンスの公開カテゴリ一覧を取得する。
type Client struct {
	clients ClientProvider
	logger  *slog.Logger
	cfg     Config
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(clients ClientProvider, logger *slog.Logger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 * 1024 * 1024
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Client{clients: clients, logger: logger, cfg: cfg}
}

// CategoryPostsURL はリモートカテゴリの公開一覧エンドポイントのURLを組み立てる。
func CategoryPostsURL(siteURL, categorySlug string, page, limit int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return strings.TrimRight(siteURL, "/") +
		"/api/federation/categories/" + url.PathEscape(categorySlug) + "/posts?" + q.Encode()
}

// FetchCategory はリモートカテゴリの公開記事を全ページ取得する。
// いずれかのページの取得に失敗した場合はエラーを返し、部分的な結果は返さない。
func (c *Client) FetchCategory(ctx context.Context, siteURL, categorySlug string) (*Result, error) {
	httpClient := c.clients.NewSafeClient(c.cfg.Timeout)
	result := &Result{}

	for page := 1; page <= c.cfg.MaxPages; page++ {
		feed, isSyndication, err := c.fetchPage(ctx, httpClient, CategoryPostsURL(siteURL, categorySlug, page, c.cfg.PageSize))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		if page == 1 {
			result.Blog = feed.Blog
		}
		result.Posts = append(result.Posts, feed.Posts...)

		// RSS/Atomはページングしない
		if isSyndication || len(feed.Posts) == 0 || page >= feed.Pagination.TotalPages {
			result.Complete = true
			break
		}
	}

	if !result.Complete {
		c.logger.Warn("最大ページ数に達したため取得を打ち切りました",
			slog.String("site_url", siteURL),
			slog.String("category", categorySlug),
			slog.Int("max_pages", c.cfg.MaxPages),
		)
	}

	result.Posts = lo.UniqBy(lo.Filter(result.Posts, func(p model.FeedPost, _ int) bool {
		return p.ID != "" || p.URI != ""
	}), func(p model.FeedPost) string {
		return p.ID + "\x00" + p.URI
	})

	return result, nil
}

// fetchPage は1ページを取得してデコードする。RSS/Atomとしてパースした場合はtrueを返す。
func (c *Client) fetchPage(ctx context.Context, httpClient *http.Client, pageURL string) (*model.CategoryFeed, bool, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, application/rss+xml, application/atom+xml;q=0.9")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize+1))
	if err != nil {
		return nil, false, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBodySize {
		return nil, false, ErrBodyTooLarge
	}

	c.logger.Debug("リモート一覧を取得しました",
		slog.String("url", pageURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if isSyndicationContentType(resp.Header.Get("Content-Type")) {
		feed, err := parseSyndication(body)
		return feed, true, err
	}

	var feed model.CategoryFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, false, fmt.Errorf("一覧JSONのデコードに失敗: %w", err)
	}
	return &feed, false, nil
}

func isSyndicationContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mediaType, "xml") ||
		strings.Contains(mediaType, "rss") ||
		strings.Contains(mediaType, "atom")
}

// parseSyndication はRSS/Atomをgofeedでパースし、一覧の形式に変換する。
func parseSyndication(body []byte) (*model.CategoryFeed, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	feed := &model.CategoryFeed{
		Blog: model.RemoteBlog{
			SiteURL:   parsed.Link,
			BlogTitle: parsed.Title,
		},
	}
	if parsed.Image != nil {
		feed.Blog.AvatarURL = parsed.Image.URL
	}
	if len(parsed.Authors) > 0 && parsed.Authors[0] != nil {
		feed.Blog.DisplayName = parsed.Authors[0].Name
	}

	feed.Posts = lo.FilterMap(parsed.Items, func(item *gofeed.Item, _ int) (model.FeedPost, bool) {
		if item == nil {
			return model.FeedPost{}, false
		}
		return convertGofeedItem(item), true
	})
	feed.Pagination = model.Pagination{Page: 1, Limit: len(feed.Posts), Total: len(feed.Posts), TotalPages: 1}
	return feed, nil
}

// convertGofeedItem はgofeedの記事を一覧の記事に変換する。
func convertGofeedItem(item *gofeed.Item) model.FeedPost {
	post := model.FeedPost{
		ID:      item.GUID,
		URI:     item.Link,
		Title:   item.Title,
		Content: item.Content,
		Excerpt: item.Description,
	}

	// Contentが空の場合はDescriptionを使用
	if post.Content == "" {
		post.Content = item.Description
	}
	if post.ID == "" {
		post.ID = item.Link
	}
	if post.URI == "" && (strings.HasPrefix(post.ID, "http://") || strings.HasPrefix(post.ID, "https://")) {
		post.URI = post.ID
	}
	if u, err := url.Parse(post.URI); err == nil {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		post.Slug = segments[len(segments)-1]
	}
	if item.Image != nil {
		post.CoverImage = item.Image.URL
	}

	switch {
	case item.PublishedParsed != nil:
		post.CreatedAt = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		post.CreatedAt = *item.UpdatedParsed
	}
	post.UpdatedAt = post.CreatedAt
	if item.UpdatedParsed != nil {
		post.UpdatedAt = *item.UpdatedParsed
	}
	return post
}
