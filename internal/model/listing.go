package model

import "time"

// CategoryFeed はカテゴリの公開記事一覧（ページネーション付き）の表現。
// 自インスタンスが公開するレスポンスであり、リモートからの同期取得でも同じ形式を読む。
type CategoryFeed struct {
	Posts      []FeedPost      `json:"posts"`
	Pagination Pagination      `json:"pagination"`
	Blog       RemoteBlog      `json:"blog"`
	Category   FeedCategoryRef `json:"category"`
}

// FeedPost は一覧に含まれる1記事。
type FeedPost struct {
	ID               string    `json:"id"`
	URI              string    `json:"uri,omitempty"`
	Title            string    `json:"title"`
	Slug             string    `json:"slug"`
	Content          string    `json:"content"`
	Excerpt          string    `json:"excerpt"`
	CoverImage       string    `json:"coverImage"`
	CoverImageWidth  *int      `json:"coverImageWidth"`
	CoverImageHeight *int      `json:"coverImageHeight"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Pagination はページ情報。
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// FeedCategoryRef は一覧対象のカテゴリ情報。
type FeedCategoryRef struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}
