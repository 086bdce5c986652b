package model

import "time"

// PostStatus は記事の公開状態を表す。
type PostStatus string

const (
	// PostStatusDraft は下書き状態。
	PostStatusDraft PostStatus = "draft"
	// PostStatusPublished は公開状態。
	PostStatusPublished PostStatus = "published"
)

// Post はブログ記事を表す。
// RemoteURIが設定されている記事はフェデレーションで取り込まれたリモート記事であり、
// 同期パイプラインが所有する。ローカルの編集操作からは変更できない。
type Post struct {
	ID               string
	Title            string
	Slug             string
	Content          string // Markdown（HTMLを含む場合がある）
	Excerpt          string
	CoverImage       string
	CoverImageWidth  *int
	CoverImageHeight *int
	CategoryID       string
	Status           PostStatus

	// リモート記事の出自情報
	RemoteURI            string
	RemoteSubscriptionID string
	RemoteBlog           *RemoteBlog
	RemoteCreatedAt      *time.Time
	RemoteUpdatedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time // ソフトデリート日時
}

// IsRemote は記事がリモートから取り込まれたものかを返す。
func (p *Post) IsRemote() bool {
	return p.RemoteURI != ""
}

// IsPublished は記事が公開中（公開状態かつ未削除）かを返す。
func (p *Post) IsPublished() bool {
	return p.Status == PostStatusPublished && p.DeletedAt == nil
}

// RemoteBlog は取り込み時点のリモートブログ情報のスナップショット。
// 表示のたびにリモートへ問い合わせないよう非正規化して保持する。
type RemoteBlog struct {
	SiteURL     string `json:"siteUrl"`
	DisplayName string `json:"displayName"`
	BlogTitle   string `json:"blogTitle"`
	AvatarURL   string `json:"avatarUrl"`
}
