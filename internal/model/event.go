package model

import "time"

// EventType はフェデレーションイベントの種別。
type EventType string

const (
	EventPostCreated EventType = "post.created"
	EventPostUpdated EventType = "post.updated"
	EventPostDeleted EventType = "post.deleted"
)

// Valid はイベント種別が既知の値かを返す。
func (e EventType) Valid() bool {
	switch e {
	case EventPostCreated, EventPostUpdated, EventPostDeleted:
		return true
	}
	return false
}

// FederationEvent は購読者のコールバックURLへPOSTするペイロード。
// 配信ごとに生成され、永続化しない。
type FederationEvent struct {
	Event      EventType    `json:"event"`
	Post       PostSnapshot `json:"post"`
	CategoryID string       `json:"categoryId"`
	SiteURL    string       `json:"siteUrl"`
}

// PostSnapshot は記事の公開フィールドのスナップショット。
type PostSnapshot struct {
	ID               string    `json:"id"`
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

// NewPostSnapshot は記事から公開フィールドのスナップショットを生成する。
func NewPostSnapshot(p *Post) PostSnapshot {
	return PostSnapshot{
		ID:               p.ID,
		Title:            p.Title,
		Slug:             p.Slug,
		Content:          p.Content,
		Excerpt:          p.Excerpt,
		CoverImage:       p.CoverImage,
		CoverImageWidth:  p.CoverImageWidth,
		CoverImageHeight: p.CoverImageHeight,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}
