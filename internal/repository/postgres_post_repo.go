package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/fedblog/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した記事リポジトリ。
// 条件が可変のクエリはsquirrelで組み立てる。
type PostgresPostRepo struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var postColumns = []string{
	"id", "title", "slug", "content", "excerpt",
	"cover_image", "cover_image_width", "cover_image_height",
	"category_id", "status",
	"remote_uri", "remote_subscription_id",
	"remote_site_url", "remote_display_name", "remote_blog_title", "remote_avatar_url",
	"remote_created_at", "remote_updated_at",
	"created_at", "updated_at", "deleted_at",
}

func scanPost(row rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var coverImage, categoryID, remoteURI, remoteSubscriptionID sql.NullString
	var remoteSiteURL, remoteDisplayName, remoteBlogTitle, remoteAvatarURL sql.NullString
	var coverImageWidth, coverImageHeight sql.NullInt64
	var remoteCreatedAt, remoteUpdatedAt, deletedAt sql.NullTime

	if err := row.Scan(
		&p.ID, &p.Title, &p.Slug, &p.Content, &p.Excerpt,
		&coverImage, &coverImageWidth, &coverImageHeight,
		&categoryID, &p.Status,
		&remoteURI, &remoteSubscriptionID,
		&remoteSiteURL, &remoteDisplayName, &remoteBlogTitle, &remoteAvatarURL,
		&remoteCreatedAt, &remoteUpdatedAt,
		&p.CreatedAt, &p.UpdatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	p.CoverImage = nullStringValue(coverImage)
	p.CoverImageWidth = nullIntPtr(coverImageWidth)
	p.CoverImageHeight = nullIntPtr(coverImageHeight)
	p.CategoryID = nullStringValue(categoryID)
	p.RemoteURI = nullStringValue(remoteURI)
	p.RemoteSubscriptionID = nullStringValue(remoteSubscriptionID)
	p.RemoteCreatedAt = nullTimePtr(remoteCreatedAt)
	p.RemoteUpdatedAt = nullTimePtr(remoteUpdatedAt)
	p.DeletedAt = nullTimePtr(deletedAt)

	if remoteSiteURL.Valid {
		p.RemoteBlog = &model.RemoteBlog{
			SiteURL:     remoteSiteURL.String,
			DisplayName: nullStringValue(remoteDisplayName),
			BlogTitle:   nullStringValue(remoteBlogTitle),
			AvatarURL:   nullStringValue(remoteAvatarURL),
		}
	}
	return p, nil
}

// postValues はpostColumnsの順に記事の値を並べる。
func postValues(p *model.Post) []any {
	var blog model.RemoteBlog
	if p.RemoteBlog != nil {
		blog = *p.RemoteBlog
	}
	return []any{
		p.ID, p.Title, p.Slug, p.Content, p.Excerpt,
		nullString(p.CoverImage), nullInt(p.CoverImageWidth), nullInt(p.CoverImageHeight),
		nullString(p.CategoryID), string(p.Status),
		nullString(p.RemoteURI), nullString(p.RemoteSubscriptionID),
		nullString(blog.SiteURL), nullString(blog.DisplayName), nullString(blog.BlogTitle), nullString(blog.AvatarURL),
		nullTime(p.RemoteCreatedAt), nullTime(p.RemoteUpdatedAt),
		p.CreatedAt, p.UpdatedAt, nullTime(p.DeletedAt),
	}
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	query, args, err := r.sb.Select(postColumns...).From("posts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("記事取得クエリの構築に失敗しました: %w", err)
	}

	p, err := scanPost(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return p, nil
}

// Create はローカル記事を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	query, args, err := r.sb.Insert("posts").Columns(postColumns...).Values(postValues(post)...).ToSql()
	if err != nil {
		return fmt.Errorf("記事作成クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return nil
}

// Update はローカル記事を更新する。リモート記事は対象外。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) error {
	query, args, err := r.sb.Update("posts").
		Set("title", post.Title).
		Set("slug", post.Slug).
		Set("content", post.Content).
		Set("excerpt", post.Excerpt).
		Set("cover_image", nullString(post.CoverImage)).
		Set("cover_image_width", nullInt(post.CoverImageWidth)).
		Set("cover_image_height", nullInt(post.CoverImageHeight)).
		Set("category_id", nullString(post.CategoryID)).
		Set("status", string(post.Status)).
		Set("updated_at", post.UpdatedAt).
		Where(sq.Eq{"id": post.ID, "remote_uri": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("記事更新クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", err)
	}
	return nil
}

// SoftDelete は記事にdeleted_atを設定する。
func (r *PostgresPostRepo) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	query, args, err := r.sb.Update("posts").
		Set("deleted_at", deletedAt).
		Set("updated_at", deletedAt).
		Where(sq.Eq{"id": id, "deleted_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("記事削除クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("記事の削除に失敗しました: %w", err)
	}
	return nil
}

// ListPublishedByCategory はカテゴリの公開中のローカル記事を作成日時の降順で取得する。
func (r *PostgresPostRepo) ListPublishedByCategory(ctx context.Context, categoryID string, offset, limit int) ([]*model.Post, int, error) {
	filter := sq.Eq{
		"category_id": categoryID,
		"status":      string(model.PostStatusPublished),
		"deleted_at":  nil,
		"remote_uri":  nil,
	}

	countQuery, countArgs, err := r.sb.Select("count(*)").From("posts").Where(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("記事件数クエリの構築に失敗しました: %w", err)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("記事件数の取得に失敗しました: %w", err)
	}

	query, args, err := r.sb.Select(postColumns...).
		From("posts").
		Where(filter).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("記事一覧クエリの構築に失敗しました: %w", err)
	}

	posts, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return posts, total, nil
}

// ListRemoteBySubscription はリモート購読で取り込んだ記事をソフトデリート済みも含めて取得する。
func (r *PostgresPostRepo) ListRemoteBySubscription(ctx context.Context, remoteSubscriptionID string) ([]*model.Post, error) {
	query, args, err := r.sb.Select(postColumns...).
		From("posts").
		Where(sq.Eq{"remote_subscription_id": remoteSubscriptionID}).
		Where(sq.NotEq{"remote_uri": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("リモート記事一覧クエリの構築に失敗しました: %w", err)
	}
	return r.query(ctx, query, args...)
}

// UpsertRemote はremote_uriをキーにリモート記事を登録または更新する。
// 同一内容で繰り返し実行しても記事は重複しない。既存記事の配信元サイトが異なる場合は更新しない。
func (r *PostgresPostRepo) UpsertRemote(ctx context.Context, post *model.Post) error {
	if post.RemoteURI == "" {
		return fmt.Errorf("リモート記事のremote_uriが空です")
	}

	query, args, err := r.sb.Insert("posts").
		Columns(postColumns...).
		Values(postValues(post)...).
		Suffix(`ON CONFLICT (remote_uri) DO UPDATE SET
	title = EXCLUDED.title,
	slug = EXCLUDED.slug,
	content = EXCLUDED.content,
	excerpt = EXCLUDED.excerpt,
	cover_image = EXCLUDED.cover_image,
	cover_image_width = EXCLUDED.cover_image_width,
	cover_image_height = EXCLUDED.cover_image_height,
	category_id = EXCLUDED.category_id,
	status = EXCLUDED.status,
	remote_subscription_id = EXCLUDED.remote_subscription_id,
	remote_site_url = EXCLUDED.remote_site_url,
	remote_display_name = EXCLUDED.remote_display_name,
	remote_blog_title = EXCLUDED.remote_blog_title,
	remote_avatar_url = EXCLUDED.remote_avatar_url,
	remote_created_at = EXCLUDED.remote_created_at,
	remote_updated_at = EXCLUDED.remote_updated_at,
	updated_at = EXCLUDED.updated_at,
	deleted_at = NULL
WHERE posts.remote_site_url = EXCLUDED.remote_site_url`).
		ToSql()
	if err != nil {
		return fmt.Errorf("リモート記事登録クエリの構築に失敗しました: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("リモート記事の登録に失敗しました: %w", err)
	}
	return nil
}

// SoftDeleteRemoteMissing はkeepURIsに含まれないリモート記事をソフトデリートする。
// keepURIsが空の場合は購読の未削除の記事をすべて対象とする。
func (r *PostgresPostRepo) SoftDeleteRemoteMissing(ctx context.Context, remoteSubscriptionID string, keepURIs []string, deletedAt time.Time) (int64, error) {
	builder := r.sb.Update("posts").
		Set("deleted_at", deletedAt).
		Set("updated_at", deletedAt).
		Where(sq.Eq{"remote_subscription_id": remoteSubscriptionID, "deleted_at": nil}).
		Where(sq.NotEq{"remote_uri": nil})
	if len(keepURIs) > 0 {
		builder = builder.Where(sq.NotEq{"remote_uri": keepURIs})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("リモート記事削除クエリの構築に失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("リモート記事のソフトデリートに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func (r *PostgresPostRepo) query(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

var _ PostRepository = (*PostgresPostRepo)(nil)
