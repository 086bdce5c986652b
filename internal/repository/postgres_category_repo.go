package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/fedblog/internal/model"
)

// PostgresCategoryRepo はPostgreSQLを使用したカテゴリリポジトリ。
type PostgresCategoryRepo struct {
	db *sql.DB
}

// NewPostgresCategoryRepo はPostgresCategoryRepoを生成する。
func NewPostgresCategoryRepo(db *sql.DB) *PostgresCategoryRepo {
	return &PostgresCategoryRepo{db: db}
}

// FindByID は指定IDのカテゴリを取得する。見つからない場合はnilを返す。
func (r *PostgresCategoryRepo) FindByID(ctx context.Context, id string) (*model.Category, error) {
	c := &model.Category{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM categories WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Slug, &c.Name, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
	return c, nil
}

// FindBySlug はスラッグでカテゴリを取得する。見つからない場合はnilを返す。
func (r *PostgresCategoryRepo) FindBySlug(ctx context.Context, slug string) (*model.Category, error) {
	c := &model.Category{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM categories WHERE slug = $1`,
		slug,
	).Scan(&c.ID, &c.Slug, &c.Name, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スラッグによるカテゴリの検索に失敗しました: %w", err)
	}
	return c, nil
}

var _ CategoryRepository = (*PostgresCategoryRepo)(nil)
