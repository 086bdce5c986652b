package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedblog/internal/model"
)

// PostgresRemoteSubscriptionRepo はPostgreSQLを使用したリモート購読リポジトリ。
type PostgresRemoteSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresRemoteSubscriptionRepo はPostgresRemoteSubscriptionRepoを生成する。
func NewPostgresRemoteSubscriptionRepo(db *sql.DB) *PostgresRemoteSubscriptionRepo {
	return &PostgresRemoteSubscriptionRepo{db: db}
}

const remoteSubscriptionColumns = `id, site_url, remote_category_slug, local_category_id, last_synced_at,
	consecutive_failure_count, is_active, last_error, created_at, updated_at`

func scanRemoteSubscription(row rowScanner) (*model.RemoteSubscription, error) {
	s := &model.RemoteSubscription{}
	var lastSyncedAt sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&s.ID, &s.SiteURL, &s.RemoteCategorySlug, &s.LocalCategoryID, &lastSyncedAt,
		&s.ConsecutiveFailureCount, &s.IsActive, &lastError, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.LastSyncedAt = nullTimePtr(lastSyncedAt)
	s.LastError = nullStringValue(lastError)
	return s, nil
}

// FindByID は指定IDのリモート購読を取得する。見つからない場合はnilを返す。
func (r *PostgresRemoteSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.RemoteSubscription, error) {
	s, err := scanRemoteSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+remoteSubscriptionColumns+` FROM remote_subscriptions WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リモート購読の取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindBySource は取り込み元と取り込み先カテゴリの組でリモート購読を検索する。見つからない場合はnilを返す。
func (r *PostgresRemoteSubscriptionRepo) FindBySource(ctx context.Context, siteURL, remoteCategorySlug, localCategoryID string) (*model.RemoteSubscription, error) {
	s, err := scanRemoteSubscription(r.db.QueryRowContext(ctx,
		`SELECT `+remoteSubscriptionColumns+` FROM remote_subscriptions
		 WHERE site_url = $1 AND remote_category_slug = $2 AND local_category_id = $3`,
		siteURL, remoteCategorySlug, localCategoryID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リモート購読の検索に失敗しました: %w", err)
	}
	return s, nil
}

// Create はリモート購読を作成する。
func (r *PostgresRemoteSubscriptionRepo) Create(ctx context.Context, sub *model.RemoteSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO remote_subscriptions (id, site_url, remote_category_slug, local_category_id,
		                                   last_synced_at, consecutive_failure_count, is_active,
		                                   last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.SiteURL, sub.RemoteCategorySlug, sub.LocalCategoryID,
		nullTime(sub.LastSyncedAt), sub.ConsecutiveFailureCount, sub.IsActive,
		nullString(sub.LastError), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("リモート購読の作成に失敗しました: %w", err)
	}
	return nil
}

// List は全リモート購読を作成日時の昇順で取得する。
func (r *PostgresRemoteSubscriptionRepo) List(ctx context.Context) ([]*model.RemoteSubscription, error) {
	return r.query(ctx,
		`SELECT `+remoteSubscriptionColumns+` FROM remote_subscriptions ORDER BY created_at ASC`,
	)
}

// ListActive は有効なリモート購読を取得する。
func (r *PostgresRemoteSubscriptionRepo) ListActive(ctx context.Context) ([]*model.RemoteSubscription, error) {
	return r.query(ctx,
		`SELECT `+remoteSubscriptionColumns+` FROM remote_subscriptions
		 WHERE is_active ORDER BY last_synced_at ASC NULLS FIRST`,
	)
}

// ListActiveBySiteURL は指定サイトURLの有効なリモート購読を取得する。
func (r *PostgresRemoteSubscriptionRepo) ListActiveBySiteURL(ctx context.Context, siteURL string) ([]*model.RemoteSubscription, error) {
	return r.query(ctx,
		`SELECT `+remoteSubscriptionColumns+` FROM remote_subscriptions
		 WHERE is_active AND site_url = $1`,
		siteURL,
	)
}

// UpdateSyncState は同期状態を更新する。
// subを読み込んだ後に管理操作で有効状態や失敗回数が変更されていた場合、または既に無効化されている場合は
// 更新せずfalseを返す。更新した場合はsub.UpdatedAtを保存後の値にする。
func (r *PostgresRemoteSubscriptionRepo) UpdateSyncState(ctx context.Context, sub *model.RemoteSubscription) (bool, error) {
	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx,
		`UPDATE remote_subscriptions SET
		    last_synced_at = $2, consecutive_failure_count = $3,
		    is_active = $4, last_error = $5, updated_at = now()
		 WHERE id = $1 AND is_active AND updated_at = $6
		 RETURNING updated_at`,
		sub.ID, nullTime(sub.LastSyncedAt), sub.ConsecutiveFailureCount,
		sub.IsActive, nullString(sub.LastError), sub.UpdatedAt,
	).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("同期状態の更新に失敗しました: %w", err)
	}
	sub.UpdatedAt = updatedAt
	return true, nil
}

// SetActive は有効状態を切り替える。有効化する場合は連続失敗回数とエラーをリセットする。
func (r *PostgresRemoteSubscriptionRepo) SetActive(ctx context.Context, id string, active bool) error {
	var err error
	if active {
		_, err = r.db.ExecContext(ctx,
			`UPDATE remote_subscriptions SET
			    is_active = true, consecutive_failure_count = 0,
			    last_error = NULL, updated_at = now()
			 WHERE id = $1`,
			id,
		)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE remote_subscriptions SET is_active = false, updated_at = now() WHERE id = $1`,
			id,
		)
	}
	if err != nil {
		return fmt.Errorf("リモート購読の状態変更に失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresRemoteSubscriptionRepo) query(ctx context.Context, query string, args ...any) ([]*model.RemoteSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("リモート購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.RemoteSubscription
	for rows.Next() {
		s, err := scanRemoteSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("リモート購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リモート購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

var _ RemoteSubscriptionRepository = (*PostgresRemoteSubscriptionRepo)(nil)
