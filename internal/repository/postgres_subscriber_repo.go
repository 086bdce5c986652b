package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedblog/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

const subscriberColumns = `id, category_id, callback_url, is_active, consecutive_failure_count,
	last_delivery_at, last_delivery_error, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*model.Subscriber, error) {
	s := &model.Subscriber{}
	var lastDeliveryAt sql.NullTime
	var lastDeliveryError sql.NullString

	if err := row.Scan(
		&s.ID, &s.CategoryID, &s.CallbackURL, &s.IsActive, &s.ConsecutiveFailureCount,
		&lastDeliveryAt, &lastDeliveryError, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.LastDeliveryAt = nullTimePtr(lastDeliveryAt)
	s.LastDeliveryError = nullStringValue(lastDeliveryError)
	return s, nil
}

// FindByID は指定IDの購読者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByID(ctx context.Context, id string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	return s, nil
}

// FindActiveByCallback はカテゴリとコールバックURLで有効な購読者を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindActiveByCallback(ctx context.Context, categoryID, callbackURL string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE category_id = $1 AND callback_url = $2 AND is_active`,
		categoryID, callbackURL,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読者の検索に失敗しました: %w", err)
	}
	return s, nil
}

// Create は購読者を作成する。
func (r *PostgresSubscriberRepo) Create(ctx context.Context, sub *model.Subscriber) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, category_id, callback_url, is_active, consecutive_failure_count,
		                          last_delivery_at, last_delivery_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.CategoryID, sub.CallbackURL, sub.IsActive, sub.ConsecutiveFailureCount,
		nullTime(sub.LastDeliveryAt), nullString(sub.LastDeliveryError),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読者の作成に失敗しました: %w", err)
	}
	return nil
}

// Deactivate は購読者を無効化する。
func (r *PostgresSubscriberRepo) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET is_active = false, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("購読者の無効化に失敗しました: %w", err)
	}
	return nil
}

// ListActiveByCategory はカテゴリの有効な購読者を取得する。
func (r *PostgresSubscriberRepo) ListActiveByCategory(ctx context.Context, categoryID string) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE category_id = $1 AND is_active
		 ORDER BY created_at ASC`,
		categoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscribers(rows)
}

// RecordDeliveryResult は配信結果を記録する。
func (r *PostgresSubscriberRepo) RecordDeliveryResult(ctx context.Context, id string, deliveredAt time.Time, deliveryErr string) error {
	var err error
	if deliveryErr == "" {
		_, err = r.db.ExecContext(ctx,
			`UPDATE subscribers SET
			    consecutive_failure_count = 0, last_delivery_at = $2,
			    last_delivery_error = NULL, updated_at = now()
			 WHERE id = $1`,
			id, deliveredAt,
		)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE subscribers SET
			    consecutive_failure_count = consecutive_failure_count + 1, last_delivery_at = $2,
			    last_delivery_error = $3, updated_at = now()
			 WHERE id = $1`,
			id, deliveredAt, deliveryErr,
		)
	}
	if err != nil {
		return fmt.Errorf("配信結果の記録に失敗しました: %w", err)
	}
	return nil
}

// DeactivateFailing は連続失敗回数がthreshold以上の有効な購読者を無効化し、無効化した購読者を返す。
func (r *PostgresSubscriberRepo) DeactivateFailing(ctx context.Context, threshold int) ([]*model.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE subscribers SET is_active = false, updated_at = now()
		 WHERE is_active AND consecutive_failure_count >= $1
		 RETURNING `+subscriberColumns,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("失敗が続く購読者の無効化に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSubscribers(rows)
}

func collectSubscribers(rows *sql.Rows) ([]*model.Subscriber, error) {
	var subs []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
