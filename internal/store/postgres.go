package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zachbroad/webhook-engine/internal/model"
)

// PostgresStore keeps each subscription as a JSONB document. Update locks the
// row with SELECT ... FOR UPDATE for the duration of the mutation, so
// concurrent workers in other processes serialize on the same subscription.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	doc, err := encode(sub)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, tenant_id, organization_id, doc, queued, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.TenantID, sub.OrganizationID, doc, len(sub.Queue.Items), sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create subscription %s: %w", sub.ID, model.ErrConflict)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM subscriptions WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get subscription %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return decode(doc)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM subscriptions
		 WHERE ($1 = '' OR tenant_id = $1)
		   AND ($2 = '' OR organization_id = $2)
		   AND (NOT $3 OR queued > 0)
		 ORDER BY created_at`,
		f.TenantID, f.OrganizationID, f.WithQueue,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub, err := decode(doc)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM subscriptions WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update subscription %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("lock subscription: %w", err)
	}

	sub, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if err := apply(sub, fn, s.now()); err != nil {
		return nil, err
	}
	if doc, err = encode(sub); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET
			tenant_id       = $2,
			organization_id = $3,
			doc             = $4,
			queued          = $5,
			version         = $6,
			updated_at      = $7
		 WHERE id = $1`,
		id, sub.TenantID, sub.OrganizationID, doc, len(sub.Queue.Items), sub.Version, sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete subscription %s: %w", id, model.ErrNotFound)
	}
	return nil
}
