package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

//go:embed schema.sql
var schemaSQL string

const hashTypeIndex = "media_asset_hash_type_idx"

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemedia.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate creates the media_asset table and its indexes in the current search_path.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate media schema: %w", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == hashTypeIndex {
				return simplemedia.ErrDuplicateAsset
			}
			return fmt.Errorf("%s: duplicate entry (%s)", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: parent asset: %w", operation, simplemedia.ErrAssetNotFound)
		case "23514": // check_violation
			return fmt.Errorf("%s: constraint %s violated", operation, pgErr.ConstraintName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return simplemedia.ErrAssetNotFound
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

const assetColumns = `id, key, bucket, type, target, variant, mime_type, size_bytes,
	width, height, public_url, COALESCE(hash, ''), owner_id, parent_id, ref_count,
	created_at, updated_at`

func scanAsset(row pgx.Row) (*simplemedia.MediaAsset, error) {
	var a simplemedia.MediaAsset
	err := row.Scan(
		&a.ID, &a.Key, &a.Bucket, &a.Type, &a.Target, &a.Variant, &a.MimeType, &a.SizeBytes,
		&a.Width, &a.Height, &a.PublicURL, &a.Hash, &a.OwnerID, &a.ParentID, &a.RefCount,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) CreateAsset(ctx context.Context, a *simplemedia.MediaAsset) error {
	query := `
		INSERT INTO media_asset (
			id, key, bucket, type, target, variant, mime_type, size_bytes,
			width, height, public_url, hash, owner_id, parent_id, ref_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.Key, a.Bucket, a.Type, a.Target, a.Variant, a.MimeType, a.SizeBytes,
		a.Width, a.Height, a.PublicURL, a.Hash, a.OwnerID, a.ParentID, a.RefCount,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create asset", err)
	}
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*simplemedia.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_asset WHERE id = $1`

	a, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, r.handlePostgresError("get asset", err)
	}
	return a, nil
}

func (r *Repository) FindOriginalByHash(ctx context.Context, hash string, mediaType simplemedia.MediaType) (*simplemedia.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_asset
		WHERE hash = $1 AND type = $2 AND variant = 'ORIGINAL'`

	a, err := scanAsset(r.db.QueryRow(ctx, query, hash, mediaType))
	if err != nil {
		return nil, r.handlePostgresError("find by hash", err)
	}
	return a, nil
}

func (r *Repository) IncrementRefCount(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE media_asset SET ref_count = ref_count + 1, updated_at = now()
		WHERE id = $1 AND parent_id IS NULL
		RETURNING ref_count`

	var n int
	if err := r.db.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return 0, r.handlePostgresError("increment ref count", err)
	}
	return n, nil
}

// DecrementRefCount never takes a count below zero; a row already at zero
// matches nothing and reports ErrAssetNotFound.
func (r *Repository) DecrementRefCount(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE media_asset SET ref_count = ref_count - 1, updated_at = now()
		WHERE id = $1 AND parent_id IS NULL AND ref_count > 0
		RETURNING ref_count`

	var n int
	if err := r.db.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return 0, r.handlePostgresError("decrement ref count", err)
	}
	return n, nil
}

func (r *Repository) ListVariants(ctx context.Context, parentID uuid.UUID) ([]*simplemedia.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_asset
		WHERE parent_id = $1 ORDER BY created_at, variant`

	rows, err := r.db.Query(ctx, query, parentID)
	if err != nil {
		return nil, r.handlePostgresError("list variants", err)
	}
	defer rows.Close()

	var variants []*simplemedia.MediaAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, a)
	}
	return variants, rows.Err()
}

func (r *Repository) DeleteVariants(ctx context.Context, parentID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM media_asset WHERE parent_id = $1`, parentID); err != nil {
		return r.handlePostgresError("delete variants", err)
	}
	return nil
}

// DeleteIfUnreferenced relies on ON DELETE CASCADE for derivative rows.
func (r *Repository) DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM media_asset WHERE id = $1 AND parent_id IS NULL AND ref_count = 0`, id)
	if err != nil {
		return false, r.handlePostgresError("delete asset", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListUnreferenced(ctx context.Context, before time.Time, limit int) ([]*simplemedia.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_asset
		WHERE parent_id IS NULL AND ref_count = 0 AND updated_at < $1
		ORDER BY updated_at LIMIT $2`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, r.handlePostgresError("list unreferenced", err)
	}
	defer rows.Close()

	var assets []*simplemedia.MediaAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *Repository) KeyExists(ctx context.Context, bucket, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM media_asset WHERE bucket = $1 AND key = $2)`,
		bucket, key).Scan(&exists)
	if err != nil {
		return false, r.handlePostgresError("key exists", err)
	}
	return exists, nil
}

var _ simplemedia.Repository = (*Repository)(nil)
