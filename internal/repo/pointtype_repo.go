package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/talx-hub/point-ledger/internal/model/pointtype"
	"github.com/talx-hub/point-ledger/internal/serviceerrs"
)

const pointTypeColumns = `point_type_id, name, slug, icon_url, description,
	short_description, menu_order, created_at, updated_at`

type PointTypeRepository struct {
	DB
}

func NewPointTypeRepository(pool ConnectionPool, log *slog.Logger) *PointTypeRepository {
	return &PointTypeRepository{
		DB{
			pool: pool,
			log:  log,
		},
	}
}

func scanPointType(row pgx.Row) (pointtype.PointType, error) {
	var (
		pt               pointtype.PointType
		created, updated pgtype.Timestamptz
	)
	err := row.Scan(&pt.ID, &pt.Name, &pt.Slug, &pt.IconURL, &pt.Description,
		&pt.ShortDescription, &pt.MenuOrder, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pointtype.PointType{}, fmt.Errorf("point type: %w", serviceerrs.ErrNotFound)
		}
		return pointtype.PointType{}, fmt.Errorf("failed to scan point type: %w", err)
	}
	pt.CreatedAt = created.Time
	pt.UpdatedAt = updated.Time
	return pt, nil
}

// Create inserts a point type. A slug that is not URL-safe, or that
// collides with an existing one, falls back to the record's numeric id.
func (r *PointTypeRepository) Create(ctx context.Context, pt *pointtype.PointType,
) (pointtype.PointType, error) {
	if pt.Name == "" {
		return pointtype.PointType{}, &serviceerrs.ValidationError{
			Field: "name", Reason: "must not be empty"}
	}

	createLogic := func(ctx context.Context, tx ConnectionPool) (any, error) {
		slug := pt.Slug
		if slug != "" && pointtype.SlugValid(slug) {
			var taken bool
			const existsQuery = `SELECT EXISTS(SELECT 1 FROM point_types WHERE slug = $1)`
			if err := tx.QueryRow(ctx, existsQuery, slug).Scan(&taken); err != nil {
				return pointtype.PointType{},
					fmt.Errorf("failed to check slug collision: %w", err)
			}
			if taken {
				slug = ""
			}
		} else {
			slug = ""
		}

		if slug != "" {
			return insertPointType(ctx, tx, pt, slug)
		}

		// Rejected slug: insert under a unique placeholder, then swap in
		// the assigned numeric id.
		created, err := insertPointType(ctx, tx, pt, uuid.NewString())
		if err != nil {
			return pointtype.PointType{}, err
		}
		const fixupQuery = `UPDATE point_types
			SET slug = point_type_id::text, updated_at = now()
			WHERE point_type_id = $1
			RETURNING ` + pointTypeColumns
		return scanPointType(tx.QueryRow(ctx, fixupQuery, created.ID))
	}

	createWithTX := func() (pointtype.PointType, error) {
		return WithTX[pointtype.PointType](ctx, r.pool, r.log, createLogic)
	}

	created, err := WithRetry[pointtype.PointType](createWithTX, 0)
	if err != nil {
		if isUniqueViolation(err) {
			return pointtype.PointType{}, &serviceerrs.ValidationError{
				Field: "slug", Reason: "slug already exists"}
		}
		return pointtype.PointType{}, err //nolint: wrapcheck // error from wrapped function
	}
	return created, nil
}

func insertPointType(ctx context.Context, q ConnectionPool,
	pt *pointtype.PointType, slug string,
) (pointtype.PointType, error) {
	const query = `INSERT INTO point_types
		(name, slug, icon_url, description, short_description, menu_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + pointTypeColumns
	created, err := scanPointType(q.QueryRow(ctx, query,
		pt.Name, slug, pt.IconURL, pt.Description, pt.ShortDescription, pt.MenuOrder))
	if err != nil {
		return pointtype.PointType{}, fmt.Errorf("failed to create point type: %w", err)
	}
	return created, nil
}

func (r *PointTypeRepository) GetByID(ctx context.Context, id int64,
) (pointtype.PointType, error) {
	getLogic := func() (pointtype.PointType, error) {
		const query = `SELECT ` + pointTypeColumns +
			` FROM point_types WHERE point_type_id = $1`
		return scanPointType(r.pool.QueryRow(ctx, query, id))
	}

	return WithRetry[pointtype.PointType](getLogic, 0) //nolint: wrapcheck // error from wrapped function
}

func (r *PointTypeRepository) List(ctx context.Context) ([]pointtype.PointType, error) {
	listLogic := func() ([]pointtype.PointType, error) {
		const query = `SELECT ` + pointTypeColumns +
			` FROM point_types ORDER BY menu_order, point_type_id`
		rows, err := r.pool.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to list point types: %w", err)
		}
		defer rows.Close()

		types := make([]pointtype.PointType, 0)
		for rows.Next() {
			pt, err := scanPointType(rows)
			if err != nil {
				return nil, err
			}
			types = append(types, pt)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate point types: %w", err)
		}
		return types, nil
	}

	return WithRetry[[]pointtype.PointType](listLogic, 0) //nolint: wrapcheck // error from wrapped function
}
