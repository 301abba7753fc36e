// Package repository executes business queries on a leased connection and
// maps raw rows into domain values.
package repository

import (
	"context"
	"errors"
	"fmt"

	"business_search_backend/internal/businesses/cursor"
	"business_search_backend/internal/businesses/domain"
	"business_search_backend/internal/businesses/query"
	"business_search_backend/platform/apperr"
	"business_search_backend/platform/db"

	"github.com/jackc/pgx/v5"
)

const businessNotFoundMessage = "business not found"

// Row is a businesses row as returned by the datastore. Every column is
// nullable here so malformed rows can be reported instead of failing the scan.
type Row struct {
	ID          *string  `db:"id"`
	Name        *string  `db:"name"`
	Description *string  `db:"description"`
	Category    *string  `db:"category"`
	Address     *string  `db:"address"`
	Latitude    *float64 `db:"latitude"`
	Longitude   *float64 `db:"longitude"`
	AvgRating   *float64 `db:"avg_rating"`
	NumRating   *int64   `db:"num_rating"`
}

// SortKey returns the row's position in search order, if it has one.
func (r Row) SortKey() (cursor.Position, bool) {
	if r.ID == nil || *r.ID == "" || r.AvgRating == nil {
		return cursor.Position{}, false
	}
	return cursor.Position{Rating: *r.AvgRating, ID: *r.ID}, true
}

// Repository runs business statements. It holds no connection; callers
// pass the one they leased.
type Repository struct{}

// New creates a business repository.
func New() *Repository {
	return &Repository{}
}

// Search executes a compiled search and returns its raw rows in order.
func (r *Repository) Search(ctx context.Context, conn db.Conn, q query.CompiledQuery) ([]Row, error) {
	sql, args := q.SQL()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search businesses: %w", err)
	}
	defer rows.Close()

	items := make([]Row, 0, q.Fetch())
	for rows.Next() {
		var row Row
		if err := scanRow(rows, &row); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate businesses: %w", err)
	}

	return items, nil
}

// GetByID fetches one business row by primary key.
func (r *Repository) GetByID(ctx context.Context, conn db.Conn, id string) (Row, error) {
	var row Row
	err := scanRow(conn.QueryRow(ctx, query.ViewSQL, id), &row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, apperr.NotFound(businessNotFoundMessage)
		}
		return Row{}, fmt.Errorf("get business by id: %w", err)
	}
	return row, nil
}

const upsertSQL = `
	INSERT INTO businesses (id, name, description, category, address, location, avg_rating, num_rating)
	VALUES ($1, $2, $3, $4, $5, ST_SetSRID(ST_MakePoint($6, $7), 4326)::geography, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		category = EXCLUDED.category,
		address = EXCLUDED.address,
		location = EXCLUDED.location,
		avg_rating = EXCLUDED.avg_rating,
		num_rating = EXCLUDED.num_rating,
		updated_at = now()`

// Upsert writes businesses in one round trip, inserting new ids and
// overwriting existing ones.
func (r *Repository) Upsert(ctx context.Context, conn db.Conn, businesses []domain.Business) error {
	if len(businesses) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range businesses {
		batch.Queue(upsertSQL, b.ID, b.Name, b.Description, b.Category, b.Address,
			b.Location.Lng, b.Location.Lat, b.AvgRating, b.RatingCount)
	}

	results := conn.SendBatch(ctx, batch)
	for _, b := range businesses {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("upsert business %s: %w", b.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}
	return nil
}

func scanRow(row pgx.Row, dst *Row) error {
	return row.Scan(
		&dst.ID,
		&dst.Name,
		&dst.Description,
		&dst.Category,
		&dst.Address,
		&dst.Latitude,
		&dst.Longitude,
		&dst.AvgRating,
		&dst.NumRating,
	)
}
