package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gis-polygon/internal/models"

	"github.com/uptrace/bun"
)

// ErrPolygonNotFound is returned when no row matches the requested id.
var ErrPolygonNotFound = errors.New("polygon not found")

type PolygonService struct {
	db *bun.DB
}

func NewPolygonService(db *bun.DB) *PolygonService {
	return &PolygonService{db: db}
}

// List returns every polygon ordered by id.
func (s *PolygonService) List(ctx context.Context) ([]models.Polygon, error) {
	var polygons []models.Polygon
	err := s.db.NewSelect().
		Model(&polygons).
		OrderExpr("gp.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list polygons: %w", err)
	}
	return polygons, nil
}

// Get returns a single polygon.
func (s *PolygonService) Get(ctx context.Context, id int64) (*models.Polygon, error) {
	return get(ctx, s.db, id, false)
}

func get(ctx context.Context, db bun.IDB, id int64, forUpdate bool) (*models.Polygon, error) {
	p := new(models.Polygon)
	q := db.NewSelect().Model(p).Where("gp.id = ?", id)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolygonNotFound
		}
		return nil, fmt.Errorf("get polygon %d: %w", id, err)
	}
	return p, nil
}

// Create inserts p and fills in its id and timestamps.
func (s *PolygonService) Create(ctx context.Context, p *models.Polygon) error {
	now := time.Now()
	p.Created = now
	p.Edited = now

	_, err := s.db.NewInsert().
		Model(p).
		Returning("id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create polygon: %w", err)
	}
	return nil
}

// update overwrites the mutable columns of p and refreshes its edited time.
func update(ctx context.Context, db bun.IDB, p *models.Polygon) error {
	p.Edited = time.Now()

	res, err := db.NewUpdate().
		Model(p).
		Column("geom", "name", "props", "class_id", "_edited").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update polygon %d: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPolygonNotFound
	}
	return nil
}

// Patch applies the present fields of patch to polygon id inside a
// transaction and returns the updated row.
func (s *PolygonService) Patch(ctx context.Context, id int64, patch models.PolygonPatch) (*models.Polygon, error) {
	var out *models.Polygon
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		p, err := get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		patch.Apply(p)
		if err := update(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes polygon id.
func (s *PolygonService) Delete(ctx context.Context, id int64) error {
	res, err := s.db.NewDelete().
		Model((*models.Polygon)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete polygon %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPolygonNotFound
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PolygonService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
