package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS postgis`); err != nil {
			return fmt.Errorf("create postgis extension: %w", err)
		}
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS gis_polygon (
				_created  TIMESTAMP NOT NULL DEFAULT now(),
				_edited   TIMESTAMP NOT NULL DEFAULT now(),
				id        SERIAL PRIMARY KEY,
				class_id  INTEGER,
				name      VARCHAR,
				props     JSON,
				geom      geometry(POLYGON, 4326)
			)`)
		if err != nil {
			return fmt.Errorf("create gis_polygon: %w", err)
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS gis_polygon`); err != nil {
			return fmt.Errorf("drop gis_polygon: %w", err)
		}
		return nil
	})
}
