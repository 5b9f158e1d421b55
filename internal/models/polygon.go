package models

import (
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/uptrace/bun"
)

// Polygon is a row of the gis_polygon table. Geom is always in EPSG:4326.
type Polygon struct {
	bun.BaseModel `bun:"table:gis_polygon,alias:gp"`

	ID      int64     `bun:"id,pk,autoincrement"`
	ClassID *int64    `bun:"class_id"`
	Name    *string   `bun:"name"`
	Props   Props     `bun:"props,type:json"`
	Geom    *Geometry `bun:"geom,type:geometry(POLYGON,4326)"`
	Created time.Time `bun:"_created,nullzero,notnull,default:current_timestamp"`
	Edited  time.Time `bun:"_edited,nullzero,notnull,default:current_timestamp"`
}

// PolygonDocument is the API representation of a polygon.
type PolygonDocument struct {
	PolygonID int64             `json:"polygon_id"`
	ClassID   *int64            `json:"class_id"`
	Geom      *geojson.Geometry `json:"geom"`
	Props     Props             `json:"props"`
	Name      *string           `json:"name"`
}

// PolygonCollection wraps a list response.
type PolygonCollection struct {
	Polygons []PolygonDocument `json:"polygons"`
}

// PolygonPatch carries the fields present in a write request. A nil pointer
// means the field was absent; Set* flags distinguish an explicit null.
type PolygonPatch struct {
	Geom *Geometry

	Name    *string
	SetName bool

	ClassID    *int64
	SetClassID bool

	Props    Props
	SetProps bool
}

// Apply copies the present fields of the patch onto p.
func (pp PolygonPatch) Apply(p *Polygon) {
	if pp.Geom != nil {
		p.Geom = pp.Geom
	}
	if pp.SetName {
		p.Name = pp.Name
	}
	if pp.SetClassID {
		p.ClassID = pp.ClassID
	}
	if pp.SetProps {
		p.Props = pp.Props
	}
}
