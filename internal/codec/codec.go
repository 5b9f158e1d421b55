package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"gis-polygon/internal/projection"
	"gis-polygon/internal/reproject"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Codec converts GeoJSON Polygon payloads to and from stored geometry,
// reprojecting between the request CRS and the storage CRS.
//
// Decode runs validate -> close rings -> transform. Encode runs
// transform -> serialize. Both are pure and safe for concurrent use.
type Codec struct {
	lookup func(epsg int) reproject.Projection
}

// New returns a Codec backed by reproject.ForEPSG.
func New() *Codec {
	return &Codec{lookup: reproject.ForEPSG}
}

// NewWithLookup returns a Codec that resolves projections through lookup.
func NewWithLookup(lookup func(epsg int) reproject.Projection) *Codec {
	return &Codec{lookup: lookup}
}

type geometryDoc struct {
	Type        *string         `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Decode validates raw as a GeoJSON Polygon in crs and returns it in the
// storage CRS. A structurally invalid payload yields *FieldErrors; a CRS
// without a working transform yields reproject.ErrTransformUnavailable.
func (c *Codec) Decode(raw json.RawMessage, crs *projection.CRS) (orb.Polygon, error) {
	poly, err := parsePolygon(raw)
	if err != nil {
		return nil, err
	}
	if crs.IsDefault() {
		return poly, nil
	}

	tr, err := c.transformer(crs)
	if err != nil {
		return nil, err
	}
	return tr.ToWGS84(poly)
}

// Encode renders p, stored in the storage CRS, as a GeoJSON geometry in crs.
// On any transform failure the geometry is nil and the error says why;
// callers emit the field as null.
func (c *Codec) Encode(p orb.Polygon, crs *projection.CRS) (*geojson.Geometry, error) {
	if p == nil {
		return nil, nil
	}

	out := closeRings(p)
	if !crs.IsDefault() {
		tr, err := c.transformer(crs)
		if err != nil {
			return nil, err
		}
		if out, err = tr.FromWGS84(out); err != nil {
			return nil, err
		}
	}
	if !polygonFinite(out) {
		return nil, fmt.Errorf("%w: non-finite coordinate", reproject.ErrTransformUnavailable)
	}
	return geojson.NewGeometry(out), nil
}

func (c *Codec) transformer(crs *projection.CRS) (*reproject.Transformer, error) {
	code, ok := crs.EPSG()
	if !ok {
		return nil, fmt.Errorf("%w: %s", reproject.ErrTransformUnavailable, crs)
	}
	p := c.lookup(code)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", reproject.ErrTransformUnavailable, crs)
	}
	return reproject.NewWithProjection(p), nil
}

func parsePolygon(raw json.RawMessage) (orb.Polygon, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, invalidPolygon()
	}

	var doc geometryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalidPolygon()
	}
	if doc.Type == nil || *doc.Type != "Polygon" {
		return nil, invalidPolygon()
	}

	var rings [][][]float64
	if len(doc.Coordinates) == 0 || json.Unmarshal(doc.Coordinates, &rings) != nil || len(rings) == 0 {
		return nil, invalidPolygon()
	}

	poly := make(orb.Polygon, 0, len(rings))
	for _, ring := range rings {
		if len(ring) < 3 {
			return nil, invalidPolygon()
		}
		r := make(orb.Ring, 0, len(ring)+1)
		for _, pos := range ring {
			// extra ordinates (z, m) are dropped
			if len(pos) < 2 {
				return nil, invalidPolygon()
			}
			r = append(r, orb.Point{pos[0], pos[1]})
		}
		if !r.Closed() {
			r = append(r, r[0])
		}
		if len(r) < 4 {
			return nil, invalidPolygon()
		}
		poly = append(poly, r)
	}
	return poly, nil
}

// closeRings returns p with every open ring closed. Closed rings are shared.
func closeRings(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		if len(r) > 0 && !r.Closed() {
			c := make(orb.Ring, len(r), len(r)+1)
			copy(c, r)
			r = append(c, c[0])
		}
		out[i] = r
	}
	return out
}

func polygonFinite(p orb.Polygon) bool {
	for _, r := range p {
		for _, pt := range r {
			if math.IsNaN(pt[0]) || math.IsInf(pt[0], 0) || math.IsNaN(pt[1]) || math.IsInf(pt[1], 0) {
				return false
			}
		}
	}
	return true
}
