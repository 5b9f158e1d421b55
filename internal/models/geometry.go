package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
)

// StorageSRID is the SRID every geometry is persisted with.
const StorageSRID = 4326

// Geometry wraps an orb.Polygon for the PostGIS geometry column. It is
// written and read as hex-encoded EWKB.
type Geometry struct {
	Polygon orb.Polygon
}

func NewGeometry(p orb.Polygon) *Geometry {
	return &Geometry{Polygon: p}
}

// Value implements driver.Valuer.
func (g Geometry) Value() (driver.Value, error) {
	if g.Polygon == nil {
		return nil, nil
	}
	s, err := ewkb.MarshalToHex(g.Polygon, StorageSRID)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return s, nil
}

// Scan implements sql.Scanner. PostGIS returns geometry as hex EWKB text;
// raw EWKB bytes are accepted as well.
func (g *Geometry) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		g.Polygon = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("geometry: unsupported scan type %T", src)
	}

	if len(data) == 0 {
		g.Polygon = nil
		return nil
	}

	// binary EWKB starts with a byte-order marker
	if data[0] != 0x00 && data[0] != 0x01 {
		decoded := make([]byte, hex.DecodedLen(len(data)))
		n, err := hex.Decode(decoded, bytes.TrimSpace(data))
		if err != nil {
			return fmt.Errorf("geometry: decode hex: %w", err)
		}
		data = decoded[:n]
	}

	geom, _, err := ewkb.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("geometry: decode ewkb: %w", err)
	}
	poly, ok := geom.(orb.Polygon)
	if !ok {
		return fmt.Errorf("geometry: expected Polygon, got %s", geom.GeoJSONType())
	}
	g.Polygon = poly
	return nil
}

// Props is a free-form JSON value stored in a json column.
type Props json.RawMessage

// Value implements driver.Valuer.
func (p Props) Value() (driver.Value, error) {
	if len(p) == 0 || string(p) == "null" {
		return nil, nil
	}
	if !json.Valid(p) {
		return nil, errors.New("props: invalid json")
	}
	return string(p), nil
}

// Scan implements sql.Scanner.
func (p *Props) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		*p = Props(v)
	case []byte:
		*p = append(Props(nil), v...)
	default:
		return fmt.Errorf("props: unsupported scan type %T", src)
	}
	return nil
}

// MarshalJSON renders an empty value as null.
func (p Props) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON keeps the raw value.
func (p *Props) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}
