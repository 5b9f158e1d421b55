package reproject

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Transformer maps polygons between one CRS and WGS84.
type Transformer struct {
	proj Projection
}

// New returns a Transformer for the EPSG code, or ErrTransformUnavailable
// when no projection is implemented for it.
func New(epsg int) (*Transformer, error) {
	p := ForEPSG(epsg)
	if p == nil {
		return nil, fmt.Errorf("%w: EPSG:%d", ErrTransformUnavailable, epsg)
	}
	return &Transformer{proj: p}, nil
}

// NewWithProjection wraps an existing Projection.
func NewWithProjection(p Projection) *Transformer {
	return &Transformer{proj: p}
}

// EPSG returns the code of the source CRS.
func (t *Transformer) EPSG() int { return t.proj.EPSG() }

// ToWGS84 returns a copy of p with every position moved from the source CRS to WGS84.
func (t *Transformer) ToWGS84(p orb.Polygon) (orb.Polygon, error) {
	return t.apply(p, t.proj.ToWGS84)
}

// FromWGS84 returns a copy of p with every position moved from WGS84 to the source CRS.
func (t *Transformer) FromWGS84(p orb.Polygon) (orb.Polygon, error) {
	return t.apply(p, t.proj.FromWGS84)
}

func (t *Transformer) apply(p orb.Polygon, fn func(x, y float64) (float64, float64, error)) (orb.Polygon, error) {
	out := make(orb.Polygon, len(p))
	for i, ring := range p {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			x, y, err := fn(pt[0], pt[1])
			if err != nil {
				return nil, fmt.Errorf("%w: EPSG:%d ring %d point %d: %w", ErrTransformUnavailable, t.EPSG(), i, j, err)
			}
			if !finite(x, y) {
				return nil, fmt.Errorf("%w: EPSG:%d ring %d point %d: non-finite result", ErrTransformUnavailable, t.EPSG(), i, j)
			}
			r[j] = orb.Point{x, y}
		}
		out[i] = r
	}
	return out, nil
}
