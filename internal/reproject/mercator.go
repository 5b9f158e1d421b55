package reproject

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// WebMercator implements the Projection interface for EPSG:3857.
// Latitudes beyond the mercator limit are clamped by orb.
type WebMercator struct{}

func (w *WebMercator) EPSG() int { return 3857 }

func (w *WebMercator) ToWGS84(x, y float64) (lon, lat float64, err error) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	if !finite(p[0], p[1]) || math.Abs(p[0]) > 180 {
		return 0, 0, ErrOutOfDomain
	}
	return p[0], p[1], nil
}

func (w *WebMercator) FromWGS84(lon, lat float64) (x, y float64, err error) {
	if math.Abs(lon) > 180 || math.Abs(lat) > 90 {
		return 0, 0, ErrOutOfDomain
	}
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1], nil
}
