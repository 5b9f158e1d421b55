package reproject

import (
	"errors"
	"math"
	"sync"
)

var (
	// ErrTransformUnavailable is returned when a CRS has no transform or a
	// transform produced a value that cannot be stored.
	ErrTransformUnavailable = errors.New("projection transform unavailable")

	// ErrOutOfDomain is returned when a coordinate lies outside the area a
	// projection is defined for.
	ErrOutOfDomain = errors.New("coordinate outside projection domain")
)

// Projection converts between a source CRS and WGS84 longitude/latitude.
type Projection interface {
	// ToWGS84 converts source CRS coordinates to WGS84 longitude/latitude (degrees).
	ToWGS84(x, y float64) (lon, lat float64, err error)

	// FromWGS84 converts WGS84 longitude/latitude (degrees) to source CRS coordinates.
	FromWGS84(lon, lat float64) (x, y float64, err error)

	// EPSG returns the EPSG code for this projection.
	EPSG() int
}

var registry sync.Map // int -> Projection

// ForEPSG returns a Projection for the given EPSG code.
// Returns nil if the EPSG code is not supported.
func ForEPSG(epsg int) Projection {
	if p, ok := registry.Load(epsg); ok {
		return p.(Projection)
	}
	p := build(epsg)
	if p == nil {
		return nil
	}
	actual, _ := registry.LoadOrStore(epsg, p)
	return actual.(Projection)
}

func build(epsg int) Projection {
	switch {
	case epsg == 4326:
		return &WGS84Identity{}
	case epsg == 3857:
		return &WebMercator{}
	case epsg >= 32601 && epsg <= 32660:
		return utmOrNil(epsg-32600, false)
	case epsg >= 32701 && epsg <= 32760:
		return utmOrNil(epsg-32700, true)
	default:
		return nil
	}
}

func utmOrNil(zone int, south bool) Projection {
	u, err := NewUTM(zone, south)
	if err != nil {
		return nil
	}
	return u
}

// WGS84Identity is a no-op projection for data already in EPSG:4326.
type WGS84Identity struct{}

func (w *WGS84Identity) ToWGS84(x, y float64) (lon, lat float64, err error) { return x, y, nil }
func (w *WGS84Identity) FromWGS84(lon, lat float64) (x, y float64, err error) {
	return lon, lat, nil
}
func (w *WGS84Identity) EPSG() int { return 4326 }

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
