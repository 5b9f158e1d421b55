package reproject

import (
	"fmt"

	"github.com/ctessum/geom/proj"
)

const wgs84Def = "+proj=longlat +datum=WGS84 +no_defs"

// Proj4 is a Projection backed by a proj4 definition string.
type Proj4 struct {
	epsg int
	def  string
	fwd  proj.Transformer // WGS84 -> CRS
	inv  proj.Transformer // CRS -> WGS84
}

// NewProj4 parses def and builds the transforms to and from WGS84.
func NewProj4(epsg int, def string) (*Proj4, error) {
	wgs84, err := proj.Parse(wgs84Def)
	if err != nil {
		return nil, fmt.Errorf("parse wgs84: %w", err)
	}
	sr, err := proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("parse EPSG:%d %q: %w", epsg, def, err)
	}
	fwd, err := wgs84.NewTransform(sr)
	if err != nil {
		return nil, fmt.Errorf("EPSG:%d forward transform: %w", epsg, err)
	}
	inv, err := sr.NewTransform(wgs84)
	if err != nil {
		return nil, fmt.Errorf("EPSG:%d inverse transform: %w", epsg, err)
	}
	return &Proj4{epsg: epsg, def: def, fwd: fwd, inv: inv}, nil
}

func (p *Proj4) EPSG() int { return p.epsg }

// Definition returns the proj4 string the projection was built from.
func (p *Proj4) Definition() string { return p.def }

func (p *Proj4) ToWGS84(x, y float64) (lon, lat float64, err error) {
	if !finite(x, y) {
		return 0, 0, ErrOutOfDomain
	}
	lon, lat, err = p.inv(x, y)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrOutOfDomain, err)
	}
	if !finite(lon, lat) {
		return 0, 0, ErrOutOfDomain
	}
	return lon, lat, nil
}

func (p *Proj4) FromWGS84(lon, lat float64) (x, y float64, err error) {
	if !finite(lon, lat) {
		return 0, 0, ErrOutOfDomain
	}
	x, y, err = p.fwd(lon, lat)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrOutOfDomain, err)
	}
	if !finite(x, y) {
		return 0, 0, ErrOutOfDomain
	}
	return x, y, nil
}
