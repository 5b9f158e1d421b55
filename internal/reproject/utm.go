package reproject

import (
	"fmt"
	"math"
)

const (
	falseNorthingSouth = 10_000_000.0

	// Half-width of the band around the central meridian that is accepted.
	// Wider than a zone, so slightly misplaced input still transforms.
	maxMeridianOffset = 30.0

	// Beyond a quarter meridian (about 10002 km) the inverse wraps over the pole.
	maxNorthingOffset = 10_002_000.0
)

// UTM is a WGS84 UTM zone (EPSG:32601-32660 north, EPSG:32701-32760 south)
// restricted to 30° either side of its central meridian.
type UTM struct {
	*Proj4
	zone  int
	south bool
}

// NewUTM returns the projection for a zone in 1..60.
func NewUTM(zone int, south bool) (*UTM, error) {
	if zone < 1 || zone > 60 {
		return nil, fmt.Errorf("utm zone %d out of range", zone)
	}
	epsg := 32600 + zone
	def := fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", zone)
	if south {
		epsg = 32700 + zone
		def = fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", zone)
	}
	p, err := NewProj4(epsg, def)
	if err != nil {
		return nil, err
	}
	return &UTM{Proj4: p, zone: zone, south: south}, nil
}

// CentralMeridian returns the zone's central meridian in degrees.
func (u *UTM) CentralMeridian() float64 {
	return float64(u.zone*6 - 183)
}

// FromWGS84 converts WGS84 longitude/latitude (degrees) to easting/northing in metres.
func (u *UTM) FromWGS84(lon, lat float64) (easting, northing float64, err error) {
	if !finite(lon, lat) || math.Abs(lat) >= 90 || math.Abs(normalizeLon(lon-u.CentralMeridian())) > maxMeridianOffset {
		return 0, 0, ErrOutOfDomain
	}
	return u.Proj4.FromWGS84(lon, lat)
}

// ToWGS84 converts easting/northing in metres to WGS84 longitude/latitude (degrees).
func (u *UTM) ToWGS84(easting, northing float64) (lon, lat float64, err error) {
	fn := 0.0
	if u.south {
		fn = falseNorthingSouth
	}
	if !finite(easting, northing) || math.Abs(northing-fn) > maxNorthingOffset {
		return 0, 0, ErrOutOfDomain
	}

	lon, lat, err = u.Proj4.ToWGS84(easting, northing)
	if err != nil {
		return 0, 0, err
	}
	if math.Abs(lat) > 90 || math.Abs(normalizeLon(lon-u.CentralMeridian())) > maxMeridianOffset {
		return 0, 0, ErrOutOfDomain
	}
	return normalizeLon(lon), lat, nil
}

// normalizeLon wraps a longitude into [-180, 180).
func normalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
