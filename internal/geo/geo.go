// Package geo holds the small amount of spherical geometry needed to answer
// "incidents within R of P" queries: great-circle distance and a bounding box
// used as an index-friendly prefilter.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the sphere radius used by common geospatial indexes and
// web mapping libraries.
const EarthRadiusMeters = 6378100.0

// Point is a WGS84 coordinate. It marshals as a GeoJSON Point, which stores
// coordinates in [longitude, latitude] order.
type Point struct {
	Lng float64
	Lat float64
}

// NewPoint validates the ranges of a coordinate pair.
func NewPoint(lng, lat float64) (Point, error) {
	p := Point{Lng: lng, Lat: lat}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate reports whether the point lies within the WGS84 ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return errors.New("coordinates must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lng)
	}
	return nil
}

// String formats the point as "lat,lng", the order humans read coordinates in.
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

type geoJSONPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// MarshalJSON encodes the point as {"type":"Point","coordinates":[lng,lat]}.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(geoJSONPoint{Type: "Point", Coordinates: [2]float64{p.Lng, p.Lat}})
}

// UnmarshalJSON accepts the GeoJSON form produced by MarshalJSON.
func (p *Point) UnmarshalJSON(data []byte) error {
	var g geoJSONPoint
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	if g.Type != "Point" {
		return fmt.Errorf("geo: unsupported GeoJSON type %q", g.Type)
	}
	p.Lng, p.Lat = g.Coordinates[0], g.Coordinates[1]
	return nil
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Clamp: rounding can push h a hair above 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// BoundingBox is an axis-aligned lat/lng rectangle.
// WrapsLng is set when the box crosses the antimeridian or covers a pole, in
// which case the longitude bounds must not be used as a filter.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	WrapsLng       bool
}

// Contains reports whether p falls inside the box.
func (b BoundingBox) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.WrapsLng {
		return true
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// BoundingBoxAround returns a box guaranteed to contain every point within
// radiusMeters of center. It over-approximates; callers still filter by
// DistanceMeters.
func BoundingBoxAround(center Point, radiusMeters float64) BoundingBox {
	angular := radiusMeters / EarthRadiusMeters
	dLat := degrees(angular)

	box := BoundingBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
	}
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		box.MinLat = math.Max(box.MinLat, -90)
		box.MaxLat = math.Min(box.MaxLat, 90)
		box.WrapsLng = true
		return box
	}

	dLng := degrees(math.Asin(math.Min(1, math.Sin(angular)/math.Cos(radians(center.Lat)))))
	box.MinLng = center.Lng - dLng
	box.MaxLng = center.Lng + dLng
	if box.MinLng < -180 || box.MaxLng > 180 || angular >= math.Pi/2 {
		box.WrapsLng = true
	}
	return box
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
