// Package domain contains the business search domain types.
package domain

import "math"

// Rating and coordinate bounds enforced on every mapped record.
const (
	MinRating    = 0.0
	MaxRating    = 5.0
	MaxLatitude  = 90.0
	MaxLongitude = 180.0
)

// GeoPoint is a WGS-84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// Valid reports whether both components are finite and within WGS-84 range.
func (p GeoPoint) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -MaxLatitude && p.Lat <= MaxLatitude &&
		p.Lng >= -MaxLongitude && p.Lng <= MaxLongitude
}

// IsZero reports whether the point is exactly (0, 0).
func (p GeoPoint) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// Business is a business record as served to clients.
type Business struct {
	ID          string
	Name        string
	Description string
	Category    string
	Address     string
	Location    GeoPoint
	AvgRating   float64
	RatingCount int64
}

// SearchRequest carries the caller's search criteria. Nil pointers mean
// "not supplied"; defaults are resolved by the service.
type SearchRequest struct {
	Location     *GeoPoint
	RadiusMeters *float64
	Name         string
	Category     string
	Limit        int
	Cursor       string
}

// SearchPage is one page of search results. Next is empty on the last page.
type SearchPage struct {
	Businesses []Business
	Next       string
}
