package transport

import "business_search_backend/internal/businesses/domain"

// Search

type SearchBusinessesRequest struct {
	Latitude  *float64 `form:"latitude" validate:"omitempty,latitude"`
	Longitude *float64 `form:"longitude" validate:"omitempty,longitude"`
	Radius    *float64 `form:"radius" validate:"omitempty,gt=0"`
	Name      string   `form:"name" validate:"max=200"`
	Category  string   `form:"category" validate:"max=100"`
	Limit     int      `form:"limit" validate:"min=0"`
	Cursor    string   `form:"cursor" validate:"max=512"`
}

type BusinessResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	AvgRating   float64 `json:"avgRating"`
	RatingCount int64   `json:"ratingCount"`
}

type SearchBusinessesResponse struct {
	Businesses []BusinessResponse `json:"businesses"`
	Next       string             `json:"next"`
}

// View

type ViewBusinessResponse struct {
	Business BusinessResponse `json:"business"`
}

// ToSearchRequest converts query parameters into a domain request. The
// location is only set when both coordinates were supplied.
func (r SearchBusinessesRequest) ToSearchRequest() domain.SearchRequest {
	req := domain.SearchRequest{
		RadiusMeters: r.Radius,
		Name:         r.Name,
		Category:     r.Category,
		Limit:        r.Limit,
		Cursor:       r.Cursor,
	}
	if r.Latitude != nil && r.Longitude != nil {
		req.Location = &domain.GeoPoint{Lat: *r.Latitude, Lng: *r.Longitude}
	}
	return req
}

// HasPartialLocation reports whether exactly one coordinate was supplied.
func (r SearchBusinessesRequest) HasPartialLocation() bool {
	return (r.Latitude == nil) != (r.Longitude == nil)
}

func ToBusinessResponse(b domain.Business) BusinessResponse {
	return BusinessResponse{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Category:    b.Category,
		Address:     b.Address,
		Latitude:    b.Location.Lat,
		Longitude:   b.Location.Lng,
		AvgRating:   b.AvgRating,
		RatingCount: b.RatingCount,
	}
}

func ToSearchBusinessesResponse(page domain.SearchPage) SearchBusinessesResponse {
	items := make([]BusinessResponse, 0, len(page.Businesses))
	for _, b := range page.Businesses {
		items = append(items, ToBusinessResponse(b))
	}
	return SearchBusinessesResponse{Businesses: items, Next: page.Next}
}
