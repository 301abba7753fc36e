package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"business_search_backend/internal/businesses/domain"
	"business_search_backend/platform/sanitize"
)

const uncategorized = "Uncategorized"

// yelpRecord is one line of the Yelp open dataset business file.
type yelpRecord struct {
	BusinessID  string   `json:"business_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Address     string   `json:"address"`
	City        string   `json:"city"`
	State       string   `json:"state"`
	PostalCode  string   `json:"postal_code"`
	Categories  *string  `json:"categories"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Stars       float64  `json:"stars"`
	ReviewCount int64    `json:"review_count"`
}

func (r yelpRecord) toBusiness() (domain.Business, error) {
	id := strings.TrimSpace(r.BusinessID)
	name := sanitize.Text(r.Name)
	switch {
	case id == "":
		return domain.Business{}, errors.New("missing business_id")
	case name == "":
		return domain.Business{}, fmt.Errorf("%s: missing name", id)
	case r.Latitude == nil || r.Longitude == nil:
		return domain.Business{}, fmt.Errorf("%s: missing coordinates", id)
	case r.Stars < domain.MinRating || r.Stars > domain.MaxRating:
		return domain.Business{}, fmt.Errorf("%s: stars %v out of range", id, r.Stars)
	case r.ReviewCount < 0:
		return domain.Business{}, fmt.Errorf("%s: negative review_count", id)
	}

	location := domain.GeoPoint{Lat: *r.Latitude, Lng: *r.Longitude}
	if !location.Valid() {
		return domain.Business{}, fmt.Errorf("%s: coordinates out of range", id)
	}

	rating := r.Stars
	if r.ReviewCount == 0 {
		rating = 0
	}

	return domain.Business{
		ID:          id,
		Name:        name,
		Description: sanitize.Text(r.Description),
		Category:    primaryCategory(r.Categories),
		Address:     sanitize.Text(joinNonEmpty(r.Address, r.City, r.State+" "+r.PostalCode)),
		Location:    location,
		AvgRating:   rating,
		RatingCount: r.ReviewCount,
	}, nil
}

func primaryCategory(categories *string) string {
	if categories == nil {
		return uncategorized
	}
	for _, c := range strings.Split(*categories, ",") {
		if c = sanitize.Text(c); c != "" {
			return c
		}
	}
	return uncategorized
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

// reader streams businesses from JSON lines, reporting unusable records
// through skip instead of stopping.
type reader struct {
	dec  *json.Decoder
	skip func(line int, err error)
	line int
}

func newReader(r io.Reader, skip func(line int, err error)) *reader {
	return &reader{dec: json.NewDecoder(r), skip: skip}
}

// next returns up to n businesses. It returns io.EOF once the input is
// exhausted and nothing was read.
func (r *reader) next(n int) ([]domain.Business, error) {
	out := make([]domain.Business, 0, n)
	for len(out) < n {
		var rec yelpRecord
		err := r.dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		r.line++
		if err != nil {
			return out, fmt.Errorf("line %d: %w", r.line, err)
		}

		b, err := rec.toBusiness()
		if err != nil {
			r.skip(r.line, err)
			continue
		}
		out = append(out, b)
	}

	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}
