package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"business_search_backend/internal/businesses/domain"
	"business_search_backend/platform/logger"
)

// ErrMappingFault is returned when too many rows of one result are
// malformed to trust the rest of it.
var ErrMappingFault = errors.New("too many malformed business rows")

// FaultError describes why a single row could not be mapped.
type FaultError struct {
	ID     string
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("business %q: %s", e.ID, e.Reason)
}

// MapRow converts one raw row into a Business. A rating on an unrated
// business is reset to zero; anything else out of shape is a fault.
func MapRow(row Row, log *logger.Logger) (domain.Business, error) {
	id := ""
	if row.ID != nil {
		id = *row.ID
	}
	fault := func(reason string) (domain.Business, error) {
		return domain.Business{}, &FaultError{ID: id, Reason: reason}
	}

	switch {
	case id == "":
		return fault("missing id")
	case row.Name == nil || *row.Name == "":
		return fault("missing name")
	case row.Category == nil:
		return fault("missing category")
	case row.Address == nil:
		return fault("missing address")
	case row.Latitude == nil || row.Longitude == nil:
		return fault("missing location")
	case row.AvgRating == nil:
		return fault("missing avg_rating")
	case row.NumRating == nil:
		return fault("missing num_rating")
	}

	location := domain.GeoPoint{Lat: *row.Latitude, Lng: *row.Longitude}
	if !location.Valid() {
		return fault(fmt.Sprintf("coordinate out of range (%v, %v)", location.Lat, location.Lng))
	}
	rating := *row.AvgRating
	if math.IsNaN(rating) || rating < domain.MinRating || rating > domain.MaxRating {
		return fault(fmt.Sprintf("avg_rating %v out of range", rating))
	}
	count := *row.NumRating
	if count < 0 {
		return fault(fmt.Sprintf("negative num_rating %d", count))
	}

	if count == 0 && rating != 0 {
		if log != nil {
			log.Warn("rating_normalized",
				slog.String("business_id", id),
				slog.Float64("avg_rating", rating),
			)
		}
		rating = 0
	}

	description := ""
	if row.Description != nil {
		description = *row.Description
	}

	return domain.Business{
		ID:          id,
		Name:        *row.Name,
		Description: description,
		Category:    *row.Category,
		Address:     *row.Address,
		Location:    location,
		AvgRating:   rating,
		RatingCount: count,
	}, nil
}

// MapRows maps rows in order, logging and skipping faulty ones. If the share
// of faulty rows exceeds maxFaultRatio the whole result is rejected.
func MapRows(rows []Row, maxFaultRatio float64, log *logger.Logger) ([]domain.Business, error) {
	if log == nil {
		log = logger.Discard()
	}

	out := make([]domain.Business, 0, len(rows))
	faults := 0
	for _, row := range rows {
		b, err := MapRow(row, log)
		if err != nil {
			var fe *FaultError
			if errors.As(err, &fe) {
				log.MappingFault(fe.ID, fe.Reason)
			}
			faults++
			continue
		}
		out = append(out, b)
	}

	if faults > 0 && float64(faults)/float64(len(rows)) > maxFaultRatio {
		return nil, fmt.Errorf("%w: %d of %d", ErrMappingFault, faults, len(rows))
	}
	return out, nil
}
