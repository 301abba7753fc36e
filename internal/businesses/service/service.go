// Package service orchestrates business search and lookup: it resolves
// request defaults, takes a connection lease, runs the query and maps the
// result into a page.
package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"business_search_backend/internal/businesses/cursor"
	"business_search_backend/internal/businesses/domain"
	"business_search_backend/internal/businesses/query"
	"business_search_backend/internal/businesses/repository"
	"business_search_backend/platform/apperr"
	"business_search_backend/platform/config"
	"business_search_backend/platform/db"
	"business_search_backend/platform/logger"
)

const (
	opSearch = "businesses.Search"
	opView   = "businesses.View"
)

// Leaser scopes work to one leased datastore connection.
type Leaser interface {
	WithLease(ctx context.Context, fn func(ctx context.Context, conn db.Conn) error) error
}

// Store runs business statements on a leased connection.
type Store interface {
	Search(ctx context.Context, conn db.Conn, q query.CompiledQuery) ([]repository.Row, error)
	GetByID(ctx context.Context, conn db.Conn, id string) (repository.Row, error)
}

// ViewCache is an optional read-through cache for View.
type ViewCache interface {
	Get(ctx context.Context, id string) (domain.Business, bool)
	Set(ctx context.Context, b domain.Business)
}

// Options hold search defaults and limits.
type Options struct {
	DefaultLocation       domain.GeoPoint
	DefaultRadius         float64
	MaxRadius             float64
	DefaultLimit          int
	MaxLimit              int
	Language              string
	MaxFaultRatio         float64
	ZeroCoordinateIsUnset bool
}

// OptionsFrom reads search options from configuration.
func OptionsFrom(cfg config.SearchConfig) Options {
	return Options{
		DefaultLocation: domain.GeoPoint{
			Lat: cfg.GetSearchDefaultLatitude(),
			Lng: cfg.GetSearchDefaultLongitude(),
		},
		DefaultRadius:         cfg.GetSearchDefaultRadius(),
		MaxRadius:             cfg.GetSearchMaxRadius(),
		DefaultLimit:          cfg.GetSearchDefaultLimit(),
		MaxLimit:              cfg.GetSearchMaxLimit(),
		Language:              cfg.GetSearchTextLanguage(),
		MaxFaultRatio:         cfg.GetSearchMaxMappingFaultRatio(),
		ZeroCoordinateIsUnset: cfg.GetSearchZeroCoordinateIsUnset(),
	}
}

// Service provides business search and lookup.
type Service struct {
	leaser Leaser
	store  Store
	codec  *cursor.Codec
	cache  ViewCache
	opts   Options
	log    *logger.Logger
}

// New creates a new businesses service.
func New(leaser Leaser, store Store, codec *cursor.Codec, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{leaser: leaser, store: store, codec: codec, opts: opts, log: log}
}

// WithCache enables the View read-through cache.
func (s *Service) WithCache(cache ViewCache) *Service {
	s.cache = cache
	return s
}

// Search returns one page of businesses matching req, best rated first.
// A malformed cursor is rejected before any connection is leased.
func (s *Service) Search(ctx context.Context, req domain.SearchRequest) (domain.SearchPage, error) {
	params, err := s.resolve(req)
	if err != nil {
		return domain.SearchPage{}, err
	}

	var after *cursor.Position
	if req.Cursor != "" {
		pos, err := s.codec.Decode(req.Cursor)
		if err != nil {
			return domain.SearchPage{}, apperr.Wrap(apperr.KindBadRequest, "invalid cursor", err).
				WithCode(apperr.CodeInvalidCursor).
				WithOp(opSearch)
		}
		after = &pos
	}

	q := query.Build(params, after)

	var rows []repository.Row
	err = s.leaser.WithLease(ctx, func(ctx context.Context, conn db.Conn) error {
		var err error
		rows, err = s.store.Search(ctx, conn, q)
		return err
	})
	if err != nil {
		return domain.SearchPage{}, s.translate(ctx, opSearch, err)
	}

	hasMore := len(rows) > q.Limit
	if hasMore {
		rows = rows[:q.Limit]
	}

	businesses, err := repository.MapRows(rows, s.opts.MaxFaultRatio, s.log.WithContext(ctx))
	if err != nil {
		return domain.SearchPage{}, s.translate(ctx, opSearch, err)
	}

	page := domain.SearchPage{Businesses: businesses}
	if hasMore {
		next, err := s.nextCursor(rows)
		if err != nil {
			return domain.SearchPage{}, s.translate(ctx, opSearch, err)
		}
		page.Next = next
	}
	return page, nil
}

// View returns the business with the given id.
func (s *Service) View(ctx context.Context, id string) (domain.Business, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Business{}, apperr.Validation("id is required").WithOp(opView)
	}

	if s.cache != nil {
		if b, ok := s.cache.Get(ctx, id); ok {
			return b, nil
		}
	}

	var row repository.Row
	err := s.leaser.WithLease(ctx, func(ctx context.Context, conn db.Conn) error {
		var err error
		row, err = s.store.GetByID(ctx, conn, id)
		return err
	})
	if err != nil {
		return domain.Business{}, s.translate(ctx, opView, err)
	}

	b, err := repository.MapRow(row, s.log.WithContext(ctx))
	if err != nil {
		var fe *repository.FaultError
		if errors.As(err, &fe) {
			s.log.WithContext(ctx).MappingFault(fe.ID, fe.Reason)
		}
		return domain.Business{}, apperr.Wrap(apperr.KindInternal, "business record is malformed", err).
			WithCode(apperr.CodeMappingFault).
			WithOp(opView)
	}

	if s.cache != nil {
		s.cache.Set(ctx, b)
	}
	return b, nil
}

func (s *Service) resolve(req domain.SearchRequest) (query.Params, error) {
	center := s.opts.DefaultLocation
	if req.Location != nil {
		if !req.Location.Valid() {
			return query.Params{}, apperr.Validation("coordinate out of range").WithOp(opSearch)
		}
		if !(s.opts.ZeroCoordinateIsUnset && req.Location.IsZero()) {
			center = *req.Location
		}
	}

	radius := s.opts.DefaultRadius
	if req.RadiusMeters != nil {
		r := *req.RadiusMeters
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return query.Params{}, apperr.Validation("radius must be a finite number").WithOp(opSearch)
		}
		if r <= 0 {
			return query.Params{}, apperr.Validation("radius must be positive").WithOp(opSearch)
		}
		radius = r
	}
	if s.opts.MaxRadius > 0 && radius > s.opts.MaxRadius {
		radius = s.opts.MaxRadius
	}

	if req.Limit < 0 {
		return query.Params{}, apperr.Validation("limit must not be negative").WithOp(opSearch)
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.opts.DefaultLimit
	}
	if s.opts.MaxLimit > 0 && limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}

	return query.Params{
		Center:   &center,
		Radius:   radius,
		Text:     req.Name,
		Category: req.Category,
		Language: s.opts.Language,
		Limit:    limit,
	}, nil
}

// nextCursor encodes the sort key of the last retained row. Rows whose keys
// are unreadable were excluded by the mapper, so the nearest keyed row
// before them is an equally valid resume point.
func (s *Service) nextCursor(rows []repository.Row) (string, error) {
	for i := len(rows) - 1; i >= 0; i-- {
		if pos, ok := rows[i].SortKey(); ok {
			return s.codec.Encode(pos)
		}
	}
	return "", repository.ErrMappingFault
}

func (s *Service) translate(ctx context.Context, op string, err error) error {
	if domainErr, ok := apperr.As(err); ok {
		if domainErr.Op == "" {
			domainErr.WithOp(op)
		}
		return domainErr
	}

	switch {
	case errors.Is(err, db.ErrPoolExhausted):
		return apperr.Wrap(apperr.KindUnavailable, "service is busy, retry later", err).
			WithCode(apperr.CodePoolExhausted).WithOp(op)
	case errors.Is(err, db.ErrAcquireTimeout):
		return apperr.Wrap(apperr.KindUnavailable, "timed out waiting for the datastore", err).
			WithCode(apperr.CodeAcquireTimeout).WithOp(op)
	case errors.Is(err, db.ErrUnavailable):
		s.log.WithContext(ctx).DatabaseError(op, err)
		return apperr.Wrap(apperr.KindUnavailable, "datastore unavailable", err).
			WithCode(apperr.CodeDatastoreUnavailable).WithOp(op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindUnavailable, "request canceled", err).
			WithCode(apperr.CodeCanceled).WithOp(op)
	case errors.Is(err, repository.ErrMappingFault):
		s.log.WithContext(ctx).Error("mapping fault threshold exceeded", "operation", op, "error", err)
		return apperr.Wrap(apperr.KindInternal, "result contained malformed records", err).
			WithCode(apperr.CodeMappingFault).WithOp(op)
	default:
		s.log.WithContext(ctx).DatabaseError(op, err)
		return apperr.Wrap(apperr.KindInternal, "query execution failed", err).
			WithCode(apperr.CodeQueryExecutionFailed).WithOp(op)
	}
}
