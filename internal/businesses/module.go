// Package businesses provides the business search bounded context module.
package businesses

import (
	"business_search_backend/internal/businesses/cache"
	"business_search_backend/internal/businesses/cursor"
	"business_search_backend/internal/businesses/handler"
	"business_search_backend/internal/businesses/repository"
	"business_search_backend/internal/businesses/service"
	apphttp "business_search_backend/internal/http"
	"business_search_backend/platform/config"
	"business_search_backend/platform/logger"
	"business_search_backend/platform/validator"
)

// Module is the businesses bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the businesses module. viewCache may be
// nil, in which case every View reads the datastore.
func NewModule(leaser service.Leaser, codec *cursor.Codec, viewCache *cache.ViewCache, val *validator.Validator, cfg config.SearchConfig, log *logger.Logger) *Module {
	svc := service.New(leaser, repository.New(), codec, service.OptionsFrom(cfg), log)
	if viewCache != nil {
		svc.WithCache(viewCache)
	}

	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "businesses"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts business routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/businesses")
	group.GET("/search", m.handler.SearchBusinesses)
	group.GET("/:id", m.handler.ViewBusiness)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
