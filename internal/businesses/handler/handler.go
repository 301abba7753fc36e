package handler

import (
	"context"

	"business_search_backend/internal/businesses/domain"
	"business_search_backend/internal/businesses/transport"
	"business_search_backend/platform/apperr"
	"business_search_backend/platform/httpkit"
	"business_search_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

// Searcher is the business search capability the handlers need.
type Searcher interface {
	Search(ctx context.Context, req domain.SearchRequest) (domain.SearchPage, error)
	View(ctx context.Context, id string) (domain.Business, error)
}

// Handler handles HTTP requests for businesses.
type Handler struct {
	svc Searcher
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgPartialLocation  = "latitude and longitude must be supplied together"
)

// New creates a new businesses handler.
func New(svc Searcher, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// SearchBusinesses returns a page of businesses near a point.
// GET /api/v1/businesses/search
func (h *Handler) SearchBusinesses(c *gin.Context) {
	var req transport.SearchBusinessesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.HandleError(c, apperr.Wrap(apperr.KindBadRequest, msgInvalidRequest, err))
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.HandleError(c, apperr.Wrap(apperr.KindValidation, msgValidationFailed, err).
			WithDetails(validator.FieldErrors(err)))
		return
	}
	if req.HasPartialLocation() {
		httpkit.HandleError(c, apperr.Validation(msgPartialLocation))
		return
	}

	page, err := h.svc.Search(c.Request.Context(), req.ToSearchRequest())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ToSearchBusinessesResponse(page))
}

// ViewBusiness returns a single business.
// GET /api/v1/businesses/:id
func (h *Handler) ViewBusiness(c *gin.Context) {
	b, err := h.svc.View(c.Request.Context(), c.Param("id"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.ViewBusinessResponse{Business: transport.ToBusinessResponse(b)})
}
