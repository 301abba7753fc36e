// Package http assembles the HTTP surface: the App container, the router
// and the Module contract bounded contexts use to mount their endpoints.
package http

import (
	"github.com/gin-gonic/gin"
)

// Module is a bounded context that mounts its own endpoints.
type Module interface {
	// Name identifies the module in startup logs.
	Name() string
	// RegisterRoutes attaches the module's handlers.
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext carries the route groups a module may attach to.
type RouterContext struct {
	Engine *gin.Engine
	// V1 is /api/v1; requests on it pass the per-IP rate limiter.
	V1 *gin.RouterGroup
}
