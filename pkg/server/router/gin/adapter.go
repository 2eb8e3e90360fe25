// Package gin implements router.Router on gin-gonic/gin.
package gin

import (
	"encoding/json"
	"net/http"
	"sync"

	ginpkg "github.com/gin-gonic/gin"

	"github.com/ordefy/ordefy/pkg/server/router"
)

// GinRouter implements router.Router using gin.
type GinRouter struct {
	engine     *ginpkg.Engine
	group      *ginpkg.RouterGroup
	middleware []router.MiddlewareFunc
	mu         *sync.RWMutex
}

// NewRouter creates a GinRouter in release mode.
func NewRouter() *GinRouter {
	ginpkg.SetMode(ginpkg.ReleaseMode)
	return &GinRouter{
		engine: ginpkg.New(),
		mu:     &sync.RWMutex{},
	}
}

func (r *GinRouter) GET(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodGet, path, handler, middleware)
}

func (r *GinRouter) POST(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodPost, path, handler, middleware)
}

// Group creates a route group with a common prefix and middleware.
func (r *GinRouter) Group(prefix string, middleware ...router.MiddlewareFunc) router.Router {
	r.mu.RLock()
	combined := append([]router.MiddlewareFunc{}, r.middleware...)
	r.mu.RUnlock()
	combined = append(combined, middleware...)

	var group *ginpkg.RouterGroup
	if r.group == nil {
		group = r.engine.Group(prefix)
	} else {
		group = r.group.Group(prefix)
	}
	return &GinRouter{engine: r.engine, group: group, middleware: combined, mu: r.mu}
}

// Use applies middleware to routes registered afterwards.
func (r *GinRouter) Use(middleware ...router.MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

func (r *GinRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

func (r *GinRouter) handle(method, path string, h router.HandlerFunc, routeMiddleware []router.MiddlewareFunc) {
	r.mu.RLock()
	handler := router.Chain(h, append([]router.MiddlewareFunc{}, r.middleware...), routeMiddleware)
	r.mu.RUnlock()

	ginHandler := func(gc *ginpkg.Context) {
		ctx := &ginContext{ctx: gc, response: router.NewResponseWriter(gc.Writer)}
		if err := handler(ctx); err != nil && !ctx.response.Written() {
			gc.AbortWithStatus(http.StatusInternalServerError)
		}
	}

	if r.group != nil {
		r.group.Handle(method, path, ginHandler)
		return
	}
	r.engine.Handle(method, path, ginHandler)
}

type ginContext struct {
	ctx      *ginpkg.Context
	response router.ResponseWriter
}

func (c *ginContext) Request() *http.Request          { return c.ctx.Request }
func (c *ginContext) SetRequest(r *http.Request)      { c.ctx.Request = r }
func (c *ginContext) Response() router.ResponseWriter { return c.response }
func (c *ginContext) Route() string                   { return c.ctx.FullPath() }
func (c *ginContext) Param(name string) string        { return c.ctx.Param(name) }
func (c *ginContext) Query(name string) string        { return c.ctx.Query(name) }

func (c *ginContext) JSON(code int, v any) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	return json.NewEncoder(c.response).Encode(v)
}

func (c *ginContext) Get(key string) any {
	v, ok := c.ctx.Get(key)
	if !ok {
		return nil
	}
	return v
}

func (c *ginContext) Set(key string, value any) {
	c.ctx.Set(key, value)
}
