// Package gorilla implements router.Router on gorilla/mux.
package gorilla

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ordefy/ordefy/pkg/server/router"
)

// GorillaRouter implements router.Router using gorilla/mux. Paths use the
// ":name" parameter syntax and are translated to "{name}".
type GorillaRouter struct {
	router     *mux.Router
	prefix     string
	middleware []router.MiddlewareFunc
	mu         *sync.RWMutex
}

// NewRouter creates a GorillaRouter.
func NewRouter() *GorillaRouter {
	return &GorillaRouter{
		router: mux.NewRouter(),
		mu:     &sync.RWMutex{},
	}
}

func (r *GorillaRouter) GET(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodGet, path, handler, middleware)
}

func (r *GorillaRouter) POST(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodPost, path, handler, middleware)
}

// Group creates a subrouter with a common prefix and middleware.
func (r *GorillaRouter) Group(prefix string, middleware ...router.MiddlewareFunc) router.Router {
	r.mu.RLock()
	combined := append([]router.MiddlewareFunc{}, r.middleware...)
	r.mu.RUnlock()
	combined = append(combined, middleware...)

	return &GorillaRouter{
		router:     r.router.PathPrefix(toMuxPath(prefix)).Subrouter(),
		prefix:     r.prefix + prefix,
		middleware: combined,
		mu:         r.mu,
	}
}

// Use applies middleware to routes registered afterwards.
func (r *GorillaRouter) Use(middleware ...router.MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

func (r *GorillaRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

func (r *GorillaRouter) handle(method, path string, h router.HandlerFunc, routeMiddleware []router.MiddlewareFunc) {
	r.mu.RLock()
	handler := router.Chain(h, append([]router.MiddlewareFunc{}, r.middleware...), routeMiddleware)
	r.mu.RUnlock()

	route := r.prefix + path
	r.router.HandleFunc(toMuxPath(path), func(w http.ResponseWriter, req *http.Request) {
		ctx := &gorillaContext{
			request:  req,
			response: router.NewResponseWriter(w),
			route:    route,
			store:    make(map[string]any),
		}
		if err := handler(ctx); err != nil && !ctx.response.Written() {
			http.Error(ctx.response, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}).Methods(method)
}

func toMuxPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			parts[i] = "{" + p[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

type gorillaContext struct {
	request  *http.Request
	response router.ResponseWriter
	route    string
	mu       sync.RWMutex
	store    map[string]any
}

func (c *gorillaContext) Request() *http.Request          { return c.request }
func (c *gorillaContext) SetRequest(r *http.Request)      { c.request = r }
func (c *gorillaContext) Response() router.ResponseWriter { return c.response }
func (c *gorillaContext) Route() string                   { return c.route }
func (c *gorillaContext) Param(name string) string        { return mux.Vars(c.request)[name] }
func (c *gorillaContext) Query(name string) string        { return c.request.URL.Query().Get(name) }

func (c *gorillaContext) JSON(code int, v any) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	return json.NewEncoder(c.response).Encode(v)
}

func (c *gorillaContext) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store[key]
}

func (c *gorillaContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
}
