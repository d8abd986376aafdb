// Package router keeps route registration apart from the HTTP server so the
// admin surface can be wired, listed and tested as one unit. Routes carry a
// method and a relay flag; relay routes get the body-size middleware, every
// route gets request logging.
package router

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/pterm/pterm"

	"github.com/proxywhirl/proxywhirl/internal/logger"
)

type RouteInfo struct {
	Handler     http.HandlerFunc
	Description string
	Method      string
	Path        string
	Order       int
	IsRelay     bool
}

type RouteRegistry struct {
	routes   map[string]RouteInfo
	logger   *logger.StyledLogger
	orderSeq int
}

func NewRouteRegistry(logger *logger.StyledLogger) *RouteRegistry {
	return &RouteRegistry{
		routes:   make(map[string]RouteInfo),
		logger:   logger,
		orderSeq: 0,
	}
}

func (r *RouteRegistry) Register(route string, handler http.HandlerFunc, description string) {
	r.RegisterWithMethod(route, handler, description, http.MethodGet)
}

func (r *RouteRegistry) RegisterWithMethod(route string, handler http.HandlerFunc, description, method string) {
	r.registerWithMethod(route, handler, description, method, false)
}

// RegisterRelayRoute marks the route as carrying caller-supplied bodies so
// wire-up can put the size limiter in front of it.
func (r *RouteRegistry) RegisterRelayRoute(route string, handler http.HandlerFunc, description, method string) {
	r.registerWithMethod(route, handler, description, method, true)
}

func (r *RouteRegistry) registerWithMethod(route string, handler http.HandlerFunc, description, method string, isRelay bool) {
	// Keyed by pattern so one path can host several methods.
	r.routes[pattern(method, route)] = RouteInfo{
		Handler:     handler,
		Description: description,
		Method:      method,
		Path:        route,
		Order:       r.orderSeq,
		IsRelay:     isRelay,
	}
	r.orderSeq++
}

// pattern builds a Go 1.22 method-scoped mux pattern.
func pattern(method, route string) string {
	if method == "" {
		return route
	}
	return method + " " + route
}

func (r *RouteRegistry) WireUp(mux *http.ServeMux) {
	for p, info := range r.routes {
		mux.HandleFunc(p, info.Handler)
	}
	r.logRoutesTable()
}

// WireUpWithMiddleware wires routes with the size limiter on relay routes
// and request logging everywhere. Either argument may be nil or fail the
// duck-type; missing middleware degrades to plain wiring for that concern.
func (r *RouteRegistry) WireUpWithMiddleware(mux *http.ServeMux, sizeLimiter interface{}, requestLogger interface{}) {
	type middlewareFunc interface {
		Middleware(http.Handler) http.Handler
	}

	type loggerFunc interface {
		Middleware(bool) func(http.Handler) http.Handler
	}

	sizeMiddleware, hasSizeMiddleware := sizeLimiter.(middlewareFunc)
	logMiddleware, hasLogMiddleware := requestLogger.(loggerFunc)

	if !hasSizeMiddleware && !hasLogMiddleware {
		r.WireUp(mux)
		return
	}

	for p, info := range r.routes {
		var handler http.Handler = info.Handler

		if info.IsRelay && hasSizeMiddleware {
			handler = sizeMiddleware.Middleware(handler)
		}
		if hasLogMiddleware {
			handler = logMiddleware.Middleware(info.IsRelay)(handler)
		}
		mux.Handle(p, handler)
	}
	r.logRoutesTable()
}

func (r *RouteRegistry) logRoutesTable() {
	if len(r.routes) == 0 {
		return
	}

	type routeEntry struct {
		path   string
		method string
		desc   string
		order  int
	}

	var entries []routeEntry
	for _, info := range r.routes {
		entries = append(entries, routeEntry{
			path:   info.Path,
			method: info.Method,
			desc:   info.Description,
			order:  info.Order,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})

	tableData := [][]string{
		{"ROUTE", "METHOD", "DESCRIPTION"},
	}

	for _, entry := range entries {
		tableData = append(tableData, []string{
			entry.path,
			entry.method,
			entry.desc,
		})
	}

	r.logger.InfoWithCount("Registered web routes", len(entries))
	tableString, _ := pterm.DefaultTable.WithHasHeader().WithData(tableData).Srender()
	fmt.Print(tableString)
}

func (r *RouteRegistry) GetRoutes() map[string]RouteInfo {
	return r.routes
}
