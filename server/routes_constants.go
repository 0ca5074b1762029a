package server

// Route path constants
const (
	RouteCallback = "/callback"
	RouteHealth   = "/healthz"
	RouteMetrics  = "/metrics"
)
