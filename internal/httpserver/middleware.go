package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// capture retains the status code for the log line and the request counter.
type capture struct {
	http.ResponseWriter
	status int
}

func (c *capture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

// Logging emits one structured line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &capture{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(c, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", c.status,
			"duration", time.Since(start),
		)
	})
}

// Metrics counts requests per route and status code.
func Metrics(counter *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := &capture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(c, r)
			counter.WithLabelValues(routeLabel(r), strconv.Itoa(c.status)).Inc()
		})
	}
}

// routeLabel prefers the mux path template so path parameters do not blow up
// the label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
