// Package middleware contains the Gin middleware used by the admin API.
//
// This file records per-request Prometheus metrics into the collectors
// declared by package metrics. Requests are labelled by the matched route
// template, never the raw path, so ids in URLs cannot blow up cardinality;
// unmatched requests share the "unmatched" route label.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-voice-queue/internal/metrics"
)

const unmatchedRoute = "unmatched"

// Metrics instruments every request except those whose path is in skip,
// typically the scrape endpoint itself.
func Metrics(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
