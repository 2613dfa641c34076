package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iofold/iofold-jobs/internal/observability"
)

// unmatchedRoute labels requests no route matched, keeping raw paths out of
// the label set.
const unmatchedRoute = "unmatched"

// Metrics records job API traffic. Job status streams are tracked apart from
// request latency, and scrapes of /metrics are not recorded at all.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		switch {
		case route == "/metrics":
			c.Next()
			return
		case route == "":
			route = unmatchedRoute
		case strings.HasSuffix(route, "/stream"):
			defer m.StreamOpened()()
			c.Next()
			return
		}

		start := time.Now()
		done := m.RequestStarted()
		c.Next()
		done()
		m.ObserveAPI(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
