package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs one line per request with method, path, status and
// latency.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if len(c.Errors) > 0 {
			log.Printf("HTTP %d %s %s %s error=%s", status, c.Request.Method, c.Request.URL.Path, latency, c.Errors.String())
			return
		}
		log.Printf("HTTP %d %s %s %s", status, c.Request.Method, c.Request.URL.Path, latency)
	}
}
