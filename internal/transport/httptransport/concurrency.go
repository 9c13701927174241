package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// capConcurrentRequests rejects with 429 once maxConcurrent requests are
// already in flight, protecting the single-executor-per-session debugger
// processes behind this endpoint from an unbounded request pile-up.
func capConcurrentRequests(maxConcurrent int) gin.HandlerFunc {
	semaphore := make(chan struct{}, maxConcurrent)

	return func(c *gin.Context) {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many concurrent requests",
			})
		}
	}
}
