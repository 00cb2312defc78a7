package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NotReady sends a 202 Accepted response for a job that is still running.
// The body carries the job ID so the client can poll or re-subscribe.
func NotReady(c *gin.Context, jobID string) {
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "in_progress",
	})
}

// GatewayTimeout sends a 504 response when the research engine did not finish
// within the synchronous wait window.
func GatewayTimeout(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusGatewayTimeout, NewAPIError(message, details))
}

// BadGateway sends a 502 response when the research engine failed to produce
// a report.
func BadGateway(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusBadGateway, NewAPIError(message, details))
}
