package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getAppLogs 按字节偏移读取本进程 app.log
func (r *Router) getAppLogs(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	if r.appLog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "app log is not enabled"})
		return
	}
	c.JSON(http.StatusOK, r.appLog.Snapshot(since))
}
