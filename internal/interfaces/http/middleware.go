package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const (
	// ActorHeader carries the employee id of the caller
	ActorHeader = "X-Actor-ID"

	actorKey = "actor"
)

// loggingMiddleware logs every request
func loggingMiddleware(logger Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware allows the listed origins, or any origin when the list is empty
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+ActorHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// actorMiddleware resolves X-Actor-ID against the directory. Requests without
// the header proceed anonymously; services refuse actions that need an actor.
func actorMiddleware(directory port.Directory, logger Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(ActorHeader))
		if id == "" || directory == nil {
			c.Next()
			return
		}
		emp, err := directory.GetEmployee(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				abortWithError(c, apperr.Authorization("http.actor", "unknown actor %s", id), logger)
				return
			}
			abortWithError(c, apperr.External("http.actor", err, "directory lookup failed"), logger)
			return
		}
		c.Set(actorKey, emp)
		c.Next()
	}
}

// actorFrom returns the resolved caller or nil
func actorFrom(c *gin.Context) *entity.Employee {
	v, ok := c.Get(actorKey)
	if !ok {
		return nil
	}
	emp, _ := v.(*entity.Employee)
	return emp
}
