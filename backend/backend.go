// Package backend is the protected resource: a static greeting that echoes
// the caller's verified claims. It trusts the claims header written by the
// gateway and never sees a raw token, so it must only be reachable through
// the gateway. Run standalone it listens on loopback unless told otherwise.
package backend

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iam "github.com/chimerakang/iam-pipeline"
	"github.com/chimerakang/iam-pipeline/middleware/ginmw"
)

// Greeting is the static body of every successful response.
const Greeting = "Hello from the backend!"

// DefaultPath is where the greeting is served unless configured otherwise.
const DefaultPath = "/hello"

// Response is the greeting payload.
type Response struct {
	Message string      `json:"message"`
	Claims  *iam.Claims `json:"claims"`
}

// Handler answers with the greeting. Claims come from the request context
// when mounted behind in-process middleware, otherwise from the claims
// header. A request carrying neither did not pass the gateway.
func Handler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := iam.ClaimsFromContext(c.Request.Context())
		if claims == nil {
			var err error
			claims, err = iam.DecodeClaimsHeader(c.GetHeader(iam.ClaimsHeader))
			if err != nil {
				logger.Warn("request without verified claims", zap.String("path", c.Request.URL.Path), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
				return
			}
		}
		c.JSON(http.StatusOK, Response{Message: Greeting, Claims: claims})
	}
}

// NewRouter serves the greeting on each path, or DefaultPath when none are
// given.
func NewRouter(logger *zap.Logger, paths ...string) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(paths) == 0 {
		paths = []string{DefaultPath}
	}
	r := gin.New()
	r.Use(gin.Recovery(), ginmw.RequestID(), ginmw.RequestLogger(logger))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	h := Handler(logger)
	for _, p := range paths {
		r.GET(p, h)
	}
	return r
}
