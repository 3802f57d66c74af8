package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	routeHealth = "/health"
	routeSync   = "/sync/:documentID"

	queryToken   = "token"
	headerAuth   = "Authorization"
	bearerPrefix = "Bearer "
)

var (
	errMissingHub      = errors.New("hub dependency required")
	errMissingVerifier = errors.New("token verifier dependency required")
)

// TokenVerifier authorizes a connection token before the websocket upgrade.
type TokenVerifier interface {
	Authorize(token string) error
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Hub         *Hub
	Verifier    TokenVerifier
	Logger      *zap.Logger
	ServiceName string
	Clock       func() time.Time
}

// NewHTTPHandler assembles the gin engine with the health probe and the
// websocket sync endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet},
		AllowHeaders:    []string{headerAuth, "Content-Type"},
	}))

	engine.GET(routeHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   deps.ServiceName,
			"timestamp": clock().UTC().Format(time.RFC3339),
		})
	})

	engine.GET(routeSync, func(c *gin.Context) {
		token := connectionToken(c)
		if err := deps.Verifier.Authorize(token); err != nil {
			logger.Warn("connection rejected",
				zap.String("document_id", c.Param("documentID")),
				zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid connection token"})
			return
		}
		deps.Hub.Serve(c.Writer, c.Request, c.Param("documentID"))
	})

	return engine, nil
}

// connectionToken reads the token from the query string, falling back to a
// bearer header. Browsers cannot set headers on websocket dials, so the query
// form is the primary one.
func connectionToken(c *gin.Context) string {
	if token := c.Query(queryToken); token != "" {
		return token
	}
	header := c.GetHeader(headerAuth)
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimPrefix(header, bearerPrefix)
	}
	return ""
}
