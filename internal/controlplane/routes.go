package controlplane

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
)

const DefaultRateLimit = "10-S"

type RouteConfig struct {
	Token string
	// RateLimit is a ulule formatted rate, e.g. "10-S"
	RateLimit string
}

func SetupRoutes(engine Engine, cfg *RouteConfig) (http.Handler, error) {
	rate := cfg.RateLimit
	if rate == "" {
		rate = DefaultRateLimit
	}
	rateLimiter, err := RateLimiter(rate)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	syncH := NewSyncHandler(engine)

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(SecureHeaders())
	r.Use(CORS())
	r.Use(Gzip())
	r.Use(rateLimiter)

	r.GET("/", IndexHandler)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/status", syncH.Status)

		v1Sync := v1.Group("/sync")
		{
			v1Sync.GET("/files", syncH.Files)
			v1Sync.GET("/events", syncH.Events)
			v1Sync.POST("/poll", syncH.Poll)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, errNotFound)
	})

	r.NoMethod(func(c *gin.Context) {
		AbortWithError(c, http.StatusMethodNotAllowed, ErrCodeNotAllowed, errNotAllowed)
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
