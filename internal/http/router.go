package http

import (
	"context"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/bundle"
	appconfig "github.com/saker-ai/avatar-runtime/internal/config"
	"github.com/saker-ai/avatar-runtime/internal/maintenance"
	"github.com/saker-ai/avatar-runtime/internal/storage"
	"github.com/saker-ai/avatar-runtime/internal/viewer"
	"github.com/saker-ai/avatar-runtime/internal/ws"
	"github.com/saker-ai/avatar-runtime/webassets"
)

// API bundles the application pieces the router exposes.
type API struct {
	WS       *ws.Handler
	Registry *storage.Registry
	Viewers  *viewer.Manager
	Jobs     *maintenance.Service
	Bundles  *bundle.Engine
}

// NewRouter wires the http surface: health, the viewer websocket, the
// read-only observability endpoints, model previews, static bundle serving
// and the embedded status page.
func NewRouter(cfg appconfig.Config, api API, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/viewer-ws", func(c *gin.Context) {
		api.WS.Handle(c.Writer, c.Request)
	})

	router.GET("/api/models", func(c *gin.Context) {
		models := api.Registry.List()
		c.JSON(http.StatusOK, gin.H{
			"models": models,
			"count":  len(models),
		})
	})

	router.GET("/api/models/:name/preview", func(c *gin.Context) {
		rec, err := api.Registry.Resolve(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		edge := bundle.DefaultPreviewEdge
		if raw := c.Query("size"); raw != "" {
			parsed, convErr := strconv.Atoi(raw)
			if convErr != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a positive integer"})
				return
			}
			edge = parsed
		}

		data, err := renderPreview(c.Request.Context(), api.Bundles, rec, edge)
		if err != nil {
			if logger != nil {
				logger.Warn("model preview failed",
					zap.String("model", rec.Name),
					zap.Error(err))
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "preview generation failed"})
			return
		}
		c.Header("Cache-Control", "public, max-age=300")
		c.Data(http.StatusOK, "image/webp", data)
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"viewer": api.Viewers.Stats(),
			"jobs":   api.Jobs.Jobs(),
		})
	})

	if cfg.ModelsDir != "" {
		router.Static("/models", cfg.ModelsDir)
		if logger != nil {
			logger.Info("serving model bundles",
				zap.String("route", "/models"),
				zap.String("dir", cfg.ModelsDir))
		}
	}

	mountEmbeddedStatus(router, logger)

	return router
}

func renderPreview(ctx context.Context, engine *bundle.Engine, rec storage.Record, edge int) ([]byte, error) {
	raw, err := engine.Fetch(ctx, rec.URL)
	if err != nil {
		return nil, err
	}
	b, err := engine.Decode(ctx, rec.Name, rec.URL, raw)
	if err != nil {
		return nil, err
	}
	return bundle.Thumbnail(b, edge)
}

func mountEmbeddedStatus(router *gin.Engine, logger *zap.Logger) {
	embeddedRoot, err := webassets.Subdir("static")
	if err != nil {
		if logger != nil {
			logger.Warn("embedded status page unavailable", zap.Error(err))
		}
		return
	}

	indexHTML, err := fs.ReadFile(embeddedRoot, "index.html")
	if err != nil {
		if logger != nil {
			logger.Warn("missing embedded index.html", zap.Error(err))
		}
		return
	}

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
