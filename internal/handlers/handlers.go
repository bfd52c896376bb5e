package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/example/animal-classifier/internal/classifier"
	"github.com/example/animal-classifier/internal/pipeline"
	"github.com/example/animal-classifier/internal/staging"
	"github.com/example/animal-classifier/internal/usecase"
)

const (
	// MaxUploadSize is the default limit on the uploaded image size.
	MaxUploadSize = 10 << 20
	// UploadField is the multipart field carrying the image.
	UploadField = "image"

	// multipartSlack allows for boundaries and part headers on top of the
	// file itself.
	multipartSlack = 64 << 10
)

// ClassificationService is the subset of the use case the handlers need.
type ClassificationService interface {
	Classify(ctx context.Context, payload staging.Payload) (*classifier.Result, error)
	GetStatus(ctx context.Context, requestID string) (*usecase.RequestStatus, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RouteOptions tunes the HTTP surface.
type RouteOptions struct {
	// MaxUploadBytes defaults to MaxUploadSize when zero.
	MaxUploadBytes int64
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc ClassificationService, opts RouteOptions) {
	limit := opts.MaxUploadBytes
	if limit <= 0 {
		limit = MaxUploadSize
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to the Wildlife Image Classifier API"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := router.Group("/api")
	api.POST("/upload", uploadHandler(svc, limit))

	api.GET("/requests/:id", func(c *gin.Context) {
		status, err := svc.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, usecase.ErrStatusNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load request status"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	api.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrSummaryUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
}

func uploadHandler(svc ClassificationService, limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit+multipartSlack {
			respondError(c, pipeline.UploadTooLarge(limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartSlack)

		file, err := c.FormFile(UploadField)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(c, pipeline.UploadTooLarge(limit))
				return
			}
			respondError(c, pipeline.UploadMissing())
			return
		}
		if file.Size > limit {
			respondError(c, pipeline.UploadTooLarge(limit))
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, pipeline.IOError("Failed to read uploaded image", err))
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			respondError(c, pipeline.IOError("Failed to read uploaded image", err))
			return
		}

		contentType := resolveContentType(file.Header.Get("Content-Type"), data)
		if !strings.HasPrefix(contentType, "image/") {
			respondError(c, pipeline.UploadInvalidType(contentType))
			return
		}

		result, err := svc.Classify(c.Request.Context(), staging.Payload{
			Data:        data,
			ContentType: contentType,
			Filename:    file.Filename,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"prediction": result})
	}
}

// resolveContentType trusts the declared part type unless it is missing or
// generic, in which case the payload is sniffed.
func resolveContentType(declared string, data []byte) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		mediaType, _, _ = mime.ParseMediaType(mimetype.Detect(data).String())
	}
	return strings.ToLower(mediaType)
}
