package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/classifier"
	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/presenter"
	"github.com/example/image-classifier/internal/preview"
	"github.com/example/image-classifier/internal/session"
	"github.com/example/image-classifier/internal/usecase"
)

const (
	// MaxUploadSize is the default limit for a selected image.
	MaxUploadSize = 10 << 20

	multipartOverhead = 1 << 20
	maxWait           = 30 * time.Second
)

// MetricsSource provides the diagnostics summary.
type MetricsSource interface {
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	GetAttempt(ctx context.Context, requestID string) (*usecase.AttemptDetail, error)
}

// Dependencies are the collaborators served over HTTP.
type Dependencies struct {
	Sessions      *session.Registry
	Previews      preview.Store
	Metrics       MetricsSource
	MaxUploadSize int64
	Logger        *zap.Logger
}

type handler struct {
	sessions  *session.Registry
	previews  preview.Store
	metrics   MetricsSource
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	h := &handler{
		sessions:  deps.Sessions,
		previews:  deps.Previews,
		metrics:   deps.Metrics,
		maxUpload: deps.MaxUploadSize,
		logger:    deps.Logger,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = MaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/sessions", h.createSession)
	router.GET("/sessions/:id", h.getSession)
	router.DELETE("/sessions/:id", h.deleteSession)
	router.POST("/sessions/:id/file", h.selectFile)
	router.POST("/sessions/:id/submit", h.submit)
	router.GET("/sessions/:id/preview/:handle", h.getPreview)

	router.GET("/metrics/summary", h.metricsSummary)
	router.GET("/metrics/attempts/:request_id", h.getAttempt)
}

func (h *handler) createSession(c *gin.Context) {
	s := h.sessions.Create()
	c.JSON(http.StatusCreated, presenter.Project(s.Current()))
}

func (h *handler) lookup(c *gin.Context) (*session.Session, bool) {
	s, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func (h *handler) getSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	wait := c.Query("wait")
	if wait == "" {
		c.JSON(http.StatusOK, presenter.Project(s.Current()))
		return
	}

	timeout, err := time.ParseDuration(wait)
	if err != nil || timeout < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wait must be a duration"})
		return
	}
	if timeout > maxWait {
		timeout = maxWait
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	snap, _ := s.Await(ctx, func(snap session.Snapshot) bool {
		return snap.Phase != session.PhaseSubmitting
	})
	c.JSON(http.StatusOK, presenter.Project(snap))
}

func (h *handler) deleteSession(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Warn("session teardown reported an error", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) selectFile(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	limit := h.maxUpload + multipartOverhead
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile(classifier.ImageField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	img, err := domain.NewSelectedImage(file.Filename, data, file.Header.Get("Content-Type"))
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file is not a supported image"})
		return
	}

	if err := s.SelectFile(c.Request.Context(), img); err != nil {
		h.intentError(c, s, err)
		return
	}
	c.JSON(http.StatusOK, presenter.Project(s.Current()))
}

func (h *handler) submit(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := s.Submit(c.Request.Context()); err != nil {
		h.intentError(c, s, err)
		return
	}
	c.JSON(http.StatusAccepted, presenter.Project(s.Current()))
}

func (h *handler) intentError(c *gin.Context, s *session.Session, err error) {
	switch {
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	case errors.Is(err, session.ErrSubmitInFlight), errors.Is(err, session.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "session": presenter.Project(s.Current())})
	case errors.Is(err, session.ErrNoImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image selected"})
	case domain.KindOf(err) == domain.KindValidation:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file is not a readable image"})
	default:
		h.logger.Error("session intent failed", zap.String("session_id", s.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *handler) getPreview(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	handleID := c.Param("handle")
	current := s.Current().Preview
	if current == nil || current.ID != handleID {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}

	data, err := h.previews.Get(c.Request.Context(), handleID)
	if err != nil {
		if !errors.Is(err, preview.ErrNotFound) {
			h.logger.Error("failed to load preview", zap.String("handle", handleID), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}

	c.Header("Cache-Control", "private, no-cache")
	c.Data(http.StatusOK, current.MediaType, data)
}

func (h *handler) metricsSummary(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics disabled"})
		return
	}
	summary, err := h.metrics.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrDiagnosticsDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics disabled"})
			return
		}
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) getAttempt(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics disabled"})
		return
	}
	requestID := c.Param("request_id")
	detail, err := h.metrics.GetAttempt(c.Request.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrDiagnosticsDisabled):
			c.JSON(http.StatusNotFound, gin.H{"error": "diagnostics disabled"})
		case errors.Is(err, usecase.ErrAttemptNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		default:
			h.logger.Error("failed to load attempt", zap.String("request_id", requestID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load attempt"})
		}
		return
	}
	c.JSON(http.StatusOK, detail)
}
