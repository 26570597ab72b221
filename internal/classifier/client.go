package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/logging"
)

const (
	// ClassifyPath is appended to the configured base URL.
	ClassifyPath = "/classify"
	// ImageField is the multipart part carrying the raw image bytes.
	ImageField = "image"

	maxResponseBytes = 4 << 20
)

// Client exposes the remote classification call used by sessions.
type Client interface {
	Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error)
}

// HTTPClient talks to the classification service over multipart HTTP.
type HTTPClient struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient returns a client posting to baseURL + /classify. A zero
// timeout disables the per-request deadline.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint:   strings.TrimRight(baseURL, "/") + ClassifyPath,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger.Named("classifier"),
	}
}

// Endpoint returns the full URL requests are sent to.
func (c *HTTPClient) Endpoint() string { return c.endpoint }

// Classify uploads img and parses the detections. Every failure is a
// *domain.Error wrapped in a *logging.OperationError.
func (c *HTTPClient) Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error) {
	requestID := uuid.NewString()
	var sessionID string
	if attempt, ok := domain.AttemptFrom(ctx); ok {
		sessionID = attempt.SessionID
		if attempt.RequestID != "" {
			requestID = attempt.RequestID
		}
	}
	opLogger := logging.WithOperation(c.logger, "classifier.classify", requestID)

	result, err := c.classify(ctx, img, opLogger)
	if err != nil {
		wrapped := logging.NewSessionOperationError("classifier.classify", sessionID, requestID, err)
		opLogger.Error("classification request failed",
			zap.Error(wrapped),
			zap.String("kind", domain.KindOf(err).String()),
			zap.String("image", img.Name),
		)
		return nil, wrapped
	}

	opLogger.Info("classification request succeeded", zap.Int("detections", len(result)))
	return result, nil
}

func (c *HTTPClient) classify(ctx context.Context, img domain.SelectedImage, opLogger *zap.Logger) (domain.ClassificationResult, error) {
	if len(img.Data) == 0 {
		return nil, domain.ValidationError(errors.New("no image selected"))
	}

	body, contentType, err := encodeMultipart(img)
	if err != nil {
		return nil, domain.ValidationError(err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, domain.NetworkError(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NetworkError(err)
	}
	defer resp.Body.Close()

	opLogger.Debug("classification response received",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, domain.HTTPError(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, domain.NetworkError(fmt.Errorf("read response: %w", err))
	}
	if len(payload) > maxResponseBytes {
		return nil, domain.ParseError(fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
	}

	return domain.ParseResult(payload)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeMultipart(img domain.SelectedImage) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := img.Name
	if filename == "" {
		filename = "upload"
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, ImageField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", mediaType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}
