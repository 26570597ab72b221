package preview

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/logging"
)

// Handle is a renderable reference to the preview of a selected image.
type Handle struct {
	ID        string
	Source    string
	MediaType string
	Width     int
	Height    int
}

// Stats counts handle lifecycle events for a manager.
type Stats struct {
	Issued   int
	Released int
}

// Live is the number of handles issued and not yet released.
func (s Stats) Live() int { return s.Issued - s.Released }

// Manager issues preview handles for a single session. At most one handle is
// live at a time; issuing a new one releases the previous.
//
// A Manager is not safe for concurrent use; it is owned by the session loop.
type Manager struct {
	store        Store
	maxDimension int
	logger       *zap.Logger
	current      *Handle
	stats        Stats
}

// NewManager constructs a manager writing into store.
func NewManager(store Store, maxDimension int, logger *zap.Logger) *Manager {
	return &Manager{
		store:        store,
		maxDimension: maxDimension,
		logger:       logger.Named("preview"),
	}
}

// Select renders img and issues a handle for it, releasing the prior handle.
// On failure the prior handle stays live.
func (m *Manager) Select(ctx context.Context, img domain.SelectedImage) (Handle, error) {
	rendered, err := Render(img.Data, m.maxDimension)
	if err != nil {
		return Handle{}, err
	}

	handle := Handle{
		ID:        uuid.NewString(),
		Source:    img.Name,
		MediaType: RenderedMediaType,
		Width:     rendered.Width,
		Height:    rendered.Height,
	}
	if err := m.store.Put(ctx, handle.ID, rendered.Data); err != nil {
		return Handle{}, logging.NewOperationError("preview.put", handle.ID, err)
	}
	m.stats.Issued++

	if err := m.Release(ctx); err != nil {
		m.logger.Warn("failed to release superseded preview", logging.ErrorFields(err)...)
	}
	m.current = &handle

	m.logger.Debug("preview issued",
		zap.String("handle", handle.ID),
		zap.String("source", img.Name),
		zap.Int("width", handle.Width),
		zap.Int("height", handle.Height),
	)
	return handle, nil
}

// Release drops the current handle, if any. The handle counts as released
// even when the store delete fails.
func (m *Manager) Release(ctx context.Context) error {
	if m.current == nil {
		return nil
	}
	id := m.current.ID
	m.current = nil
	m.stats.Released++

	if err := m.store.Delete(ctx, id); err != nil {
		return logging.NewOperationError("preview.delete", id, err)
	}
	m.logger.Debug("preview released", zap.String("handle", id))
	return nil
}

// Current returns the live handle.
func (m *Manager) Current() (Handle, bool) {
	if m.current == nil {
		return Handle{}, false
	}
	return *m.current, true
}

func (m *Manager) Stats() Stats { return m.stats }
