package session

import (
	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/preview"
)

// Phase is the coarse state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReady
	PhaseSubmitting
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReady:
		return "ready"
	case PhaseSubmitting:
		return "submitting"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only copy of the session state. Image, Preview and Result
// are shared with the session and must not be mutated.
type Snapshot struct {
	SessionID  string
	Phase      Phase
	Generation uint64
	Closed     bool

	Image   *domain.SelectedImage
	Preview *preview.Handle

	// Set in PhaseSucceeded.
	Result   domain.ClassificationResult
	Selected domain.Detection
	Display  string

	// Set in PhaseFailed.
	Err     error
	ErrKind domain.ErrorKind
}

// HasImage reports whether a file is currently selected.
func (s Snapshot) HasImage() bool { return s.Image != nil }

// Intent is a user action delivered to a session.
type Intent interface{ isIntent() }

// FileSelected replaces the selected image.
type FileSelected struct{ Image domain.SelectedImage }

// SubmitClicked requests classification of the selected image.
type SubmitClicked struct{}

func (FileSelected) isIntent()  {}
func (SubmitClicked) isIntent() {}
