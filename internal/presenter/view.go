package presenter

import (
	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/session"
)

const (
	// ErrorMarker is the only failure detail shown to the user.
	ErrorMarker = "Error"

	SubmitLabel     = "Classify Image"
	SubmittingLabel = "Classifying..."
)

// View is the read-only projection of a session rendered by clients.
type View struct {
	SessionID     string             `json:"session_id"`
	Phase         string             `json:"phase"`
	FileSelected  bool               `json:"file_selected"`
	FileName      string             `json:"file_name,omitempty"`
	PreviewURL    string             `json:"preview_url,omitempty"`
	Submitting    bool               `json:"submitting"`
	SubmitEnabled bool               `json:"submit_enabled"`
	SubmitLabel   string             `json:"submit_label"`
	Result        string             `json:"result,omitempty"`
	Error         bool               `json:"error"`
	Detections    []domain.Detection `json:"detections,omitempty"`
}

// PreviewPath is the route serving the preview of handleID in a session.
func PreviewPath(sessionID, handleID string) string {
	return "/sessions/" + sessionID + "/preview/" + handleID
}

// Project maps a session snapshot onto its view. It has no side effects.
func Project(snap session.Snapshot) View {
	v := View{
		SessionID:     snap.SessionID,
		Phase:         snap.Phase.String(),
		FileSelected:  snap.HasImage(),
		Submitting:    snap.Phase == session.PhaseSubmitting,
		SubmitEnabled: snap.Phase == session.PhaseReady && !snap.Closed,
		SubmitLabel:   SubmitLabel,
	}
	if snap.Closed {
		v.Phase = "closed"
	}
	if snap.Image != nil {
		v.FileName = snap.Image.Name
	}
	if snap.Preview != nil {
		v.PreviewURL = PreviewPath(snap.SessionID, snap.Preview.ID)
	}
	if v.Submitting {
		v.SubmitLabel = SubmittingLabel
	}

	switch snap.Phase {
	case session.PhaseSucceeded:
		v.Result = snap.Display
		v.Detections = snap.Result
	case session.PhaseFailed:
		v.Result = ErrorMarker
		v.Error = true
	}
	return v
}
