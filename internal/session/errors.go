package session

import (
	"errors"

	"github.com/example/image-classifier/internal/domain"
)

var (
	// ErrClosed is returned for intents sent after teardown.
	ErrClosed = errors.New("session closed")
	// ErrSubmitInFlight is returned when submit is clicked while a request is outstanding.
	ErrSubmitInFlight = errors.New("classification already in progress")
	// ErrNotReady is returned when submit is clicked after a result; select a file again first.
	ErrNotReady = errors.New("session is not ready to submit")
	// ErrNoImage is returned when submit is clicked with nothing selected.
	ErrNoImage = domain.ValidationError(errors.New("no image selected"))
)
