package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures seen by a classification session.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindNetwork
	KindHTTP
	KindParse
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// ErrEmptyResult is reported when the service answers with no detections.
var ErrEmptyResult = errors.New("classification result is empty")

// Error carries the failure kind along with the underlying cause.
// StatusCode is only set for KindHTTP.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == KindHTTP {
		return fmt.Sprintf("%s error: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func ValidationError(err error) error { return &Error{Kind: KindValidation, Err: err} }

func NetworkError(err error) error { return &Error{Kind: KindNetwork, Err: err} }

func ParseError(err error) error { return &Error{Kind: KindParse, Err: err} }

func HTTPError(status int, err error) error {
	return &Error{Kind: KindHTTP, StatusCode: status, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
// Errors outside the taxonomy are KindUnknown; nil is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// StatusCodeOf returns the HTTP status recorded in err, or 0.
func StatusCodeOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.StatusCode
	}
	return 0
}
