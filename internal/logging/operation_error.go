package logging

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// OperationError annotates an error with the operation that failed and the
// session and request it belonged to.
type OperationError struct {
	Operation string
	SessionID string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var ids []string
	if e.SessionID != "" {
		ids = append(ids, "session_id="+e.SessionID)
	}
	if e.RequestID != "" {
		ids = append(ids, "request_id="+e.RequestID)
	}
	if len(ids) == 0 {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Operation, strings.Join(ids, ", "), e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fields returns the identifiers of e as log fields.
func (e *OperationError) Fields() []zap.Field {
	if e == nil {
		return nil
	}
	fields := []zap.Field{zap.String("operation", e.Operation)}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	return fields
}

// NewOperationError wraps an error with the operation and request it occurred in.
func NewOperationError(operation, requestID string, err error) error {
	return NewSessionOperationError(operation, "", requestID, err)
}

// NewSessionOperationError is NewOperationError for work done on behalf of a session.
func NewSessionOperationError(operation, sessionID, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, SessionID: sessionID, RequestID: requestID, Err: err}
}

// ErrorFields logs err together with the identifiers of the first
// OperationError in its chain.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		fields = append(fields, opErr.Fields()...)
	}
	return fields
}
