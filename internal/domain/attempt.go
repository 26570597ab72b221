package domain

import "context"

type contextKey string

const attemptKey contextKey = "classificationAttempt"

// Attempt identifies one submission of a session.
type Attempt struct {
	SessionID  string
	Generation uint64
	RequestID  string
}

// WithAttempt stores the attempt metadata on ctx.
func WithAttempt(ctx context.Context, attempt Attempt) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFrom returns the attempt stored on ctx, if any.
func AttemptFrom(ctx context.Context) (Attempt, bool) {
	if ctx == nil {
		return Attempt{}, false
	}
	attempt, ok := ctx.Value(attemptKey).(Attempt)
	return attempt, ok
}
