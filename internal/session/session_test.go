package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/image-classifier/internal/classifier"
	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/preview"
)

type response struct {
	result domain.ClassificationResult
	err    error
}

// stubClassifier blocks every call until a response is queued.
type stubClassifier struct {
	calls     int32
	started   chan context.Context
	responses chan response
	honorCtx  bool
}

func newStubClassifier() *stubClassifier {
	return &stubClassifier{
		started:   make(chan context.Context, 8),
		responses: make(chan response, 8),
	}
}

func (s *stubClassifier) Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error) {
	atomic.AddInt32(&s.calls, 1)
	s.started <- ctx
	if s.honorCtx {
		select {
		case r := <-s.responses:
			return r.result, r.err
		case <-ctx.Done():
			return nil, domain.NetworkError(ctx.Err())
		}
	}
	r := <-s.responses
	return r.result, r.err
}

func (s *stubClassifier) waitStarted(t *testing.T) context.Context {
	t.Helper()
	select {
	case ctx := <-s.started:
		return ctx
	case <-time.After(2 * time.Second):
		t.Fatal("classification was not started")
		return nil
	}
}

func testImage(t *testing.T, name string) domain.SelectedImage {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return domain.SelectedImage{Name: name, MediaType: "image/png", Data: buf.Bytes()}
}

func newTestSession(t *testing.T, c Classifier, logger *zap.Logger) (*Session, *preview.Manager, *preview.MemoryStore) {
	t.Helper()
	store := preview.NewMemoryStore()
	previews := preview.NewManager(store, 32, logger)
	s := New("sess-test", c, previews, domain.SelectFirst, logger)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, previews, store
}

func awaitPhase(t *testing.T, s *Session, phase Phase) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := s.Await(ctx, func(snap Snapshot) bool { return snap.Phase == phase })
	if err != nil {
		t.Fatalf("timeout waiting for phase %v (got %v): %v", phase, snap.Phase, err)
	}
	return snap
}

func TestSessionEndToEndSuccess(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/classify" {
			atomic.AddInt32(&posts, 1)
		}
		_, _ = w.Write([]byte(`[[{"x1":0,"y1":0,"x2":10,"y2":10},"cat",0.98765]]`))
	}))
	defer srv.Close()

	s, _, _ := newTestSession(t, classifier.NewHTTPClient(srv.URL, time.Second, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	if got := s.Current().Phase; got != PhaseIdle {
		t.Fatalf("expected idle, got %v", got)
	}
	if err := s.SelectFile(ctx, testImage(t, "cat.jpg")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	snap := s.Current()
	if snap.Phase != PhaseReady || snap.Preview == nil || snap.Image.Name != "cat.jpg" {
		t.Fatalf("unexpected state after selection: %+v", snap)
	}

	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snap = awaitPhase(t, s, PhaseSucceeded)
	if snap.Display != "cat: 0.98765" {
		t.Fatalf("unexpected display: %q", snap.Display)
	}
	if n := atomic.LoadInt32(&posts); n != 1 {
		t.Fatalf("expected exactly one POST, got %d", n)
	}
}

func TestSessionNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, _, _ := newTestSession(t, classifier.NewHTTPClient(url, time.Second, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "dog.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snap := awaitPhase(t, s, PhaseFailed)
	if snap.ErrKind != domain.KindNetwork {
		t.Fatalf("expected network failure, got %v (%v)", snap.ErrKind, snap.Err)
	}
	if snap.Display != "" {
		t.Fatalf("expected no display on failure, got %q", snap.Display)
	}
}

func TestSessionFailureKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
	}{
		{"empty array", http.StatusOK, `[]`, domain.KindParse},
		{"server error with valid body", http.StatusInternalServerError, `[[{"x1":0,"y1":0,"x2":1,"y2":1},"cat",0.9]]`, domain.KindHTTP},
		{"not json", http.StatusOK, `oops`, domain.KindParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s, _, _ := newTestSession(t, classifier.NewHTTPClient(srv.URL, time.Second, zap.NewNop()), zap.NewNop())
			ctx := context.Background()
			if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
				t.Fatalf("select failed: %v", err)
			}
			if err := s.Submit(ctx); err != nil {
				t.Fatalf("submit failed: %v", err)
			}
			snap := awaitPhase(t, s, PhaseFailed)
			if snap.ErrKind != tc.kind {
				t.Fatalf("expected %v, got %v (%v)", tc.kind, snap.ErrKind, snap.Err)
			}
			if snap.Result != nil || snap.Display != "" {
				t.Fatalf("failed session must not carry a result: %+v", snap)
			}
		})
	}
}

func TestSessionSingleInFlightRequest(t *testing.T) {
	stub := newStubClassifier()
	s, _, _ := newTestSession(t, stub, zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := s.Submit(ctx); !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("expected ErrSubmitInFlight, got %v", err)
	}
	if got := s.Current().Phase; got != PhaseSubmitting {
		t.Fatalf("expected submitting, got %v", got)
	}

	stub.waitStarted(t)
	stub.responses <- response{result: domain.ClassificationResult{{Label: "cat", Score: 0.5}}}
	awaitPhase(t, s, PhaseSucceeded)

	if n := atomic.LoadInt32(&stub.calls); n != 1 {
		t.Fatalf("expected exactly one classification call, got %d", n)
	}
}

func TestSessionDiscardsStaleResult(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	stub := newStubClassifier()
	s, _, _ := newTestSession(t, stub, zap.New(core))
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	stub.waitStarted(t)

	if err := s.SelectFile(ctx, testImage(t, "dog.png")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	stub.responses <- response{result: domain.ClassificationResult{{Label: "cat", Score: 0.99}}}

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("discarding stale classification result").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stale result was never discarded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := s.Current()
	if snap.Phase != PhaseReady || snap.Image.Name != "dog.png" || snap.Display != "" {
		t.Fatalf("stale result leaked into session: %+v", snap)
	}

	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit of new file failed: %v", err)
	}
	stub.waitStarted(t)
	stub.responses <- response{result: domain.ClassificationResult{{Label: "dog", Score: 0.5}}}
	snap = awaitPhase(t, s, PhaseSucceeded)
	if snap.Display != "dog: 0.50000" {
		t.Fatalf("unexpected display for new file: %q", snap.Display)
	}
}

func TestSessionReselectAbortsOutstandingRequest(t *testing.T) {
	stub := newStubClassifier()
	stub.honorCtx = true
	s, _, _ := newTestSession(t, stub, zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reqCtx := stub.waitStarted(t)

	if err := s.SelectFile(ctx, testImage(t, "dog.png")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	select {
	case <-reqCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding request was not aborted")
	}

	if attempt, ok := domain.AttemptFrom(reqCtx); !ok || attempt.SessionID != "sess-test" || attempt.Generation == 0 {
		t.Fatalf("expected attempt metadata on request context, got %+v", attempt)
	}
	if got := s.Current().Phase; got != PhaseReady {
		t.Fatalf("expected ready after reselect, got %v", got)
	}
}

func TestSessionSubmitGuards(t *testing.T) {
	stub := newStubClassifier()
	s, _, _ := newTestSession(t, stub, zap.NewNop())
	ctx := context.Background()

	if err := s.Submit(ctx); !errors.Is(err, ErrNoImage) || domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation ErrNoImage, got %v", err)
	}
	if got := s.Current().Phase; got != PhaseIdle {
		t.Fatalf("expected idle after rejected submit, got %v", got)
	}

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	stub.waitStarted(t)
	stub.responses <- response{err: domain.HTTPError(502, errors.New("bad gateway"))}
	awaitPhase(t, s, PhaseFailed)

	if err := s.Submit(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after failure, got %v", err)
	}

	if err := s.SelectFile(ctx, testImage(t, "dog.png")); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	snap := s.Current()
	if snap.Phase != PhaseReady || snap.Err != nil || snap.ErrKind != domain.KindNone {
		t.Fatalf("expected reselect to clear the error, got %+v", snap)
	}
	if n := atomic.LoadInt32(&stub.calls); n != 1 {
		t.Fatalf("expected one classification call, got %d", n)
	}
}

func TestSessionExclusivePreview(t *testing.T) {
	s, previews, store := newTestSession(t, newStubClassifier(), zap.NewNop())
	ctx := context.Background()

	const selections = 4
	for i := 0; i < selections; i++ {
		if err := s.SelectFile(ctx, testImage(t, fmt.Sprintf("img-%d.png", i))); err != nil {
			t.Fatalf("select %d failed: %v", i, err)
		}
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	stats := previews.Stats()
	if stats.Issued != selections || stats.Released != selections {
		t.Fatalf("expected %d issued and released after teardown, got %+v", selections, stats)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no stored previews after teardown, got %d", store.Len())
	}
}

func TestSessionPreviewCountBeforeTeardown(t *testing.T) {
	s, previews, _ := newTestSession(t, newStubClassifier(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SelectFile(ctx, testImage(t, "img.png")); err != nil {
			t.Fatalf("select failed: %v", err)
		}
	}
	// Stats are read after the synchronous dispatch returned, so the loop is idle.
	stats := previews.Stats()
	if stats.Live() != 1 || stats.Released != 2 {
		t.Fatalf("expected one live preview and two releases, got %+v", stats)
	}
}

func TestSessionRejectsUndecodableFile(t *testing.T) {
	s, _, _ := newTestSession(t, newStubClassifier(), zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	before := s.Current()

	err := s.SelectFile(ctx, domain.SelectedImage{Name: "broken.png", MediaType: "image/png", Data: []byte("garbage")})
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	after := s.Current()
	if after.Generation != before.Generation || after.Image.Name != "cat.png" {
		t.Fatalf("failed selection must not change state: before=%+v after=%+v", before, after)
	}
}

func TestSessionCloseAbortsAndRejectsIntents(t *testing.T) {
	stub := newStubClassifier()
	stub.honorCtx = true
	s, previews, _ := newTestSession(t, stub, zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	reqCtx := stub.waitStarted(t)

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case <-reqCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request was not aborted on teardown")
	}
	if previews.Stats().Live() != 0 {
		t.Fatalf("expected preview released on teardown, got %+v", previews.Stats())
	}
	if err := s.SelectFile(ctx, testImage(t, "dog.png")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := s.Await(waitCtx, func(snap Snapshot) bool { return snap.Phase == PhaseSucceeded }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected Await to report ErrClosed, got %v", err)
	}
}

func TestSessionDispatchAndMaxScorePolicy(t *testing.T) {
	stub := newStubClassifier()
	previews := preview.NewManager(preview.NewMemoryStore(), 32, zap.NewNop())
	s := New("sess-policy", stub, previews, domain.SelectMaxScore, zap.NewNop())
	defer s.Close(context.Background())
	ctx := context.Background()

	if err := s.Dispatch(ctx, FileSelected{Image: testImage(t, "pets.png")}); err != nil {
		t.Fatalf("dispatch select failed: %v", err)
	}
	if err := s.Dispatch(ctx, SubmitClicked{}); err != nil {
		t.Fatalf("dispatch submit failed: %v", err)
	}
	stub.waitStarted(t)
	stub.responses <- response{result: domain.ClassificationResult{
		{Label: "dog", Score: 0.4},
		{Label: "cat", Score: 0.123456789},
		{Label: "person", Score: 0.9},
	}}
	snap := awaitPhase(t, s, PhaseSucceeded)
	if snap.Display != "person: 0.90000" || snap.Selected.Label != "person" || len(snap.Result) != 3 {
		t.Fatalf("unexpected result: %+v", snap)
	}
}

type panickingClassifier struct{}

func (panickingClassifier) Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error) {
	panic("model exploded")
}

func TestSessionRecoversClassifierPanic(t *testing.T) {
	s, _, _ := newTestSession(t, panickingClassifier{}, zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	snap := awaitPhase(t, s, PhaseFailed)
	if snap.ErrKind != domain.KindUnknown {
		t.Fatalf("expected unknown kind for panic, got %v", snap.ErrKind)
	}
}

// crashingPreviews panics on every selection after the first.
type crashingPreviews struct {
	*preview.Manager
	selects int
}

func (p *crashingPreviews) Select(ctx context.Context, img domain.SelectedImage) (preview.Handle, error) {
	p.selects++
	if p.selects > 1 {
		panic("preview renderer exploded")
	}
	return p.Manager.Select(ctx, img)
}

func TestSessionLoopPanicReleasesResources(t *testing.T) {
	store := preview.NewMemoryStore()
	previews := &crashingPreviews{Manager: preview.NewManager(store, 32, zap.NewNop())}
	stub := newStubClassifier()
	stub.honorCtx = true
	s := New("sess-crash", stub, previews, domain.SelectFirst, zap.NewNop())
	ctx := context.Background()

	if err := s.SelectFile(ctx, testImage(t, "cat.png")); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := s.Submit(ctx); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	inflight := stub.waitStarted(t)

	if err := s.SelectFile(ctx, testImage(t, "dog.png")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after loop panic, got %v", err)
	}

	select {
	case <-inflight.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected outstanding request to be cancelled")
	}
	if store.Len() != 0 {
		t.Fatalf("expected preview released, store holds %d", store.Len())
	}
	if stats := previews.Stats(); stats.Live() != 0 {
		t.Fatalf("expected no live previews, got %+v", stats)
	}
	snap := s.Current()
	if !snap.Closed || snap.Preview != nil {
		t.Fatalf("expected closed session without preview, got %+v", snap)
	}
	if err := s.Submit(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
