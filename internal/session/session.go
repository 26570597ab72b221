package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/domain"
	"github.com/example/image-classifier/internal/logging"
	"github.com/example/image-classifier/internal/preview"
)

// Classifier submits a selected image to the classification service.
type Classifier interface {
	Classify(ctx context.Context, img domain.SelectedImage) (domain.ClassificationResult, error)
}

// PreviewManager issues and releases the preview handle of a session.
type PreviewManager interface {
	Select(ctx context.Context, img domain.SelectedImage) (preview.Handle, error)
	Release(ctx context.Context) error
}

// Session owns the lifecycle of one interactive classification: file
// selection, preview, submission and result. All state changes run on a
// single event loop goroutine; the classification call is the only work
// done elsewhere and reports back through the loop.
type Session struct {
	id         string
	classifier Classifier
	previews   PreviewManager
	policy     domain.SelectionPolicy
	logger     *zap.Logger
	events     chan event
	done       chan struct{}

	// Published view, guarded by mu.
	mu       sync.RWMutex
	snapshot Snapshot
	changed  chan struct{}

	// Owned by the loop goroutine.
	state      Snapshot
	generation uint64
	cancel     context.CancelFunc
}

const teardownTimeout = 5 * time.Second

type event interface{}

type (
	evtSelect struct {
		ctx   context.Context
		image domain.SelectedImage
		reply chan error
	}
	evtSubmit struct {
		reply chan error
	}
	evtCompleted struct {
		generation uint64
		result     domain.ClassificationResult
		err        error
	}
	evtClose struct {
		ctx   context.Context
		reply chan error
	}
)

// New constructs a session in PhaseIdle and starts its event loop.
func New(id string, classifier Classifier, previews PreviewManager, policy domain.SelectionPolicy, logger *zap.Logger) *Session {
	s := &Session{
		id:         id,
		classifier: classifier,
		previews:   previews,
		policy:     policy,
		logger:     logging.WithSession(logger.Named("session"), id),
		events:     make(chan event, 16),
		done:       make(chan struct{}),
		changed:    make(chan struct{}),
	}
	s.state = Snapshot{SessionID: id, Phase: PhaseIdle}
	s.snapshot = s.state

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session loop panic", zap.Any("error", r), zap.String("stack", string(debug.Stack())))
				s.teardownAfterPanic()
				close(s.done)
			}
		}()
		s.loop()
	}()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Current returns the latest published state.
func (s *Session) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Dispatch delivers an intent and waits until the loop has applied it.
func (s *Session) Dispatch(ctx context.Context, intent Intent) error {
	switch i := intent.(type) {
	case FileSelected:
		return s.SelectFile(ctx, i.Image)
	case SubmitClicked:
		return s.Submit(ctx)
	default:
		return fmt.Errorf("unsupported intent %T", intent)
	}
}

// SelectFile replaces the selected image from any phase, moving the session
// to PhaseReady. An outstanding request is aborted and its result discarded.
func (s *Session) SelectFile(ctx context.Context, img domain.SelectedImage) error {
	reply := make(chan error, 1)
	return s.send(ctx, evtSelect{ctx: ctx, image: img, reply: reply}, reply)
}

// Submit starts classification of the selected image. It is only accepted
// in PhaseReady; see ErrNoImage, ErrSubmitInFlight and ErrNotReady.
func (s *Session) Submit(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.send(ctx, evtSubmit{reply: reply}, reply)
}

// Close tears the session down: the outstanding request is aborted and the
// preview handle released. Further intents fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	err := s.send(ctx, evtClose{ctx: ctx, reply: reply}, reply)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Await blocks until cond holds for the published state or ctx ends.
func (s *Session) Await(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.RLock()
		snap, changed := s.snapshot, s.changed
		s.mu.RUnlock()

		if cond(snap) {
			return snap, nil
		}
		if snap.Closed {
			return snap, ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func (s *Session) send(ctx context.Context, ev event, reply chan error) error {
	select {
	case s.events <- ev:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) loop() {
	for ev := range s.events {
		switch e := ev.(type) {
		case evtSelect:
			e.reply <- s.handleSelect(e.ctx, e.image)
		case evtSubmit:
			e.reply <- s.handleSubmit()
		case evtCompleted:
			s.handleCompleted(e)
		case evtClose:
			e.reply <- s.handleClose(e.ctx)
			close(s.done)
			return
		}
	}
}

func (s *Session) handleSelect(ctx context.Context, img domain.SelectedImage) error {
	handle, err := s.previews.Select(ctx, img)
	if err != nil {
		s.logger.Warn("file selection rejected",
			zap.Error(err),
			zap.String("kind", domain.KindOf(err).String()),
			zap.String("image", img.Name),
		)
		return err
	}

	if s.abortInFlight() {
		s.logger.Info("aborted outstanding classification for new selection", zap.Uint64("generation", s.generation))
	}
	s.generation++

	s.transition(Snapshot{
		SessionID:  s.id,
		Phase:      PhaseReady,
		Generation: s.generation,
		Image:      &img,
		Preview:    &handle,
	})
	return nil
}

func (s *Session) handleSubmit() error {
	switch s.state.Phase {
	case PhaseIdle:
		s.logger.Warn("submit rejected without a selected image")
		return ErrNoImage
	case PhaseSubmitting:
		s.logger.Debug("submit ignored while a request is in flight", zap.Uint64("generation", s.generation))
		return ErrSubmitInFlight
	case PhaseSucceeded, PhaseFailed:
		s.logger.Debug("submit ignored until a new file is selected", zap.String("phase", s.state.Phase.String()))
		return ErrNotReady
	}
	if s.state.Image == nil {
		return ErrNoImage
	}

	s.generation++
	generation := s.generation
	img := *s.state.Image

	ctx, cancel := context.WithCancel(context.Background())
	ctx = domain.WithAttempt(ctx, domain.Attempt{SessionID: s.id, Generation: generation})
	s.cancel = cancel

	next := s.state
	next.Phase = PhaseSubmitting
	next.Generation = generation
	s.transition(next)

	go s.classify(ctx, generation, img)
	return nil
}

func (s *Session) classify(ctx context.Context, generation uint64, img domain.SelectedImage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("classification panic", zap.Any("error", r), zap.String("stack", string(debug.Stack())))
			s.post(evtCompleted{generation: generation, err: fmt.Errorf("classification panic: %v", r)})
		}
	}()

	result, err := s.classifier.Classify(ctx, img)
	s.post(evtCompleted{generation: generation, result: result, err: err})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) handleCompleted(e evtCompleted) {
	if e.generation != s.generation || s.state.Phase != PhaseSubmitting {
		s.logger.Debug("discarding stale classification result",
			zap.Uint64("result_generation", e.generation),
			zap.Uint64("generation", s.generation),
		)
		return
	}
	s.abortInFlight()

	next := s.state
	if e.err == nil {
		selected, err := s.policy.Select(e.result)
		if err != nil {
			e.err = err
		} else {
			next.Phase = PhaseSucceeded
			next.Result = e.result
			next.Selected = selected
			next.Display = selected.Display()
		}
	}
	if e.err != nil {
		next.Phase = PhaseFailed
		next.Err = e.err
		next.ErrKind = domain.KindOf(e.err)
		s.logger.Error("classification failed",
			zap.Error(e.err),
			zap.String("kind", next.ErrKind.String()),
			zap.Uint64("generation", e.generation),
		)
	} else {
		s.logger.Info("classification succeeded",
			zap.String("display", next.Display),
			zap.Uint64("generation", e.generation),
		)
	}
	s.transition(next)
}

func (s *Session) handleClose(ctx context.Context) error {
	s.abortInFlight()
	err := s.previews.Release(ctx)
	if err != nil {
		s.logger.Warn("failed to release preview on teardown", logging.ErrorFields(err)...)
	}

	next := s.state
	next.Closed = true
	next.Preview = nil
	s.transition(next)
	s.logger.Info("session closed")
	return err
}

// teardownAfterPanic releases what a crashed loop still holds so the
// session ends in the same state as after Close.
func (s *Session) teardownAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session teardown panic", zap.Any("error", r))
		}
	}()

	s.abortInFlight()
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.previews.Release(ctx); err != nil {
		s.logger.Warn("failed to release preview after panic", logging.ErrorFields(err)...)
	}

	next := s.state
	next.Closed = true
	next.Preview = nil
	s.transition(next)
}

// abortInFlight cancels the outstanding request, reporting whether there was one.
func (s *Session) abortInFlight() bool {
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

func (s *Session) transition(next Snapshot) {
	prev := s.state
	s.state = next

	s.mu.Lock()
	s.snapshot = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if prev.Phase != next.Phase {
		s.logger.Debug("session state transition",
			zap.String("from", prev.Phase.String()),
			zap.String("to", next.Phase.String()),
			zap.Uint64("generation", next.Generation),
		)
	}
}
