// Package command is the operation surface the dispatch UI and the driver
// app call into. Every mutation is a load, validate, compare-and-swap save
// cycle that is re-run from scratch when the save loses a race.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/haulflow/internal/notify"
	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/internal/store"
	"github.com/pitabwire/haulflow/model"
)

const (
	defaultMaxRetries     = 3
	defaultIdempotencyTTL = 24 * time.Hour

	// reservationTTL bounds how long a crashed request can hold its key.
	reservationTTL = time.Minute
)

// Recorder receives pipeline telemetry. *observability.Metrics implements it.
type Recorder interface {
	RecordCommand(operation, status string, duration time.Duration)
	RecordTransition(source, outcome string)
	RecordConflictRetry(operation string)
	RecordCascadeClear(entity string, count int)
	RecordPublishFailure()
	RecordIdempotentReplay()
}

type nopRecorder struct{}

func (nopRecorder) RecordCommand(string, string, time.Duration) {}
func (nopRecorder) RecordTransition(string, string)             {}
func (nopRecorder) RecordConflictRetry(string)                  {}
func (nopRecorder) RecordCascadeClear(string, int)              {}
func (nopRecorder) RecordPublishFailure()                       {}
func (nopRecorder) RecordIdempotentReplay()                     {}

// Service implements the command surface on top of a Store.
type Service struct {
	store          store.Store
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	publisher      notify.Publisher
	recorder       Recorder
	logger         *zap.Logger
	maxRetries     int
	now            func() time.Time
	newID          func() string
}

// Option configures optional dependencies.
type Option func(*Service)

// WithIdempotencyStore enables replay of move commands carrying a key.
func WithIdempotencyStore(st IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idempotency = st
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithPublisher sets the transition publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxRetries bounds how many times a conflicting save is retried.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:          st,
		idempotencyTTL: defaultIdempotencyTTL,
		publisher:      notify.NopPublisher{},
		recorder:       nopRecorder{},
		logger:         zap.NewNop(),
		maxRetries:     defaultMaxRetries,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// staleWrite marks a CONFLICT returned by a versioned save, as opposed to a
// domain conflict such as a duplicate driver, which must not be retried.
type staleWrite struct{ err error }

func (e *staleWrite) Error() string { return e.err.Error() }
func (e *staleWrite) Unwrap() error { return e.err }

// stale wraps err when it is a version conflict from the store.
func stale(err error) error {
	if model.IsConflict(err) {
		return &staleWrite{err: err}
	}
	return err
}

// retry runs attempt until it succeeds, fails with anything but a stale
// write, or the retry budget is spent.
func (s *Service) retry(ctx context.Context, operation string, attempt func() error) error {
	var err error
	for i := 0; i <= s.maxRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = attempt()
		var sw *staleWrite
		if !errors.As(err, &sw) {
			return err
		}
		s.recorder.RecordConflictRetry(operation)
		observability.LoggerFrom(ctx, s.logger).Debug("version conflict, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", i+1),
		)
	}
	return model.NewConflictError(
		fmt.Sprintf("%s: gave up after %d attempts: %v", operation, s.maxRetries+1, err),
	)
}

// observe records the outcome of a command. It is deferred with a pointer
// to the named error result.
func (s *Service) observe(operation string, start time.Time, errp *error) {
	status := "ok"
	if err := *errp; err != nil {
		status = model.CodeOf(err)
		if status == "" {
			status = model.ErrInternalError
		}
	}
	s.recorder.RecordCommand(operation, status, time.Since(start))
}

func tenantOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.TenantID
}
