package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/podushkina/taskrelay/internal/delivery"
	"github.com/podushkina/taskrelay/internal/logging"
	"github.com/podushkina/taskrelay/internal/metrics"
	"github.com/podushkina/taskrelay/internal/retry"
	"github.com/podushkina/taskrelay/internal/task"
	"github.com/podushkina/taskrelay/internal/tracing"
	"github.com/podushkina/taskrelay/internal/transform"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
)

// Store is what the processor needs from a task backend. Both the SQLite
// store and the Redis queue satisfy it.
type Store interface {
	Claim(ctx context.Context, workerID string) (int64, bool, error)
	Fetch(ctx context.Context, id int64) (task.Record, error)
	AppendAudit(ctx context.Context, entry task.AuditEntry) error
	FinalizeWithAudit(ctx context.Context, id int64, status task.Status, entry task.AuditEntry) error
}

// Processor drives claimed tasks through transform, delivery and
// finalization. It keeps no state between calls.
type Processor struct {
	store     Store
	endpoint  delivery.Endpoint
	transform transform.Func
	policy    retry.Policy
	logger    *zap.Logger
}

type Option func(*Processor)

func WithTransform(fn transform.Func) Option {
	return func(p *Processor) { p.transform = fn }
}

func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(p *Processor) {
		p.policy.MaxRetries = maxRetries
		p.policy.BaseDelay = baseDelay
	}
}

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.policy.Sleep = sleep }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func New(store Store, endpoint delivery.Endpoint, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		endpoint:  endpoint,
		transform: transform.Apply,
		policy: retry.Policy{
			MaxRetries: DefaultMaxRetries,
			BaseDelay:  DefaultBaseDelay,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "processor")
	p.policy.Logger = p.logger
	return p
}

func (p *Processor) Claim(ctx context.Context, workerID string) (int64, bool, error) {
	id, ok, err := p.store.Claim(ctx, workerID)
	if err != nil {
		return 0, false, fmt.Errorf("claim for %s: %w", workerID, err)
	}
	if ok {
		metrics.TasksClaimedTotal.Inc()
		p.logger.Debug("task claimed", zap.Int64("task_id", id), zap.String("worker_id", workerID))
	}
	return id, ok, nil
}

// Process runs one task end to end and reports whether it finished as
// success. Every outcome, including panics, ends in the audit log and a
// terminal status. The error is non-nil only when the store could not
// record that outcome.
func (p *Processor) Process(ctx context.Context, taskID int64, workerID string) (ok bool, err error) {
	start := time.Now()
	ctx, span := tracing.TaskSpan(ctx, "process", taskID, workerID)
	logger := p.logger.With(zap.Int64("task_id", taskID), zap.String("worker_id", workerID))

	// Store writes must land even if ctx is cancelled mid-delivery.
	persist := context.WithoutCancel(ctx)
	attempts := 0

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = p.fail(persist, logger, taskID, attempts, nil, fmt.Sprintf("panic: %v", r))
		}
		metrics.ProcessDurationSeconds.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.Bool("task.success", ok), attribute.Int("delivery.attempts", attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := p.store.AppendAudit(persist, task.AuditEntry{TaskID: taskID, Attempt: 0, Event: task.EventFetch}); err != nil {
		logger.Error("failed to audit fetch", zap.Error(err))
		return false, errors.Join(
			fmt.Errorf("audit fetch for task %d: %w", taskID, err),
			p.fail(persist, logger, taskID, 0, nil, err.Error()),
		)
	}

	rec, err := p.store.Fetch(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		logger.Warn("task not found")
		metrics.TasksFinishedTotal.WithLabelValues(string(task.StatusFailed)).Inc()
		if err := p.store.AppendAudit(persist, task.AuditEntry{
			TaskID:       taskID,
			Attempt:      0,
			Event:        task.EventFailure,
			ErrorMessage: "task not found",
		}); err != nil {
			return false, fmt.Errorf("audit missing task %d: %w", taskID, err)
		}
		return false, nil
	}
	if err != nil {
		return false, p.fail(persist, logger, taskID, 0, nil, err.Error())
	}

	// Only the claim holder may deliver and finalize. Anything else leaves
	// the record alone and is only audited.
	if rec.Status != task.StatusInProgress || rec.LockedBy != workerID {
		logger.Warn("task not claimed by worker", zap.String("status", string(rec.Status)), zap.String("locked_by", rec.LockedBy))
		if err := p.store.AppendAudit(persist, task.AuditEntry{
			TaskID:       taskID,
			Attempt:      0,
			Event:        task.EventFailure,
			ErrorMessage: fmt.Sprintf("task not claimed by %s", workerID),
		}); err != nil {
			return false, fmt.Errorf("audit unclaimed task %d: %w", taskID, err)
		}
		return false, nil
	}

	payload, err := p.transform(rec)
	if err != nil {
		return false, p.fail(persist, logger, taskID, 0, nil, err.Error())
	}

	res, err := retry.Execute(ctx, p.policy, func(ctx context.Context) (delivery.Response, error) {
		return p.send(ctx, payload)
	}, delivery.Classify)
	attempts = res.Attempts
	if err != nil {
		return false, p.fail(persist, logger, taskID, attempts, nil, err.Error())
	}

	code := res.Value.StatusCode
	if !res.Value.OK() {
		return false, p.fail(persist, logger, taskID, attempts, &code, "")
	}

	if err := p.store.FinalizeWithAudit(persist, taskID, task.StatusSuccess, task.AuditEntry{
		TaskID:       taskID,
		Attempt:      attempts,
		Event:        task.EventSuccess,
		ResponseCode: &code,
	}); err != nil {
		logger.Error("failed to record task success", zap.Error(err))
		return false, fmt.Errorf("record success for task %d: %w", taskID, err)
	}

	metrics.TasksFinishedTotal.WithLabelValues(string(task.StatusSuccess)).Inc()
	logger.Info("task delivered", zap.Int("attempts", attempts), zap.Int("status_code", code))
	return true, nil
}

func (p *Processor) send(ctx context.Context, payload task.Payload) (delivery.Response, error) {
	ctx, span := tracing.DeliverySpan(ctx, payload.ID)
	defer span.End()

	resp, err := p.endpoint.Send(ctx, payload)
	if err != nil {
		metrics.DeliveryAttemptsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch delivery.Classify(resp) {
	case retry.Success:
		metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	case retry.Retryable:
		metrics.DeliveryAttemptsTotal.WithLabelValues("retryable").Inc()
	default:
		metrics.DeliveryAttemptsTotal.WithLabelValues("terminal").Inc()
	}
	return resp, nil
}

func (p *Processor) fail(ctx context.Context, logger *zap.Logger, taskID int64, attempt int, code *int, msg string) error {
	fields := []zap.Field{zap.Int("attempts", attempt)}
	if code != nil {
		fields = append(fields, zap.Int("status_code", *code))
	}
	if msg != "" {
		fields = append(fields, zap.String("error", msg))
	}
	logger.Warn("task failed", fields...)
	metrics.TasksFinishedTotal.WithLabelValues(string(task.StatusFailed)).Inc()

	err := p.store.FinalizeWithAudit(ctx, taskID, task.StatusFailed, task.AuditEntry{
		TaskID:       taskID,
		Attempt:      attempt,
		Event:        task.EventFailure,
		ResponseCode: code,
		ErrorMessage: msg,
	})
	if err != nil {
		logger.Error("failed to record task failure", zap.Error(err))
		return fmt.Errorf("record failure for task %d: %w", taskID, err)
	}
	return nil
}
