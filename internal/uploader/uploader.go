package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/models"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/repository/taskqueue"
)

// const ...
const (
	defaultPollInterval = 2 * time.Second
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = time.Minute
	backoffExpCap       = 6 // keeps the shift bounded regardless of retry_count
)

// RemoteClient is the fixed set of remote operations tasks dispatch to. All of
// them must be safe to repeat: a crash mid-attempt leaves the task pending and
// it is retried from scratch.
type RemoteClient interface {
	UploadPhoto(ctx context.Context, path, sessionID, pieceID, idempotencyKey string) error
	FlagDefect(ctx context.Context, pieceID, transcript, idempotencyKey string) error
	FlagPotential(ctx context.Context, pieceID, transcript, idempotencyKey string) error
	CompletePiece(ctx context.Context, sessionID, pieceID, status, idempotencyKey string) error
}

// Config ...
type Config struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Uploader is the single consumer of the task queue. One goroutine pulls the
// oldest pending task, dispatches it to the remote client and acknowledges the
// outcome. Failures never reorder the queue, so a permanently failing task
// blocks everything behind it until an operator clears it.
type Uploader struct {
	repo           taskqueue.Repository
	client         RemoteClient
	tasksProcessed *prometheus.CounterVec
	stopChan       chan struct{}
	lastSuccess    time.Time
	lastError      string
	state          models.UploaderState
	config         Config
	stopOnce       sync.Once
	mu             sync.Mutex
}

// New ...
func New(repo taskqueue.Repository, client RemoteClient, config Config) (*Uploader, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaultBackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = defaultBackoffMax
	}

	tasksProcessed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_tasks_processed_total",
			Help: "Total number of task dispatch attempts by outcome",
		},
		[]string{"task_type", "status"},
	)
	if err := prometheus.Register(tasksProcessed); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("failed to register uploader metrics: %w", err)
		}
		tasksProcessed = are.ExistingCollector.(*prometheus.CounterVec)
	}

	return &Uploader{
		repo:           repo,
		client:         client,
		config:         config,
		state:          models.UploaderStateIdle,
		stopChan:       make(chan struct{}),
		tasksProcessed: tasksProcessed,
	}, nil
}

// Run drains the queue until the context is cancelled or Stop is called. The
// stop signal is only honoured between iterations; an in-flight remote call
// either completes or times out on its own.
func (u *Uploader) Run(ctx context.Context) error {
	log.Info("uploader starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stopChan:
			log.Info("uploader stopping")
			return nil
		default:
		}

		task, err := u.repo.Next(ctx)
		if errors.Is(err, taskqueue.ErrNoTasks) {
			u.setState(models.UploaderStateIdle)
			u.wait(ctx, u.config.PollInterval)
			continue
		}
		if err != nil {
			log.WithError(err).Error("failed to read next task")
			u.wait(ctx, u.config.PollInterval)
			continue
		}

		u.setState(models.UploaderStateProcessing)

		if dispatchErr := u.dispatch(ctx, task); dispatchErr != nil {
			u.tasksProcessed.WithLabelValues(string(task.Type), "error").Inc()
			log.WithFields(log.Fields{
				"task_id":     task.ID,
				"task_type":   task.Type,
				"retry_count": task.RetryCount,
			}).WithError(dispatchErr).Error("task dispatch failed, will retry")

			if ackErr := u.repo.AckFailure(ctx, task.ID, dispatchErr.Error()); ackErr != nil {
				log.WithError(ackErr).Error("failed to record task failure")
			}
			u.recordFailure(dispatchErr.Error())

			// the failed task stays at the head, so the next iteration
			// retries it after the backoff
			u.wait(ctx, u.backoffDelay(task.RetryCount))
			continue
		}

		if ackErr := u.repo.AckSuccess(ctx, task.ID); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack task")
			u.wait(ctx, u.config.PollInterval)
			continue
		}

		u.tasksProcessed.WithLabelValues(string(task.Type), "success").Inc()
		log.WithFields(log.Fields{
			"task_id":   task.ID,
			"task_type": task.Type,
		}).Info("task delivered")

		u.recordSuccess()
		// no delay on success so a backlog drains quickly
	}
}

// Stop requests a clean shutdown; any idle or backoff wait is interrupted.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopChan)
	})
}

// Status derives the externally visible snapshot from the queue and the most
// recent dispatch outcome.
func (u *Uploader) Status(ctx context.Context) models.StatusSnapshot {
	pending, err := u.repo.PendingCount(ctx)
	if err != nil {
		log.WithError(err).Error("failed to count pending tasks")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return models.StatusSnapshot{
		PendingCount:    pending,
		State:           u.state,
		LastError:       u.lastError,
		LastSuccessTime: u.lastSuccess,
	}
}

// dispatch ...
func (u *Uploader) dispatch(ctx context.Context, task *models.Task) error {
	switch task.Type {
	case models.TaskTypeUploadPhoto:
		var p models.UploadPhotoPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal upload payload: %w", err)
		}
		return u.client.UploadPhoto(ctx, p.FilePath, p.SessionID, p.PieceID, task.IdempotencyKey)

	case models.TaskTypeFlagDefect:
		var p models.FlagDefectPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal defect payload: %w", err)
		}
		return u.client.FlagDefect(ctx, p.PieceID, p.AudioTranscript, task.IdempotencyKey)

	case models.TaskTypeFlagPotentialDefect:
		var p models.FlagDefectPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal defect payload: %w", err)
		}
		return u.client.FlagPotential(ctx, p.PieceID, p.AudioTranscript, task.IdempotencyKey)

	case models.TaskTypeCompletePiece:
		var p models.CompletePiecePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal completion payload: %w", err)
		}
		return u.client.CompletePiece(ctx, p.SessionID, p.PieceID, p.Status, task.IdempotencyKey)

	default:
		return fmt.Errorf("no handler for task type %q", task.Type)
	}
}

// backoffDelay computes the queue-level retry delay for a task that has
// already failed retryCount times. The exponent is capped before shifting and
// the result clamped to BackoffMax, so the delay is non-decreasing up to the
// ceiling.
func (u *Uploader) backoffDelay(retryCount int) time.Duration {
	exp := retryCount + 1
	if exp > backoffExpCap {
		exp = backoffExpCap
	}

	delay := u.config.BackoffBase * time.Duration(1<<exp)
	if delay > u.config.BackoffMax {
		delay = u.config.BackoffMax
	}
	return delay
}

// wait blocks for d unless the stop signal or context fires first, keeping
// shutdown latency bounded by a small constant rather than the full backoff
// window.
func (u *Uploader) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-u.stopChan:
	case <-timer.C:
	}
}

// setState changes the visible state; the last error survives until the next
// successful delivery so operators can still see why the queue stalled.
func (u *Uploader) setState(state models.UploaderState) {
	u.mu.Lock()
	u.state = state
	u.mu.Unlock()
}

// recordFailure ...
func (u *Uploader) recordFailure(errMsg string) {
	u.mu.Lock()
	u.state = models.UploaderStateError
	u.lastError = errMsg
	u.mu.Unlock()
}

// recordSuccess ...
func (u *Uploader) recordSuccess() {
	u.mu.Lock()
	u.state = models.UploaderStateSuccess
	u.lastError = ""
	u.lastSuccess = time.Now()
	u.mu.Unlock()
}
