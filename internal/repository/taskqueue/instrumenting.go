package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/models"
)

// instrumentingMiddleware wraps Repository and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Repository
}

// Enqueue ...
func (s *instrumentingMiddleware) Enqueue(ctx context.Context, taskType models.TaskType, payload json.RawMessage) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Enqueue",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Enqueue(ctx, taskType, payload)
}

// Next ...
func (s *instrumentingMiddleware) Next(ctx context.Context) (task *models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Next",
			"error", strconv.FormatBool(err != nil && !errors.Is(err, ErrNoTasks)),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Next(ctx)
}

// PendingCount ...
func (s *instrumentingMiddleware) PendingCount(ctx context.Context) (count int, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "PendingCount",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.PendingCount(ctx)
}

// AckSuccess ...
func (s *instrumentingMiddleware) AckSuccess(ctx context.Context, taskID int64) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "AckSuccess",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.AckSuccess(ctx, taskID)
}

// AckFailure ...
func (s *instrumentingMiddleware) AckFailure(ctx context.Context, taskID int64, errMsg string) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "AckFailure",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.AckFailure(ctx, taskID, errMsg)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	svc Repository,
) Repository {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		svc:         svc,
	}
}
