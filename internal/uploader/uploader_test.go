package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/models"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/repository/taskqueue"
)

// fakeQueue is an in-memory Repository with the same peek/ack semantics as the
// durable one.
type fakeQueue struct {
	mu               sync.Mutex
	tasks            []*models.Task
	nextID           int64
	ackedRetryCounts []int
}

func (q *fakeQueue) Enqueue(_ context.Context, taskType models.TaskType, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.tasks = append(q.tasks, &models.Task{
		ID:             q.nextID,
		Type:           taskType,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("key-%d", q.nextID),
		CreatedAt:      time.Now(),
	})
	return nil
}

func (q *fakeQueue) Next(_ context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, taskqueue.ErrNoTasks
	}
	head := *q.tasks[0]
	return &head, nil
}

func (q *fakeQueue) PendingCount(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}

func (q *fakeQueue) AckSuccess(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.tasks {
		if task.ID == taskID {
			q.ackedRetryCounts = append(q.ackedRetryCounts, task.RetryCount)
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *fakeQueue) AckFailure(_ context.Context, taskID int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.ID == taskID {
			task.RetryCount++
			task.LastError = errMsg
		}
	}
	return nil
}

type dispatchCall struct {
	op  string
	arg string
}

// fakeClient records dispatches and fails according to errFor.
type fakeClient struct {
	mu     sync.Mutex
	calls  []dispatchCall
	errFor func(op string) error
}

func (c *fakeClient) record(op, arg string) error {
	c.mu.Lock()
	c.calls = append(c.calls, dispatchCall{op: op, arg: arg})
	errFor := c.errFor
	c.mu.Unlock()
	if errFor != nil {
		return errFor(op)
	}
	return nil
}

func (c *fakeClient) recorded() []dispatchCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dispatchCall, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) UploadPhoto(_ context.Context, path, _, _, _ string) error {
	return c.record("upload_photo", path)
}

func (c *fakeClient) FlagDefect(_ context.Context, pieceID, _, _ string) error {
	return c.record("flag_defect", pieceID)
}

func (c *fakeClient) FlagPotential(_ context.Context, pieceID, _, _ string) error {
	return c.record("flag_potential", pieceID)
}

func (c *fakeClient) CompletePiece(_ context.Context, _, pieceID, _, _ string) error {
	return c.record("complete_piece", pieceID)
}

func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDrainsBacklogInOrder(t *testing.T) {
	queue := &fakeQueue{}
	client := &fakeClient{}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		payload, _ := json.Marshal(models.UploadPhotoPayload{
			FilePath:  fmt.Sprintf("/media/sess/photo-%d.jpg", i),
			SessionID: "sess",
		})
		if err := queue.Enqueue(ctx, models.TaskTypeUploadPhoto, payload); err != nil {
			t.Fatal(err)
		}
	}

	u, err := New(queue, client, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = u.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		n, _ := queue.PendingCount(ctx)
		return n == 0
	})
	u.Stop()
	<-done

	calls := client.recorded()
	if len(calls) != 3 {
		t.Fatalf("dispatched %d tasks, want 3", len(calls))
	}
	for i, call := range calls {
		want := fmt.Sprintf("/media/sess/photo-%d.jpg", i+1)
		if call.arg != want {
			t.Errorf("dispatch %d: got %s, want %s", i, call.arg, want)
		}
	}

	snapshot := u.Status(ctx)
	if snapshot.PendingCount != 0 {
		t.Errorf("pending count = %d, want 0", snapshot.PendingCount)
	}
	if snapshot.LastSuccessTime.IsZero() {
		t.Error("last success time not recorded")
	}
}

func TestFailTwiceThenSucceed(t *testing.T) {
	queue := &fakeQueue{}
	var failures int
	var mu sync.Mutex
	client := &fakeClient{errFor: func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return errors.New("connection reset")
		}
		return nil
	}}
	ctx := context.Background()

	payload, _ := json.Marshal(models.FlagDefectPayload{PieceID: "p1", AudioTranscript: "hole near hem"})
	if err := queue.Enqueue(ctx, models.TaskTypeFlagDefect, payload); err != nil {
		t.Fatal(err)
	}

	u, err := New(queue, client, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = u.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		n, _ := queue.PendingCount(ctx)
		return n == 0
	})
	u.Stop()
	<-done

	queue.mu.Lock()
	acked := append([]int(nil), queue.ackedRetryCounts...)
	queue.mu.Unlock()
	if len(acked) != 1 || acked[0] != 2 {
		t.Fatalf("acked retry counts = %v, want [2]", acked)
	}
}

func TestHeadOfLineBlocking(t *testing.T) {
	queue := &fakeQueue{}
	client := &fakeClient{errFor: func(op string) error {
		if op == "flag_defect" {
			return errors.New("always fails")
		}
		return nil
	}}
	ctx := context.Background()

	defectPayload, _ := json.Marshal(models.FlagDefectPayload{PieceID: "stuck"})
	if err := queue.Enqueue(ctx, models.TaskTypeFlagDefect, defectPayload); err != nil {
		t.Fatal(err)
	}
	completePayload, _ := json.Marshal(models.CompletePiecePayload{SessionID: "s", PieceID: "behind", Status: "ok"})
	if err := queue.Enqueue(ctx, models.TaskTypeCompletePiece, completePayload); err != nil {
		t.Fatal(err)
	}

	u, err := New(queue, client, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = u.Run(ctx)
		close(done)
	}()

	// let the head fail several times
	waitFor(t, time.Second, func() bool {
		head, err := queue.Next(ctx)
		return err == nil && head.RetryCount >= 3
	})

	for _, call := range client.recorded() {
		if call.op == "complete_piece" {
			t.Fatal("task behind a failing head was dispatched")
		}
	}

	// simulated manual clear of the stuck head
	if err := queue.AckSuccess(ctx, 1); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		n, _ := queue.PendingCount(ctx)
		return n == 0
	})
	u.Stop()
	<-done

	calls := client.recorded()
	if calls[len(calls)-1].op != "complete_piece" {
		t.Fatalf("expected complete_piece after clearing the head, got %s", calls[len(calls)-1].op)
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	u, err := New(&fakeQueue{}, &fakeClient{}, Config{
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	var prev time.Duration
	for n := 0; n < 20; n++ {
		delay := u.backoffDelay(n)
		if delay < prev {
			t.Fatalf("backoff decreased at retry %d: %v < %v", n, delay, prev)
		}
		if delay > time.Minute {
			t.Fatalf("backoff exceeded ceiling at retry %d: %v", n, delay)
		}
		prev = delay
	}
	if prev != time.Minute {
		t.Fatalf("backoff did not reach the ceiling: %v", prev)
	}
}

func TestStopInterruptsBackoff(t *testing.T) {
	queue := &fakeQueue{}
	client := &fakeClient{errFor: func(string) error {
		return errors.New("network down")
	}}
	ctx := context.Background()

	payload, _ := json.Marshal(models.FlagDefectPayload{PieceID: "p"})
	if err := queue.Enqueue(ctx, models.TaskTypeFlagDefect, payload); err != nil {
		t.Fatal(err)
	}

	u, err := New(queue, client, Config{
		PollInterval: time.Hour,
		BackoffBase:  time.Hour,
		BackoffMax:   time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = u.Run(ctx)
		close(done)
	}()

	// wait until the first failure puts the loop into its backoff wait
	waitFor(t, time.Second, func() bool {
		head, err := queue.Next(ctx)
		return err == nil && head.RetryCount >= 1
	})

	start := time.Now()
	u.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took %v, backoff wait was not interrupted", elapsed)
	}
}

func TestUnknownTaskTypeIsRetriedNotDropped(t *testing.T) {
	queue := &fakeQueue{}
	client := &fakeClient{}
	ctx := context.Background()

	if err := queue.Enqueue(ctx, models.TaskType("bogus"), json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	u, err := New(queue, client, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		_ = u.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		head, err := queue.Next(ctx)
		return err == nil && head.RetryCount >= 2
	})
	u.Stop()
	<-done

	n, _ := queue.PendingCount(ctx)
	if n != 1 {
		t.Fatalf("unknown-type task was removed, pending = %d", n)
	}
	snapshot := u.Status(ctx)
	if snapshot.State != models.UploaderStateError || snapshot.LastError == "" {
		t.Fatalf("snapshot = %+v, want error state with message", snapshot)
	}
}
