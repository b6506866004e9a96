package effects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository/memstore"
)

// runnerFunc はRunnerのテスト用アダプタ。
type runnerFunc func(ctx context.Context, job *model.SideEffectJob) error

func (f runnerFunc) Run(ctx context.Context, job *model.SideEffectJob) error { return f(ctx, job) }

var queueNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(store *memstore.Store, runner Runner, cfg QueueConfig) *Queue {
	return NewQueue(store.JobRepo(), runner, cfg, discardLogger(), nil).
		WithClock(func() time.Time { return queueNow })
}

func jobByID(t *testing.T, store *memstore.Store, id string) model.SideEffectJob {
	t.Helper()
	for _, j := range store.Jobs() {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return model.SideEffectJob{}
}

func TestDispatch_WithoutWorkersStoresPending(t *testing.T) {
	store := memstore.New()
	q := newTestQueue(store, runnerFunc(func(context.Context, *model.SideEffectJob) error { return nil }), QueueConfig{})

	job, err := q.Dispatch(context.Background(), model.JobKindBookingConfirmation, []string{"s1", "s2"}, model.JobPayload{AutoCreateMeeting: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got := jobByID(t, store, job.ID)
	if got.Status != model.JobStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if len(got.SessionIDs) != 2 || !got.Payload.AutoCreateMeeting {
		t.Errorf("job = %+v", got)
	}
	if !got.NextRunAt.Equal(queueNow) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, queueNow)
	}
}

func TestDispatch_FullBufferFallsBackToPending(t *testing.T) {
	store := memstore.New()
	q := newTestQueue(store, runnerFunc(func(context.Context, *model.SideEffectJob) error { return nil }), QueueConfig{Workers: 1, Size: 1, Lease: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first, err := q.Dispatch(ctx, model.JobKindCancellation, []string{"s1"}, model.JobPayload{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	second, err := q.Dispatch(ctx, model.JobKindCancellation, []string{"s2"}, model.JobPayload{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := jobByID(t, store, first.ID); got.Status != model.JobStatusRunning || got.LockedUntil == nil {
		t.Errorf("first job = %q (locked_until=%v), want running with lease", got.Status, got.LockedUntil)
	}
	if got := jobByID(t, store, second.ID); got.Status != model.JobStatusPending || got.LockedUntil != nil {
		t.Errorf("second job = %q, want pending", got.Status)
	}
}

func TestExecute_Outcomes(t *testing.T) {
	transient := &ProviderError{Provider: "calendar", StatusCode: 503}
	permanent := &ProviderError{Provider: "calendar", StatusCode: 403}

	tests := []struct {
		name         string
		attempts     int
		err          error
		wantStatus   model.JobStatus
		wantNextRun  time.Time
		wantAttempts int
	}{
		{"成功", 0, nil, model.JobStatusDone, queueNow, 1},
		{"初回失敗は30秒後", 0, transient, model.JobStatusFailed, queueNow.Add(30 * time.Second), 1},
		{"2回目の失敗は1分後", 1, transient, model.JobStatusFailed, queueNow.Add(time.Minute), 2},
		{"最大試行回数でdead", 2, transient, model.JobStatusDead, queueNow, 3},
		{"恒久エラーは即dead", 0, permanent, model.JobStatusDead, queueNow, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			q := newTestQueue(store, runnerFunc(func(context.Context, *model.SideEffectJob) error {
				return tt.err
			}), QueueConfig{MaxAttempts: 3})

			job := &model.SideEffectJob{
				ID: "job-1", Kind: model.JobKindBookingConfirmation, Status: model.JobStatusRunning,
				Attempts: tt.attempts, NextRunAt: queueNow, StepLog: map[string]string{},
			}
			_ = store.JobRepo().Create(context.Background(), job)
			q.Execute(context.Background(), job)

			got := jobByID(t, store, "job-1")
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", got.Attempts, tt.wantAttempts)
			}
			if !got.NextRunAt.Equal(tt.wantNextRun) {
				t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, tt.wantNextRun)
			}
			if got.LockedUntil != nil {
				t.Error("LockedUntil should be cleared")
			}
			if (tt.err != nil) != (got.LastError != "") {
				t.Errorf("LastError = %q", got.LastError)
			}
		})
	}
}

func TestExecute_DoesNotPropagateCancellation(t *testing.T) {
	store := memstore.New()
	var sawCancelled bool
	q := newTestQueue(store, runnerFunc(func(ctx context.Context, _ *model.SideEffectJob) error {
		sawCancelled = ctx.Err() != nil
		return nil
	}), QueueConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := &model.SideEffectJob{ID: "job-1", Status: model.JobStatusRunning}
	_ = store.JobRepo().Create(context.Background(), job)
	q.Execute(ctx, job)

	if sawCancelled {
		t.Error("runner should not observe the caller's cancellation")
	}
	if got := jobByID(t, store, "job-1"); got.Status != model.JobStatusDone {
		t.Errorf("Status = %q, want done", got.Status)
	}
}

func TestStart_RunsDispatchedJobs(t *testing.T) {
	store := memstore.New()
	ran := make(chan string, 1)
	q := newTestQueue(store, runnerFunc(func(_ context.Context, job *model.SideEffectJob) error {
		ran <- job.ID
		return nil
	}), QueueConfig{Workers: 2, Size: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()

	job, err := q.Dispatch(context.Background(), model.JobKindBookingConfirmation, []string{"s1"}, model.JobPayload{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	select {
	case id := <-ran:
		if id != job.ID {
			t.Errorf("ran %s, want %s", id, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if got := jobByID(t, store, job.ID); got.Status != model.JobStatusDone {
		t.Errorf("Status = %q, want done", got.Status)
	}
}

func TestExecute_RecordsRunnerError(t *testing.T) {
	store := memstore.New()
	q := newTestQueue(store, runnerFunc(func(context.Context, *model.SideEffectJob) error {
		return errors.New("s1/notify: smtp timeout")
	}), QueueConfig{})
	job := &model.SideEffectJob{ID: "job-1", Status: model.JobStatusRunning}
	_ = store.JobRepo().Create(context.Background(), job)
	q.Execute(context.Background(), job)

	if got := jobByID(t, store, "job-1"); got.LastError != "s1/notify: smtp timeout" {
		t.Errorf("LastError = %q", got.LastError)
	}
}
