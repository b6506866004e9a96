package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

func TestSessionRepo_CreateBatch_RejectsOverlapAtomically(t *testing.T) {
	store := New()
	repo := store.SessionRepo()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	store.AddSession(model.Session{
		ID: "existing", TeacherID: "t1", ScheduledAt: base.Add(48 * time.Hour),
		DurationMinutes: 60, Status: model.SessionStatusScheduled,
	})

	batch := []*model.Session{
		{ID: "a", TeacherID: "t1", ScheduledAt: base, DurationMinutes: 60, Status: model.SessionStatusScheduled},
		{ID: "b", TeacherID: "t1", ScheduledAt: base.Add(24 * time.Hour), DurationMinutes: 60, Status: model.SessionStatusScheduled},
		{ID: "c", TeacherID: "t1", ScheduledAt: base.Add(48*time.Hour + 30*time.Minute), DurationMinutes: 60, Status: model.SessionStatusScheduled},
	}
	err := repo.CreateBatch(ctx, batch)
	if !errors.Is(err, repository.ErrOverlap) {
		t.Fatalf("CreateBatch() error = %v, want ErrOverlap", err)
	}
	if got := len(store.Sessions()); got != 1 {
		t.Errorf("sessions = %d, want 1 (nothing written)", got)
	}

	// キャンセル済みとは重なってよい
	if ok, _ := repo.Transition(ctx, "existing", repository.StatusTransition{
		From: model.SessionStatusScheduled, To: model.SessionStatusCancelled, At: base,
	}); !ok {
		t.Fatal("Transition() = false")
	}
	if err := repo.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch() after cancel error = %v", err)
	}
	if got := len(store.Sessions()); got != 4 {
		t.Errorf("sessions = %d, want 4", got)
	}
}

func TestSubscriptionRepo_CompareAndSwapUsed(t *testing.T) {
	store := New()
	store.AddSubscription(model.Subscription{ID: "sub", SessionsTotal: 3, SessionsUsed: 1, Status: model.SubscriptionStatusActive})
	repo := store.Subscriptions()
	ctx := context.Background()

	if ok, _ := repo.CompareAndSwapUsed(ctx, "sub", 0, 1); ok {
		t.Error("CAS with stale expected value should fail")
	}
	if ok, _ := repo.CompareAndSwapUsed(ctx, "sub", 1, 4); ok {
		t.Error("CAS beyond total should fail")
	}
	if ok, _ := repo.CompareAndSwapUsed(ctx, "sub", 1, 3); !ok {
		t.Error("CAS with matching expected value should succeed")
	}
	if sub, _ := store.Subscription("sub"); sub.SessionsUsed != 3 {
		t.Errorf("SessionsUsed = %d, want 3", sub.SessionsUsed)
	}

	_ = repo.DecrementUsed(ctx, "sub", 5)
	if sub, _ := store.Subscription("sub"); sub.SessionsUsed != 0 {
		t.Errorf("SessionsUsed after over-release = %d, want 0", sub.SessionsUsed)
	}
}

func TestJobRepo_ClaimDue_LeasesOnce(t *testing.T) {
	store := New()
	repo := store.JobRepo()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	_ = repo.Create(ctx, &model.SideEffectJob{ID: "due", Status: model.JobStatusPending, NextRunAt: now.Add(-time.Minute)})
	_ = repo.Create(ctx, &model.SideEffectJob{ID: "later", Status: model.JobStatusFailed, NextRunAt: now.Add(time.Hour)})

	jobs, err := repo.ClaimDue(ctx, now, 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "due" {
		t.Fatalf("ClaimDue() = %v, want [due]", jobs)
	}

	again, _ := repo.ClaimDue(ctx, now, 5*time.Minute, 10)
	if len(again) != 0 {
		t.Errorf("leased job should not be claimed twice, got %d", len(again))
	}

	// リース切れは再取得できる
	expired, _ := repo.ClaimDue(ctx, now.Add(6*time.Minute), 5*time.Minute, 10)
	if len(expired) != 1 {
		t.Errorf("expired lease should be claimable, got %d", len(expired))
	}
}
