package conflict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository/memstore"
)

// mockCalendar はAvailabilityCheckerのテスト用モック。
type mockCalendar struct {
	checkFn func(ctx context.Context, email string, start, end time.Time) (bool, error)
	calls   int
}

func (m *mockCalendar) CheckAvailability(ctx context.Context, email string, start, end time.Time) (bool, error) {
	m.calls++
	return m.checkFn(ctx, email, start, end)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var base = time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)

func newStoreWithSession() *memstore.Store {
	store := memstore.New()
	store.AddSession(model.Session{
		ID: "existing", TeacherID: "t1", ScheduledAt: base, DurationMinutes: 60,
		Status: model.SessionStatusScheduled,
	})
	return store
}

func TestParseFailurePolicy(t *testing.T) {
	if p, err := ParseFailurePolicy(" Block "); err != nil || p != FailurePolicyBlock {
		t.Errorf("ParseFailurePolicy(Block) = %q, %v", p, err)
	}
	if _, err := ParseFailurePolicy("ignore"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestHasInternalConflict(t *testing.T) {
	c := NewChecker(newStoreWithSession().SessionRepo(), nil, FailurePolicyWarn, discardLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		start time.Time
		want  bool
	}{
		{"30分後に開始（重複）", base.Add(30 * time.Minute), true},
		{"直後に開始（連続）", base.Add(time.Hour), false},
		{"直前に終了（連続）", base.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.HasInternalConflict(ctx, "t1", tt.start, tt.start.Add(time.Hour))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasInternalConflict() = %v, want %v", got, tt.want)
			}
		})
	}

	// 他の講師の予定とは重複しない
	if got, _ := c.HasInternalConflict(ctx, "t2", base, base.Add(time.Hour)); got {
		t.Error("other teacher's session should not conflict")
	}
}

func TestHasExternalConflict_FailurePolicy(t *testing.T) {
	failing := &mockCalendar{checkFn: func(context.Context, string, time.Time, time.Time) (bool, error) {
		return false, errors.New("401 unauthorized")
	}}
	ctx := context.Background()

	t.Run("warnは空きとみなす", func(t *testing.T) {
		var buf strings.Builder
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		c := NewChecker(memstore.New().SessionRepo(), failing, FailurePolicyWarn, logger)

		got, err := c.HasExternalConflict(ctx, "teacher@example.com", base, base.Add(time.Hour))
		if err != nil || got {
			t.Errorf("HasExternalConflict() = %v, %v; want false, nil", got, err)
		}
		if !strings.Contains(buf.String(), `"level":"WARN"`) {
			t.Errorf("expected warning log, got %s", buf.String())
		}
	})

	t.Run("blockはCALENDAR_UNAVAILABLE", func(t *testing.T) {
		c := NewChecker(memstore.New().SessionRepo(), failing, FailurePolicyBlock, discardLogger())
		_, err := c.HasExternalConflict(ctx, "teacher@example.com", base, base.Add(time.Hour))
		if !model.HasCode(err, model.ErrCodeCalendarUnavailable) {
			t.Errorf("error = %v, want CALENDAR_UNAVAILABLE", err)
		}
	})

	t.Run("メールアドレスがない場合は問い合わせない", func(t *testing.T) {
		cal := &mockCalendar{checkFn: func(context.Context, string, time.Time, time.Time) (bool, error) {
			return false, nil
		}}
		c := NewChecker(memstore.New().SessionRepo(), cal, FailurePolicyBlock, discardLogger())
		if got, err := c.HasExternalConflict(ctx, "", base, base.Add(time.Hour)); got || err != nil {
			t.Errorf("HasExternalConflict() = %v, %v", got, err)
		}
		if cal.calls != 0 {
			t.Errorf("calls = %d, want 0", cal.calls)
		}
	})
}

func TestCheckWindows(t *testing.T) {
	ctx := context.Background()
	free := &mockCalendar{checkFn: func(context.Context, string, time.Time, time.Time) (bool, error) {
		return true, nil
	}}

	t.Run("3件目が内部の予定と重複", func(t *testing.T) {
		c := NewChecker(newStoreWithSession().SessionRepo(), free, FailurePolicyWarn, discardLogger())
		windows := []model.Window{
			model.NewWindow(base.AddDate(0, 0, -14), 60),
			model.NewWindow(base.AddDate(0, 0, -7), 60),
			model.NewWindow(base.Add(30*time.Minute), 60),
			model.NewWindow(base.AddDate(0, 0, 7), 60),
		}
		err := c.CheckWindows(ctx, "t1", "t1@example.com", windows)
		if !model.HasCode(err, model.ErrCodeBookingConflict) {
			t.Fatalf("error = %v, want BOOKING_CONFLICT", err)
		}
		if !strings.Contains(err.Error(), "2026-02-20T10:30:00Z") || !strings.Contains(err.Error(), model.ConflictSourceInternal) {
			t.Errorf("error should name the conflicting window: %v", err)
		}
	})

	t.Run("候補同士の重複", func(t *testing.T) {
		c := NewChecker(memstore.New().SessionRepo(), nil, FailurePolicyWarn, discardLogger())
		windows := []model.Window{
			model.NewWindow(base, 60),
			model.NewWindow(base.Add(45*time.Minute), 60),
		}
		err := c.CheckWindows(ctx, "t1", "", windows)
		if !model.HasCode(err, model.ErrCodeBookingConflict) || !strings.Contains(err.Error(), model.ConflictSourceBatch) {
			t.Errorf("error = %v, want batch BOOKING_CONFLICT", err)
		}
	})

	t.Run("外部カレンダーの予定と重複", func(t *testing.T) {
		busy := &mockCalendar{checkFn: func(_ context.Context, _ string, start, _ time.Time) (bool, error) {
			return !start.Equal(base.AddDate(0, 0, 1)), nil
		}}
		c := NewChecker(memstore.New().SessionRepo(), busy, FailurePolicyWarn, discardLogger())
		windows := []model.Window{model.NewWindow(base, 60), model.NewWindow(base.AddDate(0, 0, 1), 60)}
		err := c.CheckWindows(ctx, "t1", "t1@example.com", windows)
		if !model.HasCode(err, model.ErrCodeBookingConflict) || !strings.Contains(err.Error(), model.ConflictSourceExternal) {
			t.Errorf("error = %v, want external BOOKING_CONFLICT", err)
		}
	})

	t.Run("重複なし", func(t *testing.T) {
		free := &mockCalendar{checkFn: func(context.Context, string, time.Time, time.Time) (bool, error) {
			return true, nil
		}}
		c := NewChecker(newStoreWithSession().SessionRepo(), free, FailurePolicyWarn, discardLogger())
		windows := []model.Window{model.NewWindow(base.Add(time.Hour), 60), model.NewWindow(base.Add(2*time.Hour), 30)}
		if err := c.CheckWindows(ctx, "t1", "t1@example.com", windows); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if free.calls != 2 {
			t.Errorf("calendar calls = %d, want 2", free.calls)
		}
	})
}
