// Package conflict は講師の予定重複（内部のレッスンと外部カレンダー）を検出する。
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
)

// FailurePolicy は外部カレンダーの空き状況を確認できなかった場合の扱いを表す。
type FailurePolicy string

const (
	// FailurePolicyWarn は警告ログを出力して空きとみなす。
	FailurePolicyWarn FailurePolicy = "warn"
	// FailurePolicyBlock は予約を拒否する。
	FailurePolicyBlock FailurePolicy = "block"
)

// ParseFailurePolicy は文字列をFailurePolicyに変換する。
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FailurePolicyWarn, FailurePolicyBlock:
		return p, nil
	}
	return "", fmt.Errorf("unknown external calendar failure policy: %q", s)
}

// OverlapFinder は内部の予約済みレッスンとの重複を判定する。
type OverlapFinder interface {
	HasOverlap(ctx context.Context, teacherID string, start, end time.Time) (bool, error)
}

// AvailabilityChecker は外部カレンダーの空き状況を問い合わせる。
// free が true の場合、指定区間に予定は入っていない。
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, email string, start, end time.Time) (free bool, err error)
}

// Checker は候補枠の重複を検出する。
type Checker struct {
	sessions OverlapFinder
	calendar AvailabilityChecker
	policy   FailurePolicy
	logger   *slog.Logger
}

// NewChecker はCheckerを生成する。calendarがnilの場合は外部カレンダーの確認を行わない。
func NewChecker(sessions OverlapFinder, calendar AvailabilityChecker, policy FailurePolicy, logger *slog.Logger) *Checker {
	if policy == "" {
		policy = FailurePolicyWarn
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{sessions: sessions, calendar: calendar, policy: policy, logger: logger}
}

// HasInternalConflict は講師のキャンセル以外のレッスンが [start, end) と重なるかを返す。
func (c *Checker) HasInternalConflict(ctx context.Context, teacherID string, start, end time.Time) (bool, error) {
	overlap, err := c.sessions.HasOverlap(ctx, teacherID, start, end)
	if err != nil {
		return false, fmt.Errorf("failed to check internal conflict: %w", err)
	}
	return overlap, nil
}

// HasExternalConflict は講師の外部カレンダーに [start, end) と重なる予定があるかを返す。
// 問い合わせに失敗した場合は設定されたポリシーに従う。
func (c *Checker) HasExternalConflict(ctx context.Context, teacherEmail string, start, end time.Time) (bool, error) {
	if c.calendar == nil || teacherEmail == "" {
		return false, nil
	}

	free, err := c.calendar.CheckAvailability(ctx, teacherEmail, start, end)
	if err != nil {
		if c.policy == FailurePolicyBlock {
			c.logger.Error("外部カレンダーの空き状況確認に失敗したため予約を拒否します",
				slog.String("teacher_email", teacherEmail),
				slog.Time("start", start),
				slog.String("error", err.Error()),
			)
			return false, model.NewCalendarUnavailableError()
		}
		c.logger.Warn("外部カレンダーの空き状況確認に失敗しました。内部の予定のみで重複を判定します",
			slog.String("teacher_email", teacherEmail),
			slog.Time("start", start),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return !free, nil
}

// CheckWindows はすべての候補枠を書き込み前に検証する。
// 候補同士の重複、内部のレッスン、外部カレンダーの順に確認し、
// 最初に見つかった重複で BOOKING_CONFLICT を返す。
func (c *Checker) CheckWindows(ctx context.Context, teacherID, teacherEmail string, windows []model.Window) error {
	for i, w := range windows {
		for _, prev := range windows[:i] {
			if prev.Overlaps(w) {
				return model.NewBookingConflictError(w.Start, model.ConflictSourceBatch)
			}
		}
	}

	for _, w := range windows {
		internal, err := c.HasInternalConflict(ctx, teacherID, w.Start, w.End)
		if err != nil {
			return err
		}
		if internal {
			return model.NewBookingConflictError(w.Start, model.ConflictSourceInternal)
		}

		external, err := c.HasExternalConflict(ctx, teacherEmail, w.Start, w.End)
		if err != nil {
			return err
		}
		if external {
			return model.NewBookingConflictError(w.Start, model.ConflictSourceExternal)
		}
	}
	return nil
}
