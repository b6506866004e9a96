// Package availability は講師の週次の受講可能時間帯と、空き状況（free/busy）の表示を提供する。
// 受講可能時間帯は表示用であり、予約時の制約には使用しない。
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/policy"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// MaxRange は空き状況を一度に照会できる最大期間。
const MaxRange = 31 * 24 * time.Hour

// maxBusySessions は空き状況の計算で参照するレッスンの上限件数。
const maxBusySessions = 500

// Slot は受講可能時間帯の入力を表す。
type Slot struct {
	DayOfWeek int
	StartTime string // "HH:MM"
	EndTime   string // "HH:MM"
	Active    bool
}

// FreeBusy は期間内の空き時間帯と予約済み時間帯を表す。
type FreeBusy struct {
	TeacherID string
	From      time.Time
	To        time.Time
	Timezone  string
	Free      []model.Window
	Busy      []model.Window
}

// Service は受講可能時間帯のサービス層。
type Service struct {
	users        repository.UserRepository
	availability repository.AvailabilityRepository
	sessions     repository.SessionRepository
	now          func() time.Time
	newID        func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	users repository.UserRepository,
	availability repository.AvailabilityRepository,
	sessions repository.SessionRepository,
) *Service {
	return &Service{
		users:        users,
		availability: availability,
		sessions:     sessions,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// List は講師の受講可能時間帯を返す。
func (s *Service) List(ctx context.Context, teacherID string) ([]*model.Availability, error) {
	if _, err := s.findTeacher(ctx, teacherID); err != nil {
		return nil, err
	}
	slots, err := s.availability.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, fmt.Errorf("受講可能時間帯の取得に失敗しました: %w", err)
	}
	return slots, nil
}

// Replace は講師の受講可能時間帯をすべて置き換える。
// 講師本人または管理者のみ実行できる。同じ曜日の有効な時間帯同士は重複できない。
func (s *Service) Replace(ctx context.Context, caller model.Caller, teacherID string, input []Slot) ([]*model.Availability, error) {
	if !policy.CanCreateBooking(caller, teacherID) {
		return nil, model.NewForbiddenError("他の講師の受講可能時間帯は変更できません")
	}
	if _, err := s.findTeacher(ctx, teacherID); err != nil {
		return nil, err
	}
	if err := validateSlots(input); err != nil {
		return nil, err
	}

	now := s.now()
	slots := make([]*model.Availability, 0, len(input))
	for _, in := range input {
		slots = append(slots, &model.Availability{
			ID:        s.newID(),
			TeacherID: teacherID,
			DayOfWeek: in.DayOfWeek,
			StartTime: in.StartTime,
			EndTime:   in.EndTime,
			Active:    in.Active,
			CreatedAt: now,
		})
	}

	if err := s.availability.ReplaceForTeacher(ctx, teacherID, slots); err != nil {
		return nil, fmt.Errorf("受講可能時間帯の更新に失敗しました: %w", err)
	}
	return s.availability.ListByTeacher(ctx, teacherID)
}

// FreeBusy は [from, to) の空き状況を返す。
// 空き時間帯は講師のタイムゾーンで展開した週次の受講可能時間帯から、キャンセル以外のレッスンを除いたもの。
func (s *Service) FreeBusy(ctx context.Context, teacherID string, from, to time.Time) (*FreeBusy, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, model.NewValidationError("from は to より前の日時を指定してください")
	}
	if to.Sub(from) > MaxRange {
		return nil, model.NewValidationError("照会期間は31日以内で指定してください")
	}

	teacher, err := s.findTeacher(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(teacher.Timezone)
	if err != nil || teacher.Timezone == "" {
		loc = time.UTC
	}

	slots, err := s.availability.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, fmt.Errorf("受講可能時間帯の取得に失敗しました: %w", err)
	}

	// 開始が from より前でも期間にかかるレッスンを拾うため、最大レッスン時間分さかのぼって取得する
	listFrom := from.Add(-24 * time.Hour)
	sessions, err := s.sessions.List(ctx, model.SessionFilter{
		TeacherID: teacherID,
		From:      &listFrom,
		To:        &to,
		Limit:     maxBusySessions,
	})
	if err != nil {
		return nil, fmt.Errorf("レッスンの取得に失敗しました: %w", err)
	}

	period := model.Window{Start: from, End: to}
	busy := []model.Window{}
	for _, sess := range sessions {
		if sess.Status == model.SessionStatusCancelled {
			continue
		}
		if w := sess.Window(); w.Overlaps(period) {
			busy = append(busy, w)
		}
	}

	free := []model.Window{}
	for _, w := range expandSlots(slots, from, to, loc) {
		free = append(free, subtract(w, busy)...)
	}

	return &FreeBusy{
		TeacherID: teacherID,
		From:      from,
		To:        to,
		Timezone:  loc.String(),
		Free:      free,
		Busy:      busy,
	}, nil
}

func (s *Service) findTeacher(ctx context.Context, teacherID string) (*model.User, error) {
	u, err := s.users.FindByID(ctx, teacherID)
	if err != nil {
		return nil, fmt.Errorf("講師の取得に失敗しました: %w", err)
	}
	if u == nil || u.Role != model.RoleTeacher {
		return nil, model.NewUserNotFoundError(teacherID)
	}
	return u, nil
}

// validateSlots は入力の曜日・時刻形式・前後関係と、同じ曜日の有効な時間帯の重複を検証する。
func validateSlots(input []Slot) error {
	byDay := make(map[int][]Slot)
	for _, in := range input {
		if in.DayOfWeek < 0 || in.DayOfWeek > 6 {
			return model.NewValidationError("day_of_week は0（日曜）から6（土曜）で指定してください")
		}
		start, err := parseClock(in.StartTime)
		if err != nil {
			return err
		}
		end, err := parseClock(in.EndTime)
		if err != nil {
			return err
		}
		if end <= start {
			return model.NewValidationError(fmt.Sprintf("終了時刻は開始時刻より後にしてください: %s-%s", in.StartTime, in.EndTime))
		}
		if in.Active {
			byDay[in.DayOfWeek] = append(byDay[in.DayOfWeek], in)
		}
	}

	for day, slots := range byDay {
		sort.Slice(slots, func(i, j int) bool { return slots[i].StartTime < slots[j].StartTime })
		for i := 1; i < len(slots); i++ {
			if slots[i].StartTime < slots[i-1].EndTime {
				return model.NewValidationError(fmt.Sprintf("曜日%dの時間帯が重複しています: %s-%s", day, slots[i].StartTime, slots[i].EndTime))
			}
		}
	}
	return nil
}

// parseClock は "HH:MM" を0時からの経過時間に変換する。
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, model.NewValidationError(fmt.Sprintf("時刻は HH:MM 形式で指定してください: %q", s))
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// expandSlots は有効な週次の時間帯を [from, to) の各日に展開し、期間内に切り詰めて時刻順に返す。
func expandSlots(slots []*model.Availability, from, to time.Time, loc *time.Location) []model.Window {
	var out []model.Window
	local := from.In(loc)
	y, m, d := local.Date()
	for day := 0; ; day++ {
		date := time.Date(y, m, d+day, 0, 0, 0, 0, loc)
		if !date.Before(to) {
			break
		}
		for _, slot := range slots {
			if !slot.Active || slot.DayOfWeek != int(date.Weekday()) {
				continue
			}
			sh, sm := clockParts(slot.StartTime)
			eh, em := clockParts(slot.EndTime)
			w := model.Window{
				Start: time.Date(date.Year(), date.Month(), date.Day(), sh, sm, 0, 0, loc),
				End:   time.Date(date.Year(), date.Month(), date.Day(), eh, em, 0, 0, loc),
			}
			if w.Start.Before(from) {
				w.Start = from
			}
			if w.End.After(to) {
				w.End = to
			}
			if w.Start.Before(w.End) {
				out = append(out, model.Window{Start: w.Start.UTC(), End: w.End.UTC()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func clockParts(s string) (hour, minute int) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

// subtract は w から busy の各区間を取り除いた残りの区間を返す。
func subtract(w model.Window, busy []model.Window) []model.Window {
	remaining := []model.Window{w}
	for _, b := range busy {
		var next []model.Window
		for _, r := range remaining {
			if !r.Overlaps(b) {
				next = append(next, r)
				continue
			}
			if r.Start.Before(b.Start) {
				next = append(next, model.Window{Start: r.Start, End: b.Start})
			}
			if b.End.Before(r.End) {
				next = append(next, model.Window{Start: b.End, End: r.End})
			}
		}
		remaining = next
	}
	return remaining
}
