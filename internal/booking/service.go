// Package booking はレッスン予約（単発・一括・毎週の繰り返し）のユースケースを提供する。
//
// 予約は次の順に処理する:
// 権限確認 → 入力検証 → サブスクリプション解決 → 枠の事前確認 → 重複確認 → 保存 → 枠の確保 → 副作用の投入。
// 一括予約ではすべての候補枠を書き込み前に検証し、1件でも重複があれば1件も保存しない。
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonbook/internal/conflict"
	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/policy"
	"github.com/hitoshi/lessonbook/internal/quota"
	"github.com/hitoshi/lessonbook/internal/repository"
	"github.com/hitoshi/lessonbook/internal/security"
)

// 予約種別。メトリクスのラベルに使用する。
const (
	KindSingle    = "single"
	KindBulk      = "bulk"
	KindRecurring = "recurring"
)

// compensationReason は枠の確保に失敗した予約を取り消す際の理由。
const compensationReason = "quota reservation failed"

// Dispatcher は副作用ジョブの投入インターフェース。
type Dispatcher interface {
	Dispatch(ctx context.Context, kind model.JobKind, sessionIDs []string, payload model.JobPayload) (*model.SideEffectJob, error)
}

// Config は予約処理の設定。
type Config struct {
	// MaxSessionMinutes は1回のレッスンの最大時間（分）。
	MaxSessionMinutes int
}

// Request は単発予約の要求を表す。
type Request struct {
	StudentID         string
	TeacherID         string
	ScheduledAt       time.Time
	DurationMinutes   int
	MeetingLink       string
	AutoCreateMeeting bool
}

// BulkRequest は日時を列挙した一括予約の要求を表す。
type BulkRequest struct {
	StudentID         string
	TeacherID         string
	ScheduledAt       []time.Time
	DurationMinutes   int
	MeetingLink       string
	AutoCreateMeeting bool
}

// RecurringRequest は毎週の繰り返し予約の要求を表す。
// StartDate と EndDate は日付部分のみを使用する。
// EndDate が nil の場合、またはサブスクリプションの終了日より後の場合は終了日までを対象にする。
type RecurringRequest struct {
	StudentID         string
	TeacherID         string
	Weekday           time.Weekday
	TimeOfDay         string // "HH:MM"
	Timezone          string // IANAタイムゾーン名。空の場合はUTC
	DurationMinutes   int
	StartDate         time.Time
	EndDate           *time.Time
	MeetingLink       string
	AutoCreateMeeting bool
}

// Result は予約結果を表す。
type Result struct {
	Sessions     []*model.Session
	Subscription model.Subscription // 枠の確保後の状態
}

// Service は予約処理を行う。
type Service struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	ledger     *quota.Ledger
	conflicts  *conflict.Checker
	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time
	newID      func() string
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	ledger *quota.Ledger,
	conflicts *conflict.Checker,
	dispatcher Dispatcher,
	config Config,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Service {
	if config.MaxSessionMinutes <= 0 {
		config.MaxSessionMinutes = 180
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		ledger:     ledger,
		conflicts:  conflicts,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		metrics:    mc,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock はテスト用に現在時刻の取得関数を差し替える。
// Ledgerの時刻は別途設定する。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// plan は検証前の予約内容を表す。
type plan struct {
	kind              string
	studentID         string
	teacherID         string
	starts            []time.Time
	durationMinutes   int
	meetingLink       string
	autoCreateMeeting bool
}

// Book は単発のレッスンを予約する。
func (s *Service) Book(ctx context.Context, caller model.Caller, req Request) (*Result, error) {
	return s.run(ctx, caller, plan{
		kind:              KindSingle,
		studentID:         req.StudentID,
		teacherID:         req.TeacherID,
		starts:            []time.Time{req.ScheduledAt},
		durationMinutes:   req.DurationMinutes,
		meetingLink:       req.MeetingLink,
		autoCreateMeeting: req.AutoCreateMeeting,
	}, nil)
}

// BookBulk は列挙された日時のレッスンをまとめて予約する。
func (s *Service) BookBulk(ctx context.Context, caller model.Caller, req BulkRequest) (*Result, error) {
	if len(req.ScheduledAt) == 0 {
		return nil, s.reject(model.NewValidationError("予約日時を1件以上指定してください"))
	}
	return s.run(ctx, caller, plan{
		kind:              KindBulk,
		studentID:         req.StudentID,
		teacherID:         req.TeacherID,
		starts:            req.ScheduledAt,
		durationMinutes:   req.DurationMinutes,
		meetingLink:       req.MeetingLink,
		autoCreateMeeting: req.AutoCreateMeeting,
	}, nil)
}

// BookRecurring は毎週同じ曜日・時刻のレッスンをまとめて予約する。
// 対象日はサブスクリプションの残り枠数で打ち切る。
func (s *Service) BookRecurring(ctx context.Context, caller model.Caller, req RecurringRequest) (*Result, error) {
	loc, err := loadLocation(req.Timezone)
	if err != nil {
		return nil, s.reject(err)
	}
	hour, minute, err := ParseTimeOfDay(req.TimeOfDay)
	if err != nil {
		return nil, s.reject(err)
	}
	if req.StartDate.IsZero() {
		return nil, s.reject(model.NewValidationError("開始日を指定してください"))
	}
	if req.Weekday < time.Sunday || req.Weekday > time.Saturday {
		return nil, s.reject(model.NewValidationError("曜日は0（日曜）から6（土曜）で指定してください"))
	}

	p := plan{
		kind:              KindRecurring,
		studentID:         req.StudentID,
		teacherID:         req.TeacherID,
		durationMinutes:   req.DurationMinutes,
		meetingLink:       req.MeetingLink,
		autoCreateMeeting: req.AutoCreateMeeting,
	}

	expand := func(sub *model.Subscription) ([]time.Time, error) {
		remaining := sub.Remaining()
		if remaining == 0 {
			return nil, model.NewQuotaExceededError(0, 1)
		}
		from := startOfDay(req.StartDate, loc)
		if now := s.now(); from.Before(now) {
			from = now
		}
		// サブスクリプションの期限を越えて予約しない
		until := sub.EndsAt
		if req.EndDate != nil {
			if end := startOfDay(*req.EndDate, loc).AddDate(0, 0, 1); end.Before(until) {
				until = end
			}
		}
		starts := ExpandWeekly(from, until, req.Weekday, hour, minute, loc, remaining)
		if len(starts) == 0 {
			return nil, model.NewValidationError("指定された期間に予約可能な日がありません")
		}
		return starts, nil
	}
	return s.run(ctx, caller, p, expand)
}

// run は予約の各ステップを順に実行する。
// expand が指定された場合、サブスクリプション解決後に候補日時を生成する。
func (s *Service) run(ctx context.Context, caller model.Caller, p plan, expand func(*model.Subscription) ([]time.Time, error)) (*Result, error) {
	// 権限確認
	if !policy.CanCreateBooking(caller, p.teacherID) {
		return nil, s.reject(model.NewForbiddenError("予約を作成できるのは担当講師または管理者のみです"))
	}
	if p.teacherID == "" {
		if caller.IsAdmin() {
			return nil, s.reject(model.NewValidationError("teacher_id を指定してください"))
		}
		p.teacherID = caller.UserID
	}

	// 入力検証
	if expand == nil {
		if err := s.validateStarts(p.starts); err != nil {
			return nil, s.reject(err)
		}
	}
	student, teacher, err := s.validate(ctx, p)
	if err != nil {
		return nil, s.reject(err)
	}

	// サブスクリプション解決
	sub, err := s.ledger.ActiveSubscription(ctx, student.ID)
	if err != nil {
		return nil, s.reject(err)
	}

	if expand != nil {
		starts, err := expand(sub)
		if err != nil {
			return nil, s.reject(err)
		}
		if err := s.validateStarts(starts); err != nil {
			return nil, s.reject(err)
		}
		p.starts = starts
	}

	// 枠の事前確認（重複確認より先に行う）
	if err := quota.Check(*sub, len(p.starts)); err != nil {
		return nil, s.reject(err)
	}

	// 重複確認
	windows := make([]model.Window, len(p.starts))
	for i, start := range p.starts {
		windows[i] = model.NewWindow(start, p.durationMinutes)
	}
	if err := s.conflicts.CheckWindows(ctx, teacher.ID, teacher.Email, windows); err != nil {
		return nil, s.reject(err)
	}

	// 保存
	sessions := s.newSessions(p, sub.ID, windows)
	if err := s.sessions.CreateBatch(ctx, sessions); err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			return nil, s.reject(model.NewBookingConflictError(s.firstTaken(ctx, teacher.ID, windows), model.ConflictSourceInternal))
		}
		return nil, fmt.Errorf("failed to persist sessions: %w", err)
	}

	// 枠の確保。失敗した場合は保存したレッスンを取り消す
	if err := s.ledger.Reserve(ctx, *sub, len(sessions)); err != nil {
		s.compensate(ctx, sessions, err)
		return nil, s.reject(err)
	}

	s.metrics.RecordBookingCreated(p.kind, len(sessions))
	s.logger.Info("レッスンを予約しました",
		slog.String("kind", p.kind),
		slog.String("student_id", student.ID),
		slog.String("teacher_id", teacher.ID),
		slog.String("subscription_id", sub.ID),
		slog.Int("session_count", len(sessions)),
	)

	// 副作用の投入。失敗しても予約は成功として返す
	s.dispatch(ctx, sessions, p)

	reserved := *sub
	reserved.SessionsUsed += len(sessions)
	return &Result{Sessions: sessions, Subscription: reserved}, nil
}

// validate は予約内容と当事者を検証する。
func (s *Service) validate(ctx context.Context, p plan) (*model.User, *model.User, error) {
	if p.studentID == "" {
		return nil, nil, model.NewValidationError("student_id を指定してください")
	}
	if p.durationMinutes < 1 || p.durationMinutes > s.config.MaxSessionMinutes {
		return nil, nil, model.NewValidationError(fmt.Sprintf("レッスン時間は1〜%d分で指定してください", s.config.MaxSessionMinutes))
	}
	if p.meetingLink != "" {
		if err := security.ValidateLinkURL(p.meetingLink); err != nil {
			return nil, nil, model.NewValidationError(fmt.Sprintf("meeting_link は外部の http(s) 絶対URLで指定してください: %v", err))
		}
	}

	student, err := s.findUser(ctx, p.studentID, model.RoleStudent)
	if err != nil {
		return nil, nil, err
	}
	teacher, err := s.findUser(ctx, p.teacherID, model.RoleTeacher)
	if err != nil {
		return nil, nil, err
	}
	return student, teacher, nil
}

func (s *Service) validateStarts(starts []time.Time) error {
	now := s.now()
	for _, start := range starts {
		if start.IsZero() {
			return model.NewValidationError("予約日時を指定してください")
		}
		if !start.After(now) {
			return model.NewValidationError(fmt.Sprintf("予約日時は未来の日時を指定してください: %s", start.UTC().Format(time.RFC3339)))
		}
	}
	return nil
}

func (s *Service) findUser(ctx context.Context, id string, role model.Role) (*model.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if u == nil || u.Role != role {
		return nil, model.NewUserNotFoundError(id)
	}
	return u, nil
}

func (s *Service) newSessions(p plan, subscriptionID string, windows []model.Window) []*model.Session {
	now := s.now()
	var link *string
	if p.meetingLink != "" {
		l := p.meetingLink
		link = &l
	}
	sessions := make([]*model.Session, len(windows))
	for i, w := range windows {
		sessions[i] = &model.Session{
			ID:              s.newID(),
			SubscriptionID:  subscriptionID,
			StudentID:       p.studentID,
			TeacherID:       p.teacherID,
			ScheduledAt:     w.Start,
			DurationMinutes: p.durationMinutes,
			EndsAt:          w.End,
			Status:          model.SessionStatusScheduled,
			MeetingLink:     link,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	return sessions
}

// firstTaken は保存時に他の予約と衝突した候補枠の開始時刻を返す。
func (s *Service) firstTaken(ctx context.Context, teacherID string, windows []model.Window) time.Time {
	for _, w := range windows {
		if taken, err := s.conflicts.HasInternalConflict(ctx, teacherID, w.Start, w.End); err == nil && taken {
			return w.Start
		}
	}
	return windows[0].Start
}

// compensate は枠を確保できなかった予約を取り消す。
func (s *Service) compensate(ctx context.Context, sessions []*model.Session, cause error) {
	ids := sessionIDs(sessions)
	if err := s.sessions.CancelByIDs(context.WithoutCancel(ctx), ids, compensationReason, s.now()); err != nil {
		s.logger.Error("予約の取り消しに失敗しました。手動での対応が必要です",
			slog.Any("session_ids", ids),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Warn("レッスン枠を確保できなかったため予約を取り消しました",
		slog.Any("session_ids", ids),
		slog.String("cause", cause.Error()),
	)
}

func (s *Service) dispatch(ctx context.Context, sessions []*model.Session, p plan) {
	if s.dispatcher == nil {
		return
	}
	payload := model.JobPayload{
		AutoCreateMeeting: p.autoCreateMeeting,
		ManualMeetingLink: p.meetingLink,
	}
	ids := sessionIDs(sessions)
	if _, err := s.dispatcher.Dispatch(ctx, model.JobKindBookingConfirmation, ids, payload); err != nil {
		s.logger.Error("副作用ジョブの投入に失敗しました",
			slog.Any("session_ids", ids),
			slog.String("error", err.Error()),
		)
	}
}

// reject は業務エラーをメトリクスに記録して返す。
func (s *Service) reject(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		s.metrics.RecordBookingRejected(apiErr.Code)
	}
	return err
}

func sessionIDs(sessions []*model.Session) []string {
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	return ids
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("不明なタイムゾーンです: %s", name))
	}
	return loc, nil
}

// startOfDay は t の日付部分を loc の0時として解釈する。
func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
