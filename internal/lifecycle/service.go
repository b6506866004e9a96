// Package lifecycle は予約済みレッスンに対する操作（キャンセル・実施済み・無断欠席・講師メモ更新）を提供する。
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/policy"
	"github.com/hitoshi/lessonbook/internal/quota"
	"github.com/hitoshi/lessonbook/internal/repository"
	"github.com/hitoshi/lessonbook/internal/security"
)

// MaxNotesLength は講師メモの最大文字数。
const MaxNotesLength = 5000

// StepRelease はキャンセル時のレッスン枠返却を表すメトリクスのラベル。
const StepRelease = "release"

// Dispatcher は副作用ジョブの投入インターフェース。
type Dispatcher interface {
	Dispatch(ctx context.Context, kind model.JobKind, sessionIDs []string, payload model.JobPayload) (*model.SideEffectJob, error)
}

// Config はレッスン操作の設定。
type Config struct {
	// CancellationWindow は生徒がキャンセルできる開始前の期限（デフォルト: 24h）。
	CancellationWindow time.Duration
}

// ActionRequest はレッスン操作の要求を表す。
type ActionRequest struct {
	SessionID string
	Action    string
	Reason    string // cancel 時の理由
	Notes     string // update_notes 時の本文
}

// Service はレッスン操作のユースケースを提供する。
type Service struct {
	sessions   repository.SessionRepository
	ledger     *quota.Ledger
	dispatcher Dispatcher
	sanitizer  security.Sanitizer
	config     Config
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time
}

// NewService は新しいServiceを生成する。
func NewService(
	sessions repository.SessionRepository,
	ledger *quota.Ledger,
	dispatcher Dispatcher,
	sanitizer security.Sanitizer,
	config Config,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Service {
	if config.CancellationWindow <= 0 {
		config.CancellationWindow = 24 * time.Hour
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		sessions:   sessions,
		ledger:     ledger,
		dispatcher: dispatcher,
		sanitizer:  sanitizer,
		config:     config,
		logger:     logger,
		metrics:    mc,
		now:        time.Now,
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Perform はレッスンに対する操作を実行し、更新後のレッスンを返す。
func (s *Service) Perform(ctx context.Context, caller model.Caller, req ActionRequest) (*model.Session, error) {
	action, ok := policy.ParseAction(req.Action)
	if !ok {
		return nil, model.NewInvalidActionError(req.Action)
	}

	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(req.SessionID)
	}

	if !policy.CanView(caller, session) {
		return nil, model.NewForbiddenError("このレッスンの参加者ではありません")
	}
	if !policy.CanPerform(caller, session, action) {
		return nil, model.NewForbiddenError(fmt.Sprintf("%s は担当講師または管理者のみ実行できます", action))
	}

	switch action {
	case policy.ActionCancel:
		return s.cancel(ctx, caller, session, req.Reason)
	case policy.ActionComplete:
		return s.transition(ctx, session, model.SessionStatusCompleted)
	case policy.ActionNoShow:
		return s.transition(ctx, session, model.SessionStatusNoShow)
	default:
		return s.updateNotes(ctx, session, req.Notes)
	}
}

func (s *Service) cancel(ctx context.Context, caller model.Caller, session *model.Session, reason string) (*model.Session, error) {
	if session.Status != model.SessionStatusScheduled {
		return nil, model.NewInvalidSessionStateError(session.Status)
	}
	now := s.now()
	if caller.Role == model.RoleStudent && session.ScheduledAt.Sub(now) < s.config.CancellationWindow {
		return nil, model.NewTooLateToCancelError(s.config.CancellationWindow)
	}

	t := repository.StatusTransition{
		From:        model.SessionStatusScheduled,
		To:          model.SessionStatusCancelled,
		CancelledBy: &caller.UserID,
		At:          now,
	}
	if reason = s.sanitizer.SanitizeText(reason); reason != "" {
		t.Reason = &reason
	}

	changed, err := s.sessions.Transition(ctx, session.ID, t)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", err)
	}
	if !changed {
		// 同時に別の操作で状態が変わった
		return nil, s.currentStateError(ctx, session)
	}

	payload := model.JobPayload{CancelledBy: caller.UserID, Reason: reason}

	// キャンセルは確定済みのため、返却の失敗はエラーにせずキャンセルジョブで再試行する
	if err := s.ledger.Release(ctx, session.SubscriptionID, 1); err != nil {
		s.logger.Error("キャンセル後のレッスン枠の返却に失敗しました。副作用ジョブで再試行します",
			slog.String("session_id", session.ID),
			slog.String("subscription_id", session.SubscriptionID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordSideEffectStep(StepRelease, false)
		payload.RefundSubscriptionID = session.SubscriptionID
		payload.RefundCount = 1
	}

	s.logger.Info("レッスンをキャンセルしました",
		slog.String("session_id", session.ID),
		slog.String("cancelled_by", caller.UserID),
		slog.String("role", string(caller.Role)),
	)

	if _, err := s.dispatcher.Dispatch(ctx, model.JobKindCancellation, []string{session.ID}, payload); err != nil {
		attrs := []any{
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		}
		if payload.HasPendingRefund() {
			// 返却もジョブも残らないため手動での返却が必要
			attrs = append(attrs, slog.String("pending_refund_subscription_id", payload.RefundSubscriptionID))
		}
		s.logger.Error("キャンセル副作用ジョブの投入に失敗しました", attrs...)
	}

	return s.reload(ctx, session.ID)
}

func (s *Service) transition(ctx context.Context, session *model.Session, to model.SessionStatus) (*model.Session, error) {
	if session.Status != model.SessionStatusScheduled {
		return nil, model.NewInvalidSessionStateError(session.Status)
	}
	changed, err := s.sessions.Transition(ctx, session.ID, repository.StatusTransition{
		From: model.SessionStatusScheduled,
		To:   to,
		At:   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}
	if !changed {
		return nil, s.currentStateError(ctx, session)
	}
	s.logger.Info("レッスンの状態を更新しました",
		slog.String("session_id", session.ID),
		slog.String("status", string(to)),
	)
	return s.reload(ctx, session.ID)
}

func (s *Service) updateNotes(ctx context.Context, session *model.Session, notes string) (*model.Session, error) {
	clean := s.sanitizer.SanitizeNotes(notes)
	if utf8.RuneCountInString(clean) > MaxNotesLength {
		return nil, model.NewValidationError(fmt.Sprintf("notes は%d文字以内で入力してください", MaxNotesLength))
	}
	if err := s.sessions.UpdateNotes(ctx, session.ID, clean, s.now()); err != nil {
		return nil, fmt.Errorf("failed to update notes: %w", err)
	}
	return s.reload(ctx, session.ID)
}

func (s *Service) currentStateError(ctx context.Context, session *model.Session) error {
	current, err := s.sessions.FindByID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if current == nil {
		return model.NewSessionNotFoundError(session.ID)
	}
	return model.NewInvalidSessionStateError(current.Status)
}

func (s *Service) reload(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(id)
	}
	return session, nil
}
