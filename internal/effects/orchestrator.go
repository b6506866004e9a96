package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// ステップ名。ジョブのステップログとメトリクスのラベルに使用する。
const (
	StepLoad           = "load"
	StepDocument       = "document"
	StepDocumentIndex  = "document_index"
	StepCalendar       = "calendar"
	StepPersist        = "persist"
	StepNotify         = "notify"
	StepCalendarDelete = "calendar_delete"
	StepRelease        = "release"
)

// Config は副作用処理の設定。
type Config struct {
	// BulkItemDelay は一括予約の各レッスン処理の間隔（外部APIのレート制限対策）。
	BulkItemDelay time.Duration
	// DocsParentFolderID は教材ドキュメントの作成先フォルダ。
	DocsParentFolderID string
	// DocsIndexID は教材一覧ドキュメント。空の場合は追記しない。
	DocsIndexID string
}

// Orchestrator はジョブ単位で副作用ステップを順に実行する。
// 各ステップはセッションに保存済みの参照を見てスキップするため、再実行しても重複しない。
type Orchestrator struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	calendar CalendarProvider
	docs     DocumentProvider
	notifier Notifier
	releaser QuotaReleaser
	config   Config
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator はOrchestratorを生成する。
// calendar / docs / notifier がnilの場合、そのステップは実行しない。
func NewOrchestrator(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	calendar CalendarProvider,
	docs DocumentProvider,
	notifier Notifier,
	config Config,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Orchestrator{
		sessions: sessions,
		users:    users,
		calendar: calendar,
		docs:     docs,
		notifier: notifier,
		config:   config,
		logger:   logger,
		metrics:  mc,
		sleep:    sleepContext,
	}
}

// WithReleaser はキャンセル時に返却できなかったレッスン枠の再返却先を設定する。
func (o *Orchestrator) WithReleaser(r QuotaReleaser) *Orchestrator {
	o.releaser = r
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run はジョブの種別に応じて副作用ステップを実行する。
// 失敗したステップのエラーをまとめて返し、ジョブのステップログを更新する。
func (o *Orchestrator) Run(ctx context.Context, job *model.SideEffectJob) error {
	if job.StepLog == nil {
		job.StepLog = map[string]string{}
	}
	switch job.Kind {
	case model.JobKindBookingConfirmation:
		return o.runBooking(ctx, job)
	case model.JobKindCancellation:
		return o.runCancellation(ctx, job)
	}
	return fmt.Errorf("unknown job kind: %q", job.Kind)
}

// stepRunner は1回のジョブ実行中のステップ結果を集約する。
type stepRunner struct {
	o    *Orchestrator
	job  *model.SideEffectJob
	errs []error
}

// record はステップの結果をログ・メトリクス・ステップログに反映する。
// 成功したステップは前回のエラーをステップログから消す。
func (r *stepRunner) record(sessionID, step string, err error) {
	key := step
	if sessionID != "" {
		key = sessionID + "/" + step
	}
	r.o.metrics.RecordSideEffectStep(step, err == nil)
	if err == nil {
		delete(r.job.StepLog, key)
		return
	}
	r.o.logger.Error("副作用ステップに失敗しました",
		slog.String("job_id", r.job.ID),
		slog.String("session_id", sessionID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	r.job.StepLog[key] = err.Error()
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

// warn は再試行の対象にしない補助ステップの失敗を記録する。
func (r *stepRunner) warn(sessionID, step string, err error) {
	r.o.metrics.RecordSideEffectStep(step, err == nil)
	if err == nil {
		return
	}
	r.o.logger.Warn("補助ステップに失敗しました",
		slog.String("job_id", r.job.ID),
		slog.String("session_id", sessionID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	r.job.StepLog[sessionID+"/"+step] = err.Error()
}

func (r *stepRunner) err() error {
	return errors.Join(r.errs...)
}

// participants はセッションの生徒と講師を取得する。同一ジョブ内ではキャッシュする。
type participants struct {
	repo  repository.UserRepository
	cache map[string]*model.User
}

func (p *participants) get(ctx context.Context, id string) (*model.User, error) {
	if u, ok := p.cache[id]; ok {
		return u, nil
	}
	u, err := p.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found", id)
	}
	p.cache[id] = u
	return u, nil
}

func (o *Orchestrator) runBooking(ctx context.Context, job *model.SideEffectJob) error {
	r := &stepRunner{o: o, job: job}
	users := &participants{repo: o.users, cache: map[string]*model.User{}}

	var (
		student, teacher *model.User
		details          []BookingDetails
	)

	for i, sessionID := range job.SessionIDs {
		if i > 0 && o.config.BulkItemDelay > 0 {
			if err := o.sleep(ctx, o.config.BulkItemDelay); err != nil {
				r.record("", StepLoad, err)
				return r.err()
			}
		}

		sess, err := o.sessions.FindByID(ctx, sessionID)
		if err == nil && sess == nil {
			err = fmt.Errorf("session %s not found", sessionID)
		}
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}
		if sess.Status == model.SessionStatusCancelled {
			o.logger.Info("キャンセル済みのレッスンの副作用処理をスキップします",
				slog.String("job_id", job.ID),
				slog.String("session_id", sessionID),
			)
			continue
		}

		s, err := users.get(ctx, sess.StudentID)
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}
		t, err := users.get(ctx, sess.TeacherID)
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}
		student, teacher = s, t

		o.createDocument(ctx, r, sess, student)
		o.createEvent(ctx, r, job, sess, student, teacher)

		details = append(details, NewBookingDetails(sess))
	}

	if len(details) > 0 && o.notifier != nil && !job.Payload.Notified {
		err := o.notifier.SendBookingConfirmation(ctx, student, teacher, details)
		r.record("", StepNotify, err)
		if err == nil {
			job.Payload.Notified = true
		}
	}

	return r.err()
}

// createDocument は教材ドキュメントを作成してセッションに保存する。作成済みの場合は何もしない。
func (o *Orchestrator) createDocument(ctx context.Context, r *stepRunner, sess *model.Session, student *model.User) {
	if o.docs == nil || sess.DocumentID != nil {
		return
	}

	req := DocumentRequest{
		StudentName:    student.Name,
		Level:          student.Level,
		ClassDate:      sess.ScheduledAt,
		ParentFolderID: o.config.DocsParentFolderID,
	}
	doc, err := o.docs.CreateClassDocument(ctx, req)
	r.record(sess.ID, StepDocument, err)
	if err != nil {
		return
	}

	links := model.SessionLinks{DocumentID: &doc.ID, DocumentLink: &doc.Link}
	if err := o.sessions.UpdateLinks(ctx, sess.ID, links); err != nil {
		r.record(sess.ID, StepPersist, err)
		return
	}
	sess.DocumentID = &doc.ID
	sess.DocumentLink = &doc.Link

	if o.config.DocsIndexID != "" {
		r.warn(sess.ID, StepDocumentIndex, o.docs.AppendToIndex(ctx, o.config.DocsIndexID, *doc, req))
	}
}

// createEvent はビデオ会議付きのカレンダー予定を作成してセッションに保存する。
// 手動で指定された会議リンクがある場合はそれを優先する。
func (o *Orchestrator) createEvent(ctx context.Context, r *stepRunner, job *model.SideEffectJob, sess *model.Session, student, teacher *model.User) {
	if o.calendar == nil || !job.Payload.AutoCreateMeeting || sess.CalendarEventID != nil {
		return
	}

	description := ""
	if sess.DocumentLink != nil {
		description = "教材: " + *sess.DocumentLink
	}
	w := sess.Window()
	event, err := o.calendar.CreateEvent(ctx, EventRequest{
		Summary:      fmt.Sprintf("%s / %s レッスン", student.Name, teacher.Name),
		Description:  description,
		Attendees:    []string{student.Email, teacher.Email},
		Start:        w.Start,
		End:          w.End,
		Conferencing: sess.MeetingLink == nil,
	})
	r.record(sess.ID, StepCalendar, err)
	if err != nil {
		return
	}

	links := model.SessionLinks{CalendarEventID: &event.ID}
	if event.HTMLLink != "" {
		links.CalendarLink = &event.HTMLLink
	}
	if sess.MeetingLink == nil && event.MeetingLink != "" {
		links.MeetingLink = &event.MeetingLink
	}
	err = o.sessions.UpdateLinks(ctx, sess.ID, links)
	r.record(sess.ID, StepPersist, err)
	if err != nil {
		return
	}
	sess.CalendarEventID = links.CalendarEventID
	sess.CalendarLink = links.CalendarLink
	if links.MeetingLink != nil {
		sess.MeetingLink = links.MeetingLink
	}
}

func (o *Orchestrator) runCancellation(ctx context.Context, job *model.SideEffectJob) error {
	r := &stepRunner{o: o, job: job}
	users := &participants{repo: o.users, cache: map[string]*model.User{}}

	o.releasePendingRefund(ctx, r, job)

	for _, sessionID := range job.SessionIDs {
		sess, err := o.sessions.FindByID(ctx, sessionID)
		if err == nil && sess == nil {
			err = fmt.Errorf("session %s not found", sessionID)
		}
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}

		if o.calendar != nil && sess.CalendarEventID != nil {
			deleted, err := o.calendar.DeleteEvent(ctx, *sess.CalendarEventID)
			r.record(sessionID, StepCalendarDelete, err)
			if err == nil && !deleted {
				o.logger.Info("カレンダー予定は既に削除されています",
					slog.String("session_id", sessionID),
					slog.String("event_id", *sess.CalendarEventID),
				)
			}
		}

		if o.notifier == nil || job.Payload.Notified {
			continue
		}
		student, err := users.get(ctx, sess.StudentID)
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}
		teacher, err := users.get(ctx, sess.TeacherID)
		if err != nil {
			r.record(sessionID, StepLoad, err)
			continue
		}
		cancelledBy := job.Payload.CancelledBy
		if u, err := users.get(ctx, cancelledBy); err == nil {
			cancelledBy = u.Name
		}
		err = o.notifier.SendCancellation(ctx, student, teacher, CancellationDetails{
			SessionID:       sess.ID,
			StartsAt:        sess.ScheduledAt,
			DurationMinutes: sess.DurationMinutes,
			Reason:          job.Payload.Reason,
			CancelledBy:     cancelledBy,
		})
		r.record(sessionID, StepNotify, err)
		if err == nil {
			job.Payload.Notified = true
		}
	}

	return r.err()
}

// releasePendingRefund はキャンセル時に返却できなかったレッスン枠を返却する。
// 成功したらペイロードから消し、再試行で二重に返却しないようにする。
func (o *Orchestrator) releasePendingRefund(ctx context.Context, r *stepRunner, job *model.SideEffectJob) {
	if !job.Payload.HasPendingRefund() {
		return
	}
	if o.releaser == nil {
		r.record("", StepRelease, errors.New("quota releaser is not configured"))
		return
	}

	err := o.releaser.Release(ctx, job.Payload.RefundSubscriptionID, job.Payload.RefundCount)
	r.record("", StepRelease, err)
	if err != nil {
		return
	}
	o.logger.Info("未返却のレッスン枠を返却しました",
		slog.String("job_id", job.ID),
		slog.String("subscription_id", job.Payload.RefundSubscriptionID),
		slog.Int("count", job.Payload.RefundCount),
	)
	job.Payload.RefundSubscriptionID = ""
	job.Payload.RefundCount = 0
}
