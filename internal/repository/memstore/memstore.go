// Package memstore はリポジトリインターフェースのインメモリ実装を提供する。
// サービス層のテストで、PostgreSQLと同じ条件付き更新・重複拒否の意味論を再現する。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Store はすべてのテーブルを1つのミューテックスで保護するインメモリDB。
type Store struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	loginSessions map[string]*model.LoginSession
	subscriptions map[string]*model.Subscription
	sessions      map[string]*model.Session
	availability  map[string][]*model.Availability
	jobs          map[string]*model.SideEffectJob
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		users:         make(map[string]*model.User),
		loginSessions: make(map[string]*model.LoginSession),
		subscriptions: make(map[string]*model.Subscription),
		sessions:      make(map[string]*model.Session),
		availability:  make(map[string][]*model.Availability),
		jobs:          make(map[string]*model.SideEffectJob),
	}
}

// AddUser は利用者を登録する。
func (s *Store) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// AddLoginSession はログインセッションを登録する。
func (s *Store) AddLoginSession(ls model.LoginSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginSessions[ls.ID] = &ls
}

// AddSubscription はサブスクリプションを登録する。
func (s *Store) AddSubscription(sub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = &sub
}

// AddSession はセッションを重複チェックなしで登録する。
func (s *Store) AddSession(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.EndsAt.IsZero() {
		sess.EndsAt = sess.Window().End
	}
	s.sessions[sess.ID] = &sess
}

// Subscription は保存されているサブスクリプションのコピーを返す。
func (s *Store) Subscription(id string) (model.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return model.Subscription{}, false
	}
	return *sub, true
}

// Sessions は保存されているすべてのセッションのコピーを scheduled_at 順で返す。
func (s *Store) Sessions() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// Jobs は保存されているすべてのジョブのコピーを返す。
func (s *Store) Jobs() []model.SideEffectJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SideEffectJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Users は UserRepository を返す。
func (s *Store) Users() *UserRepo { return &UserRepo{s} }

// LoginSessions は LoginSessionRepository を返す。
func (s *Store) LoginSessions() *LoginSessionRepo { return &LoginSessionRepo{s} }

// Subscriptions は SubscriptionRepository を返す。
func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s} }

// SessionRepo は SessionRepository を返す。
func (s *Store) SessionRepo() *SessionRepo { return &SessionRepo{s} }

// Availability は AvailabilityRepository を返す。
func (s *Store) Availability() *AvailabilityRepo { return &AvailabilityRepo{s} }

// JobRepo は JobRepository を返す。
func (s *Store) JobRepo() *JobRepo { return &JobRepo{s} }

// UserRepo はインメモリの利用者リポジトリ。
type UserRepo struct{ s *Store }

// FindByID は指定IDの利用者を返す。
func (r *UserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if u, ok := r.s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

// LoginSessionRepo はインメモリのログインセッションリポジトリ。
type LoginSessionRepo struct{ s *Store }

// FindByID は有効期限内のログインセッションを返す。
func (r *LoginSessionRepo) FindByID(_ context.Context, id string) (*model.LoginSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if ls, ok := r.s.loginSessions[id]; ok && ls.ExpiresAt.After(time.Now()) {
		cp := *ls
		return &cp, nil
	}
	return nil, nil
}

// DeleteExpired は期限切れのログインセッションを削除する。
func (r *LoginSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, ls := range r.s.loginSessions {
		if !ls.ExpiresAt.After(now) {
			delete(r.s.loginSessions, id)
			n++
		}
	}
	return n, nil
}

// SubscriptionRepo はインメモリのサブスクリプションリポジトリ。
type SubscriptionRepo struct{ s *Store }

// FindByID は指定IDのサブスクリプションを返す。
func (r *SubscriptionRepo) FindByID(_ context.Context, id string) (*model.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if sub, ok := r.s.subscriptions[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

// FindActiveByStudent は生徒の有効なサブスクリプションのうち最も新しいものを返す。
func (r *SubscriptionRepo) FindActiveByStudent(_ context.Context, studentID string, now time.Time) (*model.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *model.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.StudentID != studentID || !sub.Usable(now) {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

// CompareAndSwapUsed は sessions_used を条件付きで更新する。
func (r *SubscriptionRepo) CompareAndSwapUsed(_ context.Context, id string, expected, next int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok || sub.SessionsUsed != expected || next > sub.SessionsTotal || next < 0 {
		return false, nil
	}
	sub.SessionsUsed = next
	sub.UpdatedAt = time.Now()
	return true, nil
}

// DecrementUsed は sessions_used を減らす。
func (r *SubscriptionRepo) DecrementUsed(_ context.Context, id string, count int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub, ok := r.s.subscriptions[id]; ok {
		sub.SessionsUsed = max(sub.SessionsUsed-count, 0)
		sub.UpdatedAt = time.Now()
	}
	return nil
}

// ExpireEnded は期限切れの active サブスクリプションを expired にする。
func (r *SubscriptionRepo) ExpireEnded(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sub := range r.s.subscriptions {
		if sub.Status == model.SubscriptionStatusActive && sub.EndsAt.Before(now) {
			sub.Status = model.SubscriptionStatusExpired
			n++
		}
	}
	return n, nil
}

// SessionRepo はインメモリのレッスンリポジトリ。
// 同一講師の時間帯重複は排他制約と同様に拒否する。
type SessionRepo struct{ s *Store }

// FindByID は指定IDのセッションを返す。
func (r *SessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if sess, ok := r.s.sessions[id]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

// CreateBatch は重複がない場合に限りすべてのセッションを作成する。
func (r *SessionRepo) CreateBatch(_ context.Context, sessions []*model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i, cand := range sessions {
		w := cand.Window()
		if r.overlapsLocked(cand.TeacherID, w) {
			return repository.ErrOverlap
		}
		for _, other := range sessions[:i] {
			if other.TeacherID == cand.TeacherID && other.Window().Overlaps(w) {
				return repository.ErrOverlap
			}
		}
	}
	for _, cand := range sessions {
		cp := *cand
		cp.EndsAt = cand.Window().End
		r.s.sessions[cp.ID] = &cp
	}
	return nil
}

func (r *SessionRepo) overlapsLocked(teacherID string, w model.Window) bool {
	for _, sess := range r.s.sessions {
		if sess.TeacherID == teacherID && sess.Status != model.SessionStatusCancelled && sess.Window().Overlaps(w) {
			return true
		}
	}
	return false
}

// HasOverlap は講師のキャンセル以外のセッションが [start, end) と重なるかを返す。
func (r *SessionRepo) HasOverlap(_ context.Context, teacherID string, start, end time.Time) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.overlapsLocked(teacherID, model.Window{Start: start, End: end}), nil
}

// List はフィルタ条件に一致するセッションを返す。
func (r *SessionRepo) List(_ context.Context, f model.SessionFilter) ([]*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Session{}
	for _, sess := range r.s.sessions {
		switch {
		case f.StudentID != "" && sess.StudentID != f.StudentID,
			f.TeacherID != "" && sess.TeacherID != f.TeacherID,
			f.Status != "" && sess.Status != f.Status,
			f.From != nil && sess.ScheduledAt.Before(*f.From),
			f.To != nil && !sess.ScheduledAt.Before(*f.To):
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition はステータスを条件付きで更新する。
func (r *SessionRepo) Transition(_ context.Context, id string, t repository.StatusTransition) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok || sess.Status != t.From {
		return false, nil
	}
	sess.Status = t.To
	if t.Reason != nil {
		sess.CancellationReason = t.Reason
	}
	if t.CancelledBy != nil {
		sess.CancelledBy = t.CancelledBy
	}
	at := t.At
	switch t.To {
	case model.SessionStatusCancelled:
		sess.CancelledAt = &at
	case model.SessionStatusCompleted:
		sess.CompletedAt = &at
	}
	sess.UpdatedAt = at
	return true, nil
}

// CancelByIDs は scheduled 状態の指定セッションをキャンセル済みにする。
func (r *SessionRepo) CancelByIDs(_ context.Context, ids []string, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		sess, ok := r.s.sessions[id]
		if !ok || sess.Status != model.SessionStatusScheduled {
			continue
		}
		sess.Status = model.SessionStatusCancelled
		reason := reason
		sess.CancellationReason = &reason
		cancelledAt := at
		sess.CancelledAt = &cancelledAt
		sess.UpdatedAt = at
	}
	return nil
}

// UpdateLinks はnilでないリンクを保存する。
func (r *SessionRepo) UpdateLinks(_ context.Context, id string, links model.SessionLinks) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil
	}
	if links.MeetingLink != nil {
		sess.MeetingLink = links.MeetingLink
	}
	if links.CalendarEventID != nil {
		sess.CalendarEventID = links.CalendarEventID
	}
	if links.CalendarLink != nil {
		sess.CalendarLink = links.CalendarLink
	}
	if links.DocumentID != nil {
		sess.DocumentID = links.DocumentID
	}
	if links.DocumentLink != nil {
		sess.DocumentLink = links.DocumentLink
	}
	return nil
}

// UpdateNotes は講師メモを更新する。
func (r *SessionRepo) UpdateNotes(_ context.Context, id, notes string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok {
		sess.TeacherNotes = &notes
		sess.UpdatedAt = at
	}
	return nil
}

// ListDueForReminder はリマインダー送信対象のセッションを返す。
func (r *SessionRepo) ListDueForReminder(_ context.Context, from, until time.Time, limit int) ([]*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Session{}
	for _, sess := range r.s.sessions {
		if sess.Status != model.SessionStatusScheduled || sess.ReminderSent {
			continue
		}
		if sess.ScheduledAt.Before(from) || !sess.ScheduledAt.Before(until) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReminderSent はリマインダー送信済みフラグを立てる。
func (r *SessionRepo) MarkReminderSent(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok {
		sess.ReminderSent = true
	}
	return nil
}

// AvailabilityRepo はインメモリの受講可能時間帯リポジトリ。
type AvailabilityRepo struct{ s *Store }

// ListByTeacher は講師の受講可能時間帯を返す。
func (r *AvailabilityRepo) ListByTeacher(_ context.Context, teacherID string) ([]*model.Availability, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Availability{}
	for _, a := range r.s.availability[teacherID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

// ReplaceForTeacher は講師の受講可能時間帯を置き換える。
func (r *AvailabilityRepo) ReplaceForTeacher(_ context.Context, teacherID string, slots []*model.Availability) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	copied := make([]*model.Availability, 0, len(slots))
	for _, a := range slots {
		cp := *a
		copied = append(copied, &cp)
	}
	r.s.availability[teacherID] = copied
	return nil
}

// JobRepo はインメモリの副作用ジョブリポジトリ。
type JobRepo struct{ s *Store }

func copyJob(j *model.SideEffectJob) model.SideEffectJob {
	cp := *j
	cp.SessionIDs = append([]string(nil), j.SessionIDs...)
	cp.StepLog = make(map[string]string, len(j.StepLog))
	for k, v := range j.StepLog {
		cp.StepLog[k] = v
	}
	if j.LockedUntil != nil {
		lu := *j.LockedUntil
		cp.LockedUntil = &lu
	}
	return cp
}

// Create はジョブを作成する。
func (r *JobRepo) Create(_ context.Context, job *model.SideEffectJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := copyJob(job)
	r.s.jobs[job.ID] = &cp
	return nil
}

// ClaimDue は実行期限を迎えたジョブをリースして返す。
func (r *JobRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SideEffectJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*model.SideEffectJob
	for _, j := range r.s.jobs {
		switch j.Status {
		case model.JobStatusPending, model.JobStatusFailed:
			if !j.NextRunAt.After(now) {
				due = append(due, j)
			}
		case model.JobStatusRunning:
			if j.LockedUntil != nil && j.LockedUntil.Before(now) {
				due = append(due, j)
			}
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextRunAt.Before(due[b].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	lockedUntil := now.Add(lease)
	out := make([]*model.SideEffectJob, 0, len(due))
	for _, j := range due {
		j.Status = model.JobStatusRunning
		lu := lockedUntil
		j.LockedUntil = &lu
		j.UpdatedAt = now
		cp := copyJob(j)
		out = append(out, &cp)
	}
	return out, nil
}

// Update はジョブの実行結果を保存する。
func (r *JobRepo) Update(_ context.Context, job *model.SideEffectJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := copyJob(job)
	r.s.jobs[job.ID] = &cp
	return nil
}

// DeleteFinishedBefore は完了済み・放棄済みの古いジョブを削除する。
func (r *JobRepo) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, j := range r.s.jobs {
		if (j.Status == model.JobStatusDone || j.Status == model.JobStatusDead) && j.UpdatedAt.Before(before) {
			delete(r.s.jobs, id)
			n++
		}
	}
	return n, nil
}

var (
	_ repository.UserRepository         = (*UserRepo)(nil)
	_ repository.LoginSessionRepository = (*LoginSessionRepo)(nil)
	_ repository.SubscriptionRepository = (*SubscriptionRepo)(nil)
	_ repository.SessionRepository      = (*SessionRepo)(nil)
	_ repository.AvailabilityRepository = (*AvailabilityRepo)(nil)
	_ repository.JobRepository          = (*JobRepo)(nil)
)
