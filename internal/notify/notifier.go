// Package notify は生徒・講師へのメール通知を提供する。
// 本文は埋め込みテンプレートから受信者のタイムゾーンで生成し、Sender（SendGrid または ログ）で送信する。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/lessonbook/internal/effects"
	"github.com/hitoshi/lessonbook/internal/model"
)

// Message は送信するメール1通を表す。
type Message struct {
	To      mail.Address
	Subject string
	Text    string
	HTML    string
}

// Sender はメールの送信インターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier はテンプレートから通知メールを生成して送信する effects.Notifier。
type Notifier struct {
	sender   Sender
	renderer *renderer
	baseURL  string
	logger   *slog.Logger
}

var _ effects.Notifier = (*Notifier)(nil)

// NewNotifier は新しいNotifierを生成する。
// baseURL はメール本文に載せるレッスン詳細ページのリンクに使用する。
func NewNotifier(sender Sender, baseURL string, logger *slog.Logger) (*Notifier, error) {
	r, err := newRenderer()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		sender:   sender,
		renderer: r,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}, nil
}

type sessionView struct {
	Start           string
	DurationMinutes int
	MeetingLink     string
	DocumentLink    string
	URL             string
}

type confirmationData struct {
	RecipientName string
	StudentName   string
	TeacherName   string
	Sessions      []sessionView
}

type cancellationData struct {
	RecipientName   string
	StudentName     string
	TeacherName     string
	Start           string
	DurationMinutes int
	CancelledBy     string
	Reason          string
}

type reminderData struct {
	RecipientName string
	StudentName   string
	TeacherName   string
	Session       sessionView
}

// SendBookingConfirmation は予約確定を生徒と講師に通知する。複数件の予約は1通にまとめる。
func (n *Notifier) SendBookingConfirmation(ctx context.Context, student, teacher *model.User, bookings []effects.BookingDetails) error {
	if len(bookings) == 0 {
		return nil
	}
	subject := "レッスン予約のお知らせ"
	if len(bookings) > 1 {
		subject = fmt.Sprintf("レッスン予約のお知らせ（%d件）", len(bookings))
	}
	return n.sendEach(ctx, "booking_confirmation", subject, student, teacher, func(r *model.User, loc *time.Location) any {
		views := make([]sessionView, 0, len(bookings))
		for _, b := range bookings {
			views = append(views, n.sessionView(b, loc))
		}
		return confirmationData{
			RecipientName: r.Name,
			StudentName:   student.Name,
			TeacherName:   teacher.Name,
			Sessions:      views,
		}
	})
}

// SendCancellation はキャンセルを生徒と講師に通知する。
func (n *Notifier) SendCancellation(ctx context.Context, student, teacher *model.User, details effects.CancellationDetails) error {
	return n.sendEach(ctx, "cancellation", "レッスンキャンセルのお知らせ", student, teacher, func(r *model.User, loc *time.Location) any {
		return cancellationData{
			RecipientName:   r.Name,
			StudentName:     student.Name,
			TeacherName:     teacher.Name,
			Start:           formatTime(details.StartsAt, loc),
			DurationMinutes: details.DurationMinutes,
			CancelledBy:     details.CancelledBy,
			Reason:          details.Reason,
		}
	})
}

// SendReminder はレッスン開始前のリマインダーを生徒と講師に送信する。
func (n *Notifier) SendReminder(ctx context.Context, student, teacher *model.User, booking effects.BookingDetails) error {
	return n.sendEach(ctx, "reminder", "レッスンのリマインダー", student, teacher, func(r *model.User, loc *time.Location) any {
		return reminderData{
			RecipientName: r.Name,
			StudentName:   student.Name,
			TeacherName:   teacher.Name,
			Session:       n.sessionView(booking, loc),
		}
	})
}

// sendEach は生徒・講師それぞれに、受信者のタイムゾーンで生成した本文を送信する。
// メールアドレスのない受信者は送信対象外とする。
func (n *Notifier) sendEach(
	ctx context.Context,
	tmpl, subject string,
	student, teacher *model.User,
	data func(r *model.User, loc *time.Location) any,
) error {
	if student == nil || teacher == nil {
		return errors.New("notification recipients are not resolved")
	}

	var errs []error
	for _, r := range []*model.User{student, teacher} {
		if r.Email == "" {
			n.logger.Warn("メールアドレスが未登録のため通知を送信しません",
				slog.String("user_id", r.ID),
				slog.String("template", tmpl),
			)
			continue
		}
		text, html, err := n.renderer.render(tmpl, data(r, location(r.Timezone)))
		if err != nil {
			return err
		}
		msg := Message{
			To:      mail.Address{Name: r.Name, Address: r.Email},
			Subject: subject,
			Text:    text,
			HTML:    html,
		}
		if err := n.sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("send %s to %s: %w", tmpl, r.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) sessionView(b effects.BookingDetails, loc *time.Location) sessionView {
	return sessionView{
		Start:           formatTime(b.StartsAt, loc),
		DurationMinutes: b.DurationMinutes,
		MeetingLink:     b.MeetingLink,
		DocumentLink:    b.DocumentLink,
		URL:             n.baseURL + "/sessions/" + b.SessionID,
	}
}

var weekdays = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// formatTime は日時を "2026年3月2日(月) 19:00 JST" の形式で返す。
func formatTime(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return fmt.Sprintf("%d年%d月%d日(%s) %s", lt.Year(), int(lt.Month()), lt.Day(), weekdays[lt.Weekday()], lt.Format("15:04 MST"))
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
