// Package calendar はGoogle Calendar API v3 を使った CalendarProvider の実装を提供する。
package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hitoshi/lessonbook/internal/effects"
	"github.com/hitoshi/lessonbook/internal/googleapi"
)

// providerName はメトリクスとエラーに記録するプロバイダ名。
const providerName = "google_calendar"

// GoogleCalendar はGoogle Calendarと連携する effects.CalendarProvider。
type GoogleCalendar struct {
	svc        *gcal.Service
	calendarID string
}

// NewGoogleCalendar は httpClient を使う新しいGoogleCalendarを生成する。
// httpClient は googleapi.NewHTTPClient で認証とレート制御を組み込んだものを渡す。
// calendarID が空の場合は "primary" を使用する。
func NewGoogleCalendar(ctx context.Context, httpClient *http.Client, calendarID string, opts ...option.ClientOption) (*GoogleCalendar, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleCalendar{svc: svc, calendarID: calendarID}, nil
}

var _ effects.CalendarProvider = (*GoogleCalendar)(nil)

// CheckAvailability は email の予定表で [start, end) に予定が入っていないかを返す。
func (g *GoogleCalendar) CheckAvailability(ctx context.Context, email string, start, end time.Time) (bool, error) {
	req := &gcal.FreeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: end.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: email}},
	}
	resp, err := g.svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("failed to query free/busy: %w", googleapi.Wrap(providerName, err))
	}

	cal, ok := resp.Calendars[email]
	if !ok {
		return false, fmt.Errorf("free/busy response does not contain calendar %s", email)
	}
	if len(cal.Errors) > 0 {
		return false, fmt.Errorf("free/busy query for %s failed: %s", email, cal.Errors[0].Reason)
	}
	return len(cal.Busy) == 0, nil
}

// CreateEvent は予定を作成する。Conferencing が true の場合はGoogle Meetのリンクを生成する。
func (g *GoogleCalendar) CreateEvent(ctx context.Context, req effects.EventRequest) (*effects.Event, error) {
	event := &gcal.Event{
		Summary:     req.Summary,
		Description: req.Description,
		Start:       &gcal.EventDateTime{DateTime: req.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: req.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, email := range req.Attendees {
		if email != "" {
			event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: email})
		}
	}

	call := g.svc.Events.Insert(g.calendarID, event).SendUpdates("all")
	if req.Conferencing {
		event.ConferenceData = &gcal.ConferenceData{CreateRequest: &gcal.CreateConferenceRequest{
			RequestId:             uuid.NewString(),
			ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
		}}
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar event: %w", googleapi.Wrap(providerName, err))
	}

	return &effects.Event{
		ID:          created.Id,
		MeetingLink: meetingLink(created),
		HTMLLink:    created.HtmlLink,
	}, nil
}

// DeleteEvent は予定を削除する。予定が既に存在しない場合は false, nil を返す。
func (g *GoogleCalendar) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	err := g.svc.Events.Delete(g.calendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		wrapped := googleapi.Wrap(providerName, err)
		if googleapi.IsNotFound(wrapped) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete calendar event: %w", wrapped)
	}
	return true, nil
}

// meetingLink は作成された予定からビデオ会議のURLを取り出す。
func meetingLink(e *gcal.Event) string {
	if e.ConferenceData != nil {
		for _, ep := range e.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return e.HangoutLink
}
