package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/hitoshi/lessonbook/internal/effects"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridSender はSendGrid v3 Mail Send APIでメールを送信する。
type SendGridSender struct {
	key        string
	from       *sgmail.Email
	subjPrefix string
	host       string // テスト用に差し替え可能
}

// NewSendGridSender は新しいSendGridSenderを生成する。
func NewSendGridSender(key, fromName, fromEmail string) *SendGridSender {
	return &SendGridSender{
		key:        key,
		from:       sgmail.NewEmail(fromName, fromEmail),
		subjPrefix: "[" + fromName + "] ",
		host:       sendgridHost,
	}
}

var _ Sender = (*SendGridSender)(nil)

func (s *SendGridSender) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.To.Name, msg.To.Address))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", msg.Text),
		sgmail.NewContent("text/html", msg.HTML),
	)
	return m
}

// Send はメールを1通送信する。4xx/5xx は *effects.ProviderError として返す。
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: request failed: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return &effects.ProviderError{
			Provider:   "sendgrid",
			StatusCode: res.StatusCode,
			Message:    res.Body,
		}
	}
	return nil
}
