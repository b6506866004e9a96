package notify

import (
	"context"
	"log/slog"
)

// LogSender はメールを送信せずにログへ出力する。開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender は新しいLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

var _ Sender = (*LogSender)(nil)

// Send はメールの内容をログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("メールを送信しました（ログ出力のみ）",
		slog.String("to", msg.To.String()),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Text),
	)
	return nil
}
