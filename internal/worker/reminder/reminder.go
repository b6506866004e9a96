// Package reminder はレッスン開始前のリマインダー通知を送信するバッチジョブを提供する。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/lessonbook/internal/effects"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Config はリマインダージョブの設定パラメータ。
// 環境変数から設定可能。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// LeadTime は開始の何時間前から通知対象にするか（デフォルト: 24時間）。
	LeadTime time.Duration
	// SendInterval はメール送信の最低間隔（デフォルト: 1秒）。
	SendInterval time.Duration
	// MaxPerCycle は1サイクルあたりの最大送信件数（デフォルト: 100）。
	MaxPerCycle int
}

// DefaultConfig はデフォルトのリマインダージョブ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		LeadTime:     24 * time.Hour,
		SendInterval: time.Second,
		MaxPerCycle:  100,
	}
}

// Job はリマインダー通知のバッチジョブ。
// 開始まで LeadTime 以内で未通知の予約済みレッスンを対象に、生徒と講師へ通知する。
// 送信に成功したレッスンにのみ送信済みフラグを立てるため、失敗分は次のサイクルで再送される。
type Job struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	notifier effects.Notifier
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	notifier effects.Notifier,
	logger *slog.Logger,
	config Config,
) *Job {
	return &Job{
		sessions: sessions,
		users:    users,
		notifier: notifier,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("リマインダージョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("lead_time", j.config.LeadTime),
		slog.Int("max_per_cycle", j.config.MaxPerCycle),
	)

	// 起動直後に1回実行
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("リマインダーサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("リマインダージョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("リマインダーサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のリマインダーサイクルを実行する。
func (j *Job) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	due, err := j.sessions.ListDueForReminder(ctx, now, now.Add(j.config.LeadTime), j.config.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("リマインダー対象レッスンの取得に失敗しました: %w", err)
	}

	if len(due) == 0 {
		j.logger.Debug("リマインダー対象のレッスンはありません")
		return nil
	}

	users := map[string]*model.User{}
	lookup := func(id string) (*model.User, error) {
		if u, ok := users[id]; ok {
			return u, nil
		}
		u, err := j.users.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("user %s not found", id)
		}
		users[id] = u
		return u, nil
	}

	var sentCount, failedCount int
	for i, sess := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 送信間隔（初回は待たない）
		if i > 0 && j.config.SendInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.config.SendInterval):
			}
		}

		if err := j.remind(ctx, sess, lookup); err != nil {
			failedCount++
			j.logger.Error("リマインダーの送信に失敗しました",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sentCount++
	}

	j.logger.Info("リマインダーサイクルが完了しました",
		slog.Int("target_count", len(due)),
		slog.Int("sent_count", sentCount),
		slog.Int("failed_count", failedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

func (j *Job) remind(ctx context.Context, sess *model.Session, lookup func(string) (*model.User, error)) error {
	student, err := lookup(sess.StudentID)
	if err != nil {
		return err
	}
	teacher, err := lookup(sess.TeacherID)
	if err != nil {
		return err
	}
	if err := j.notifier.SendReminder(ctx, student, teacher, effects.NewBookingDetails(sess)); err != nil {
		return err
	}
	return j.sessions.MarkReminderSent(ctx, sess.ID)
}
