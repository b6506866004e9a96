// Package cleanup は日次のデータ整理ジョブを提供する。
// 期限切れサブスクリプションの失効、期限切れログインセッションの削除、
// 保持期間を超過した完了済み副作用ジョブの削除を行う。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/lessonbook/internal/repository"
)

// CleanupJob は日次実行のデータ整理ジョブ。
// 各処理は冪等であり、1つが失敗しても残りの処理は実行する。
type CleanupJob struct {
	subscriptions repository.SubscriptionRepository
	loginSessions repository.LoginSessionRepository
	jobs          repository.JobRepository
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 完了済み副作用ジョブの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(
	subscriptions repository.SubscriptionRepository,
	loginSessions repository.LoginSessionRepository,
	jobs repository.JobRepository,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		subscriptions: subscriptions,
		loginSessions: loginSessions,
		jobs:          jobs,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Start はジョブを指定間隔で定期実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Run はすべての整理処理を1回実行する。
// 失敗した処理のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.AddDate(0, 0, -j.RetentionDays)

	tasks := []struct {
		name string
		run  func() (int64, error)
	}{
		{"expire_subscriptions", func() (int64, error) { return j.subscriptions.ExpireEnded(ctx, now) }},
		{"delete_login_sessions", func() (int64, error) { return j.loginSessions.DeleteExpired(ctx, now) }},
		{"delete_finished_jobs", func() (int64, error) { return j.jobs.DeleteFinishedBefore(ctx, cutoff) }},
	}

	var errs []error
	for _, task := range tasks {
		start := time.Now()
		count, err := task.run()
		if err != nil {
			j.logger.Error("クリーンアップ処理の実行に失敗しました",
				slog.String("task", task.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", task.name, err))
			continue
		}
		j.logger.Info("クリーンアップ処理が完了しました",
			slog.String("task", task.name),
			slog.Int64("affected_count", count),
			slog.Int("retention_days", j.RetentionDays),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return errors.Join(errs...)
}
