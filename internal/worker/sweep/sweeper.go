// Package sweep は未実行・再試行待ちの副作用ジョブを定期的に回収して実行する。
// リクエスト処理中に実行できなかったジョブや、途中で中断されたジョブを拾う。
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Executor は副作用ジョブの実行インターフェース。
type Executor interface {
	// Execute はジョブを1回実行し、結果に応じてジョブの状態を更新する。
	Execute(ctx context.Context, job *model.SideEffectJob)
}

// Sweeper は実行期限を迎えたジョブの取得と並列実行を行う。
// pending / failed のジョブとリース期限切れの running ジョブを
// FOR UPDATE SKIP LOCKED で取得し、semaphoreパターンで並列数を制御しながら実行する。
type Sweeper struct {
	jobs           repository.JobRepository
	executor       Executor
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	lease          time.Duration
	now            func() time.Time
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewSweeper(
	jobs repository.JobRepository,
	executor Executor,
	logger *slog.Logger,
	maxConcurrency int,
	lease time.Duration,
) *Sweeper {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Sweeper{
		jobs:           jobs,
		executor:       executor,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      maxConcurrency * 25,
		lease:          lease,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーでスイーパーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ジョブスイーパーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ジョブスイーパーを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スイープサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は実行対象のジョブを1回取得し、並列で実行する。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()

	jobs, err := s.jobs.ClaimDue(ctx, s.now(), s.lease, s.batchSize)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		s.logger.Debug("実行対象の副作用ジョブはありません")
		return nil
	}

	s.logger.Info("スイープサイクルを開始します",
		slog.Int("job_count", len(jobs)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *model.SideEffectJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.executor.Execute(ctx, j)
		}(job)
	}

	wg.Wait()

	s.logger.Info("スイープサイクルが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
