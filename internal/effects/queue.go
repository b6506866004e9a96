package effects

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Runner はジョブの副作用ステップを実行するインターフェース。
type Runner interface {
	Run(ctx context.Context, job *model.SideEffectJob) error
}

// QueueConfig はジョブキューの設定。
type QueueConfig struct {
	Workers     int           // プロセス内ワーカー数
	Size        int           // チャネルのバッファサイズ
	MaxAttempts int           // この回数失敗したジョブは dead にする
	Lease       time.Duration // 実行中ジョブのリース期間
}

// Queue は副作用ジョブを永続化し、プロセス内ワーカーで実行する。
// バッファが満杯のジョブや失敗したジョブはスイーパーが後で拾う。
type Queue struct {
	jobs    repository.JobRepository
	runner  Runner
	ch      chan *model.SideEffectJob
	config  QueueConfig
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
	newID   func() string
}

// NewQueue はQueueを生成する。
// Workersが0以下の場合はチャネルを持たず、すべてのジョブを pending として保存する。
func NewQueue(jobs repository.JobRepository, runner Runner, config QueueConfig, logger *slog.Logger, mc metrics.MetricsCollector) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Lease <= 0 {
		config.Lease = 10 * time.Minute
	}
	if config.Size <= 0 {
		config.Size = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	q := &Queue{
		jobs:    jobs,
		runner:  runner,
		config:  config,
		logger:  logger,
		metrics: mc,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	if config.Workers > 0 {
		q.ch = make(chan *model.SideEffectJob, config.Size)
	}
	return q
}

// WithClock はテスト用に現在時刻の取得関数を差し替える。
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Dispatch はジョブを保存し、ワーカーに渡す。
// 呼び出し元のキャンセルはジョブに伝播しない。
func (q *Queue) Dispatch(ctx context.Context, kind model.JobKind, sessionIDs []string, payload model.JobPayload) (*model.SideEffectJob, error) {
	ctx = context.WithoutCancel(ctx)
	now := q.now()
	job := &model.SideEffectJob{
		ID:         q.newID(),
		Kind:       kind,
		SessionIDs: sessionIDs,
		Status:     model.JobStatusPending,
		StepLog:    map[string]string{},
		Payload:    payload,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if q.ch != nil {
		lockedUntil := now.Add(q.config.Lease)
		job.Status = model.JobStatusRunning
		job.LockedUntil = &lockedUntil
	}

	if err := q.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("副作用ジョブの保存に失敗しました: %w", err)
	}

	if q.ch == nil {
		return job, nil
	}

	select {
	case q.ch <- job:
		return job, nil
	default:
	}

	q.logger.Warn("ジョブキューが満杯のため、スイーパーでの実行に回します",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
	)
	job.Status = model.JobStatusPending
	job.LockedUntil = nil
	if err := q.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("副作用ジョブの更新に失敗しました: %w", err)
	}
	return job, nil
}

// Start はプロセス内ワーカーを起動し、ctx がキャンセルされるまでブロックする。
// 停止時にチャネルに残ったジョブはリース期限切れ後にスイーパーが再実行する。
func (q *Queue) Start(ctx context.Context) {
	if q.ch == nil {
		return
	}

	q.logger.Info("副作用ワーカーを開始しました",
		slog.Int("workers", q.config.Workers),
		slog.Int("queue_size", q.config.Size),
	)

	var wg sync.WaitGroup
	for i := 0; i < q.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.ch:
					q.Execute(ctx, job)
				}
			}
		}()
	}
	wg.Wait()

	q.logger.Info("副作用ワーカーを停止しました")
}

// Execute はジョブを1回実行し、結果に応じて状態を更新する。
// すべて成功すれば done、失敗時はバックオフ後に再試行し、最大試行回数で dead にする。
func (q *Queue) Execute(ctx context.Context, job *model.SideEffectJob) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	job.Attempts++
	err := q.runner.Run(ctx, job)

	now := q.now()
	job.UpdatedAt = now
	job.LockedUntil = nil
	switch {
	case err == nil:
		job.Status = model.JobStatusDone
		job.LastError = ""
	case job.Attempts >= q.config.MaxAttempts || !IsRetryable(err):
		job.Status = model.JobStatusDead
		job.LastError = err.Error()
	default:
		job.Status = model.JobStatusFailed
		job.LastError = err.Error()
		job.NextRunAt = now.Add(CalculateBackoff(job.Attempts - 1))
	}

	if uerr := q.jobs.Update(ctx, job); uerr != nil {
		q.logger.Error("副作用ジョブの状態更新に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", uerr.Error()),
		)
	}
	q.metrics.RecordSideEffectJob(string(job.Status))

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("status", string(job.Status)),
		slog.Int("attempts", job.Attempts),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	switch job.Status {
	case model.JobStatusDone:
		q.logger.Info("副作用ジョブが完了しました", attrs...)
	case model.JobStatusDead:
		q.logger.Error("副作用ジョブを放棄しました。手動での対応が必要です", append(attrs, slog.String("error", job.LastError))...)
	default:
		q.logger.Warn("副作用ジョブの一部が失敗しました。再試行します",
			append(attrs, slog.Time("next_run_at", job.NextRunAt), slog.String("error", job.LastError))...)
	}
}
