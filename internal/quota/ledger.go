// Package quota はサブスクリプションのレッスン枠（sessions_used / sessions_total）を管理する。
// 枠の確保は楽観的並行性制御（比較交換）で行い、ロックは保持しない。
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Ledger はレッスン枠の参照・確保・返却を行う。
type Ledger struct {
	repo    repository.SubscriptionRepository
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewLedger はLedgerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewLedger(repo repository.SubscriptionRepository, mc metrics.MetricsCollector) *Ledger {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Ledger{repo: repo, metrics: mc, now: time.Now}
}

// WithClock は現在時刻の取得関数を差し替えたLedgerを返す。
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	return &cp
}

// ActiveSubscription は生徒の有効なサブスクリプションを返す。
// 存在しない場合は NO_ACTIVE_SUBSCRIPTION エラーを返す。
func (l *Ledger) ActiveSubscription(ctx context.Context, studentID string) (*model.Subscription, error) {
	sub, err := l.repo.FindActiveByStudent(ctx, studentID, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active subscription: %w", err)
	}
	if sub == nil {
		return nil, model.NewNoActiveSubscriptionError(studentID)
	}
	return sub, nil
}

// Check は count 件の枠を確保できるかを書き込みなしで判定する。
func Check(snapshot model.Subscription, count int) error {
	if snapshot.SessionsUsed+count > snapshot.SessionsTotal {
		return model.NewQuotaExceededError(snapshot.Remaining(), count)
	}
	return nil
}

// Reserve はスナップショット時点の sessions_used を期待値として count 件の枠を確保する。
// 上限を超える場合は書き込み前に QUOTA_EXCEEDED を返す。
// 期待値が一致しない場合は CONCURRENT_MODIFICATION を返す。再試行は呼び出し元の責務とする。
func (l *Ledger) Reserve(ctx context.Context, snapshot model.Subscription, count int) error {
	if count <= 0 {
		return model.NewValidationError("確保するレッスン数は1以上である必要があります")
	}
	if err := Check(snapshot, count); err != nil {
		return err
	}
	expected := snapshot.SessionsUsed

	ok, err := l.repo.CompareAndSwapUsed(ctx, snapshot.ID, expected, expected+count)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}
	if !ok {
		l.metrics.RecordQuotaConflict()
		return model.NewConcurrentModificationError()
	}

	l.metrics.RecordQuotaReserved(count)
	return nil
}

// Release は count 件の枠を返却する。sessions_used は0未満にならない。
func (l *Ledger) Release(ctx context.Context, subscriptionID string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := l.repo.DecrementUsed(ctx, subscriptionID, count); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	l.metrics.RecordQuotaReleased(count)
	return nil
}
