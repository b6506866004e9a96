// Package subscription は受講パッケージ（サブスクリプション）の参照を提供する。
// 作成・決済連携は外部で行われ、このパッケージは予約画面向けの読み取りのみを扱う。
package subscription

import (
	"context"
	"fmt"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/quota"
	"github.com/hitoshi/lessonbook/internal/repository"
)

// Info はサブスクリプションと残り枠数を結合したドメインオブジェクト。
type Info struct {
	model.Subscription
	Remaining int
}

// Service はサブスクリプション参照のサービス層。
type Service struct {
	ledger *quota.Ledger
	users  repository.UserRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(ledger *quota.Ledger, users repository.UserRepository) *Service {
	return &Service{
		ledger: ledger,
		users:  users,
	}
}

// GetActive は生徒の予約に使用されるサブスクリプションを返す。
// 生徒は自分自身のものだけを参照でき、studentIDが空の場合は自分自身を対象にする。
// 講師・管理者は任意の生徒を参照できる。
func (s *Service) GetActive(ctx context.Context, caller model.Caller, studentID string) (*Info, error) {
	if studentID == "" {
		if caller.Role != model.RoleStudent {
			return nil, model.NewValidationError("student_id を指定してください")
		}
		studentID = caller.UserID
	}
	if caller.Role == model.RoleStudent && studentID != caller.UserID {
		return nil, model.NewForbiddenError("他の生徒のサブスクリプションは参照できません")
	}

	student, err := s.users.FindByID(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("生徒の取得に失敗しました: %w", err)
	}
	if student == nil || student.Role != model.RoleStudent {
		return nil, model.NewUserNotFoundError(studentID)
	}

	sub, err := s.ledger.ActiveSubscription(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return &Info{Subscription: *sub, Remaining: sub.Remaining()}, nil
}
