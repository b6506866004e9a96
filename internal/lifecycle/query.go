package lifecycle

import (
	"context"
	"fmt"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/policy"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の最大件数。
	MaxListLimit = 200
)

// List は呼び出し元が参照できるレッスンの一覧を返す。
// 生徒は自分のレッスン、講師は担当レッスンに暗黙的に絞り込まれる。管理者は制限なし。
func (s *Service) List(ctx context.Context, caller model.Caller, filter model.SessionFilter) ([]*model.Session, error) {
	switch caller.Role {
	case model.RoleStudent:
		if filter.StudentID != "" && filter.StudentID != caller.UserID {
			return nil, model.NewForbiddenError("他の生徒のレッスンは参照できません")
		}
		filter.StudentID = caller.UserID
	case model.RoleTeacher:
		if filter.TeacherID != "" && filter.TeacherID != caller.UserID {
			return nil, model.NewForbiddenError("他の講師のレッスンは参照できません")
		}
		filter.TeacherID = caller.UserID
	case model.RoleAdmin:
	default:
		return nil, model.NewForbiddenError("レッスンを参照する権限がありません")
	}

	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, model.NewValidationError("from は to より前の日時を指定してください")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}

	sessions, err := s.sessions.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Get は1件のレッスンを返す。参加者と管理者のみ参照できる。
func (s *Service) Get(ctx context.Context, caller model.Caller, id string) (*model.Session, error) {
	session, err := s.reload(ctx, id)
	if err != nil {
		return nil, err
	}
	if !policy.CanView(caller, session) {
		return nil, model.NewForbiddenError("このレッスンの参加者ではありません")
	}
	return session, nil
}
