// Package policy は予約作成とレッスン操作の権限判定を提供する。
// HTTPから独立した純粋関数として実装する。
package policy

import "github.com/hitoshi/lessonbook/internal/model"

// Action はレッスンに対する操作を表す。
type Action string

const (
	// ActionCancel はキャンセル。
	ActionCancel Action = "cancel"
	// ActionComplete は実施済みにする。
	ActionComplete Action = "complete"
	// ActionNoShow は無断欠席にする。
	ActionNoShow Action = "no_show"
	// ActionUpdateNotes は講師メモの更新。
	ActionUpdateNotes Action = "update_notes"
)

// ParseAction は文字列をActionに変換する。未知の値の場合はfalseを返す。
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionCancel, ActionComplete, ActionNoShow, ActionUpdateNotes:
		return a, true
	}
	return "", false
}

// CanCreateBooking は呼び出し元が teacherID の講師のレッスンを予約できるかを判定する。
// 講師は自分自身の枠のみ、管理者は任意の講師の枠を予約できる。生徒は予約を作成できない。
func CanCreateBooking(caller model.Caller, teacherID string) bool {
	switch caller.Role {
	case model.RoleAdmin:
		return true
	case model.RoleTeacher:
		return caller.UserID != "" && (teacherID == "" || teacherID == caller.UserID)
	}
	return false
}

// CanView は呼び出し元がレッスンを参照できるかを判定する。
func CanView(caller model.Caller, session *model.Session) bool {
	return caller.IsAdmin() || session.IsParticipant(caller.UserID)
}

// CanPerform は呼び出し元がレッスンに対して action を実行できるかを判定する。
//
//   - cancel: 担当生徒・担当講師・管理者
//   - complete / no_show / update_notes: 担当講師・管理者
func CanPerform(caller model.Caller, session *model.Session, action Action) bool {
	if caller.IsAdmin() {
		return true
	}
	isTeacher := caller.Role == model.RoleTeacher && caller.UserID != "" && session.TeacherID == caller.UserID
	switch action {
	case ActionCancel:
		isStudent := caller.Role == model.RoleStudent && caller.UserID != "" && session.StudentID == caller.UserID
		return isStudent || isTeacher
	case ActionComplete, ActionNoShow, ActionUpdateNotes:
		return isTeacher
	}
	return false
}
