package policy

import (
	"testing"

	"github.com/hitoshi/lessonbook/internal/model"
)

func TestParseAction(t *testing.T) {
	for _, s := range []string{"cancel", "complete", "no_show", "update_notes"} {
		if _, ok := ParseAction(s); !ok {
			t.Errorf("ParseAction(%q) should be valid", s)
		}
	}
	for _, s := range []string{"", "delete", "CANCEL"} {
		if _, ok := ParseAction(s); ok {
			t.Errorf("ParseAction(%q) should be invalid", s)
		}
	}
}

func TestCanCreateBooking(t *testing.T) {
	tests := []struct {
		name      string
		caller    model.Caller
		teacherID string
		want      bool
	}{
		{"講師が自分の枠を予約", model.Caller{UserID: "t1", Role: model.RoleTeacher}, "t1", true},
		{"講師が講師ID省略で予約", model.Caller{UserID: "t1", Role: model.RoleTeacher}, "", true},
		{"講師が他の講師の枠を予約", model.Caller{UserID: "t1", Role: model.RoleTeacher}, "t2", false},
		{"管理者は任意の講師", model.Caller{UserID: "a1", Role: model.RoleAdmin}, "t2", true},
		{"生徒は予約不可", model.Caller{UserID: "s1", Role: model.RoleStudent}, "t1", false},
		{"未知のロール", model.Caller{UserID: "x", Role: "guest"}, "t1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanCreateBooking(tt.caller, tt.teacherID); got != tt.want {
				t.Errorf("CanCreateBooking() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanPerform(t *testing.T) {
	session := &model.Session{StudentID: "s1", TeacherID: "t1"}
	student := model.Caller{UserID: "s1", Role: model.RoleStudent}
	otherStudent := model.Caller{UserID: "s2", Role: model.RoleStudent}
	teacher := model.Caller{UserID: "t1", Role: model.RoleTeacher}
	otherTeacher := model.Caller{UserID: "t2", Role: model.RoleTeacher}
	admin := model.Caller{UserID: "a1", Role: model.RoleAdmin}

	tests := []struct {
		name   string
		caller model.Caller
		action Action
		want   bool
	}{
		{"生徒が自分のレッスンをキャンセル", student, ActionCancel, true},
		{"他の生徒はキャンセル不可", otherStudent, ActionCancel, false},
		{"担当講師はキャンセル可", teacher, ActionCancel, true},
		{"他の講師はキャンセル不可", otherTeacher, ActionCancel, false},
		{"管理者はキャンセル可", admin, ActionCancel, true},
		{"生徒は完了にできない", student, ActionComplete, false},
		{"生徒は無断欠席にできない", student, ActionNoShow, false},
		{"生徒はメモ更新不可", student, ActionUpdateNotes, false},
		{"担当講師は完了可", teacher, ActionComplete, true},
		{"担当講師は無断欠席可", teacher, ActionNoShow, true},
		{"他の講師は完了不可", otherTeacher, ActionComplete, false},
		{"管理者は無断欠席可", admin, ActionNoShow, true},
		{"未知のアクション", teacher, Action("delete"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanPerform(tt.caller, session, tt.action); got != tt.want {
				t.Errorf("CanPerform() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanView(t *testing.T) {
	session := &model.Session{StudentID: "s1", TeacherID: "t1"}
	if !CanView(model.Caller{UserID: "s1", Role: model.RoleStudent}, session) {
		t.Error("student participant should view")
	}
	if CanView(model.Caller{UserID: "t2", Role: model.RoleTeacher}, session) {
		t.Error("non-participant teacher should not view")
	}
	if !CanView(model.Caller{UserID: "a1", Role: model.RoleAdmin}, session) {
		t.Error("admin should view")
	}
}
