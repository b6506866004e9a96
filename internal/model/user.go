// Package model はドメインモデルを定義する。
package model

import "time"

// Role は利用者のロールを表す。
type Role string

const (
	// RoleStudent は生徒。
	RoleStudent Role = "student"
	// RoleTeacher は講師。
	RoleTeacher Role = "teacher"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// User はサービス利用者（生徒・講師・管理者）を表す。
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Role      Role      `db:"role"`
	Level     string    `db:"level"`    // 生徒のレベル（教材ドキュメント生成に使用）
	Timezone  string    `db:"timezone"` // IANAタイムゾーン名
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Caller は認証済みのリクエスト発行者を表す。
// 認証基盤からは (userID, role) の組としてのみ受け取る。
type Caller struct {
	UserID string
	Role   Role
}

// IsAdmin は管理者かどうかを返す。
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// LoginSession はユーザーのログインセッションを表す。
// 発行は認証サービスが行い、このサービスは参照のみ行う。
type LoginSession struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
