package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrOverlap は講師の既存セッションと時間帯が重なるため書き込めなかったことを示す。
var ErrOverlap = errors.New("session overlaps an existing session of the teacher")

// pqCodeExclusionViolation は排他制約違反のSQLSTATE。
const pqCodeExclusionViolation = "23P01"

// hasPQCode はerrが指定SQLSTATEのpq.Errorかを判定する。
func hasPQCode(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

func isExclusionViolation(err error) bool {
	return hasPQCode(err, pqCodeExclusionViolation)
}
