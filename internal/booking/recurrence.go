package booking

import (
	"fmt"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
)

// ExpandWeekly は from 以降 until より前にある、毎週 weekday の hour:minute（loc の時刻）を列挙する。
// 各回は loc の壁時計で組み立てるため、夏時間の切り替えをまたいでも同じ現地時刻になる。
// limit が0より大きい場合はその件数で打ち切る。
func ExpandWeekly(from, until time.Time, weekday time.Weekday, hour, minute int, loc *time.Location, limit int) []time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	offset := (int(weekday) - int(local.Weekday()) + 7) % 7
	y, m, d := local.Date()

	var out []time.Time
	for week := 0; ; week++ {
		t := time.Date(y, m, d+offset+7*week, hour, minute, 0, 0, loc)
		if !t.Before(until) {
			break
		}
		if t.Before(from) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ParseTimeOfDay は "HH:MM" 形式の時刻を解析する。
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, perr := time.Parse("15:04", s)
	if perr != nil {
		return 0, 0, model.NewValidationError(fmt.Sprintf("time_of_day は HH:MM 形式で指定してください: %q", s))
	}
	return t.Hour(), t.Minute(), nil
}
