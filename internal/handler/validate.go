package handler

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/lessonbook/internal/model"
)

// validate はリクエストDTOの検証に使う共有バリデータ。
var validate = newValidator()

const clockTag = "clock"

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーメッセージにはGoのフィールド名ではなくJSONのキー名を使う
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation(clockTag, clockValidation)
	return v
}

// clockValidation は "HH:MM" 形式の時刻を検証する。
func clockValidation(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil && len(s) == 5
}

// validateRequest はDTOを検証し、違反があればVALIDATION_ERRORを返す。
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return model.NewValidationError(err.Error())
	}
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return model.NewValidationError(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", field)
	case "min":
		return fmt.Sprintf("%s は %s 以上で指定してください", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s は %s 以下で指定してください", field, fe.Param())
	case "url", "http_url":
		return fmt.Sprintf("%s はURL形式で指定してください", field)
	case "datetime":
		return fmt.Sprintf("%s は YYYY-MM-DD 形式で指定してください", field)
	case clockTag:
		return fmt.Sprintf("%s は HH:MM 形式で指定してください", field)
	default:
		return fmt.Sprintf("%s が不正です", field)
	}
}
