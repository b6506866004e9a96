// Package security はアプリケーションのセキュリティ機能を提供する。
//
// Sanitizer は講師メモやキャンセル理由など利用者が入力したテキストを
// bluemondayの許可リストベースのポリシーでサニタイズする。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は利用者入力のサニタイズ機能のインターフェースを定義する。
type Sanitizer interface {
	// SanitizeNotes は講師メモをサニタイズする。
	// 書式用のタグ（p, br, ul, li, strong, em, a など）は残し、
	// script, iframe, style および on* イベント属性を除去する。
	SanitizeNotes(raw string) string
	// SanitizeText はタグをすべて除去したプレーンテキストを返す。
	SanitizeText(raw string) string
}

// contentSanitizer はSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに使用できる。
type contentSanitizer struct {
	notes  *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はSanitizerの新しいインスタンスを生成する。
// 講師メモには UGC ポリシーをベースに以下を追加する:
//   - 相対URLは不許可
//   - aタグに target="_blank" と rel="noopener noreferrer" を付与
func NewContentSanitizer() *contentSanitizer {
	notes := bluemonday.UGCPolicy()
	notes.AllowRelativeURLs(false)
	notes.AddTargetBlankToFullyQualifiedLinks(true)
	notes.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		notes:  notes,
		strict: bluemonday.StrictPolicy(),
	}
}

// SanitizeNotes は講師メモをサニタイズする。前後の空白は除去する。
func (s *contentSanitizer) SanitizeNotes(raw string) string {
	return strings.TrimSpace(s.notes.Sanitize(raw))
}

// SanitizeText はタグを除去したテキストを返す。前後の空白は除去する。
func (s *contentSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.strict.Sanitize(raw))
}
