// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は外部プラットフォームから受け取ったアクティビティ名や説明文から
// マークアップを取り除き、プレーンテキストとして保存できる形にする。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はユーザー入力由来のテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はHTMLタグを全て除去し、前後の空白を取り除いたテキストを返す。
	// maxRunesを超える場合は切り詰める。maxRunesが0以下の場合は切り詰めない。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyは全てのタグを除去する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// StrictPolicyが出力するHTMLエンティティは元の文字に戻す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.TrimSpace(text)

	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = string(runes[:maxRunes])
	}
	return text
}
