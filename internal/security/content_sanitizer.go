package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はリモートから取り込むテキスト項目のサニタイズ機能のインターフェースを定義する。
// 記事タイトル、抜粋、配信元ブログ情報の保存前に使用される。
// 記事本文はMarkdownとして保存するためこのサニタイズの対象外とする。
type TextSanitizerService interface {
	// PlainText はHTMLタグをすべて除去したプレーンテキストを返す。
	// HTMLエンティティはデコードされ、前後の空白は除去される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	PlainText(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// PlainText はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyは&や<をエスケープして出力するため、保存用にデコードし直す。
func (s *textSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
