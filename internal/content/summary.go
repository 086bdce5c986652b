package content

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// SummaryMaxRunes は抜粋の最大文字数（ルーン数）。
const SummaryMaxRunes = 200

const ellipsis = "…"

// Markdown記法の除去パターン。行頭の記法は行単位で判定するため(?m)を指定する。
var (
	mdFencePattern      = regexp.MustCompile("(?m)^\\s*(```|~~~).*$")
	mdImagePattern      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLinkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdHeadingPattern    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdBlockquotePattern = regexp.MustCompile(`(?m)^\s*>+\s?`)
	mdRulePattern       = regexp.MustCompile(`(?m)^\s*(?:[-*_]\s*){3,}$`)
	mdListPattern       = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	mdBoldPattern       = regexp.MustCompile(`(\*\*|__)([^*_]+)(\*\*|__)`)
	mdItalicPattern     = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdStrikePattern     = regexp.MustCompile(`~~([^~]+)~~`)
	mdCodePattern       = regexp.MustCompile("`([^`]*)`")
)

// Summarize は記事本文（MarkdownまたはHTML）から表示用の抜粋を生成する。
// HTMLタグとMarkdown記法を除去し、空白を1つにまとめ、SummaryMaxRunes文字で切り詰める。
func Summarize(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	text := stripHTML(content)
	text = stripMarkdown(text)
	text = strings.Join(strings.Fields(text), " ")

	return truncateRunes(text, SummaryMaxRunes)
}

// stripHTML はHTMLトークナイザでテキストノードのみを取り出す。
// script/style要素の中身は捨て、改行は後段のMarkdown処理のため保持する。
func stripHTML(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	skipDepth := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOFを含め、トークナイズできなくなった時点までのテキストを返す
			return b.String()
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipDepth++
			case "br", "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "tr":
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "tr":
				b.WriteString("\n")
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				b.WriteString("\n")
			}
		}
	}
}

func stripMarkdown(text string) string {
	text = mdFencePattern.ReplaceAllString(text, "")
	text = mdImagePattern.ReplaceAllString(text, "")
	text = mdLinkPattern.ReplaceAllString(text, "$1")
	text = mdHeadingPattern.ReplaceAllString(text, "")
	text = mdBlockquotePattern.ReplaceAllString(text, "")
	text = mdRulePattern.ReplaceAllString(text, "")
	text = mdListPattern.ReplaceAllString(text, "")
	text = mdBoldPattern.ReplaceAllString(text, "$2")
	text = mdItalicPattern.ReplaceAllString(text, "$1")
	text = mdStrikePattern.ReplaceAllString(text, "$1")
	text = mdCodePattern.ReplaceAllString(text, "$1")
	return text
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), " ") + ellipsis
}
