// Package content はフェデレーションで取り込む記事コンテンツの変換処理を提供する。
//
// 記事本文は配信元インスタンスのドメイン規約（ルート相対パスや
// 配信元サーバー内部のlocalhost参照）で保存されているため、
// 取り込み時に配信元のサイトURLに対する絶対URLへ書き換える。
package content

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/hitoshi/fedblog/internal/security"
)

// assetPathPrefixes は配信元インスタンスが自身のアセットを公開するパス。
var assetPathPrefixes = []string{"/uploads/", "/img/"}

// markdownImagePattern はMarkdownの画像記法 ![alt](url "title") にマッチする。
var markdownImagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(\s*([^)\s]+)((?:\s+(?:"[^"]*"|'[^']*'))?)\s*\)`)

// srcAttrPattern はHTMLのsrc属性とsrcset属性にマッチする。値は二重引用符、一重引用符、引用符なしのいずれか。
var srcAttrPattern = regexp.MustCompile("(?i)\\b(src|srcset)(\\s*=\\s*)(?:\"([^\"]*)\"|'([^']*)'|([^\\s\"'=<>`]+))")

// Rewrite はcontent内の画像参照を配信元のサイトURLに対する絶対URLへ書き換える。
// Markdownの画像記法とHTMLのsrc・srcset属性を対象とし、第三者ドメインの絶対URLは変更しない。
func Rewrite(content, remoteSiteURL string) string {
	if content == "" {
		return content
	}
	if _, ok := originOf(remoteSiteURL); !ok {
		return content
	}

	rewritten := markdownImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := markdownImagePattern.FindStringSubmatch(match)
		newURL := RewriteURL(sub[2], remoteSiteURL)
		if newURL == sub[2] {
			return match
		}
		return "![" + sub[1] + "](" + newURL + sub[3] + ")"
	})

	return srcAttrPattern.ReplaceAllStringFunc(rewritten, func(match string) string {
		sub := srcAttrPattern.FindStringSubmatch(match)
		name, eq := sub[1], sub[2]
		var quote, value string
		switch match[len(name)+len(eq)] {
		case '"':
			quote, value = `"`, sub[3]
		case '\'':
			quote, value = "'", sub[4]
		default:
			value = sub[5]
		}

		var newValue string
		if strings.EqualFold(name, "srcset") {
			newValue = rewriteSrcset(value, remoteSiteURL)
		} else {
			newValue = RewriteURL(value, remoteSiteURL)
		}
		if newValue == value {
			return match
		}
		return name + eq + quote + newValue + quote
	})
}

// rewriteSrcset はsrcset属性のカンマ区切りの候補ごとにURLを書き換え、幅・密度の記述子は保持する。
func rewriteSrcset(value, remoteSiteURL string) string {
	candidates := strings.Split(value, ",")
	for i, candidate := range candidates {
		trimmed := strings.TrimLeft(candidate, " \t\r\n")
		lead := candidate[:len(candidate)-len(trimmed)]
		ref, descriptor, hasDescriptor := strings.Cut(trimmed, " ")
		rewritten := RewriteURL(ref, remoteSiteURL)
		if hasDescriptor {
			rewritten += " " + descriptor
		}
		candidates[i] = lead + rewritten
	}
	return strings.Join(candidates, ",")
}

// RewriteURL は単一のURLを書き換える。
//   - /uploads/ または /img/ で始まるルート相対パスは配信元オリジンの絶対URLにする
//   - 同じパスを持つ絶対URLのうち、ホストが内部アドレス（localhost、ループバック、
//     プライベートIPなど）のものは配信元オリジンに付け替える
//   - それ以外（公開ホストの絶対URL、プロトコル相対URL、data URLなど）は変更しない
func RewriteURL(rawURL, remoteSiteURL string) string {
	origin, ok := originOf(remoteSiteURL)
	if !ok {
		return rawURL
	}

	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" || strings.HasPrefix(trimmed, "//") {
		return rawURL
	}

	if strings.HasPrefix(trimmed, "/") {
		if isAssetPath(pathOf(trimmed)) {
			return origin.Scheme + "://" + origin.Host + trimmed
		}
		return rawURL
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return rawURL
	}
	if !isAssetPath(u.Path) {
		return rawURL
	}
	if security.ValidateRemoteURL(trimmed, "") == nil {
		// 公開ホストの絶対URLは正しく解決できるため変更しない
		return rawURL
	}

	u.Scheme = origin.Scheme
	u.Host = origin.Host
	u.User = nil
	return u.String()
}

// originOf はサイトURLからスキームとホスト（ポート含む）を取り出す。
func originOf(siteURL string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil || u.Host == "" {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, true
}

// pathOf はルート相対参照からクエリとフラグメントを除いたパスを返す。
func pathOf(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func isAssetPath(path string) bool {
	for _, prefix := range assetPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
