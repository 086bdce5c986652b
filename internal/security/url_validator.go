package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// RejectionReason はURL検証の拒否理由を表す機械可読なコード。
type RejectionReason string

const (
	// ReasonInvalidURLFormat は絶対URLとして解釈できない入力。
	ReasonInvalidURLFormat RejectionReason = "INVALID_URL_FORMAT"
	// ReasonInvalidProtocol はhttp/https以外のスキーム。
	ReasonInvalidProtocol RejectionReason = "INVALID_PROTOCOL"
	// ReasonLocalhostForbidden はlocalhostまたはループバックアドレス。
	ReasonLocalhostForbidden RejectionReason = "LOCALHOST_FORBIDDEN"
	// ReasonPrivateIPForbidden はプライベート/リンクローカル範囲のIPリテラル。
	ReasonPrivateIPForbidden RejectionReason = "PRIVATE_IP_FORBIDDEN"
	// ReasonSelfSubscriptionForbidden は自インスタンス自身を指すURL。
	ReasonSelfSubscriptionForbidden RejectionReason = "SELF_SUBSCRIPTION_FORBIDDEN"
)

// RejectionError はURLが拒否されたことを表すエラー。
type RejectionError struct {
	Reason RejectionReason
	URL    string
	Detail string
}

// Error はerrorインターフェースを実装する。
func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("url rejected (%s): %s", e.Reason, e.URL)
	}
	return fmt.Sprintf("url rejected (%s): %s: %s", e.Reason, e.URL, e.Detail)
}

// ReasonOf はエラーがRejectionErrorであれば拒否理由を返す。
func ReasonOf(err error) (RejectionReason, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// loopbackPrefixes はLOCALHOST_FORBIDDENとして扱うアドレス範囲。
// 0.0.0.0/8 と :: はLinux上で自ホストへの接続として扱われるため含める。
var loopbackPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::/128"),
}

// privatePrefixes はPRIVATE_IP_FORBIDDENとして扱うアドレス範囲。
var privatePrefixes = []netip.Prefix{
	// プライベートIPアドレス (RFC 1918)
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
	netip.MustParsePrefix("169.254.0.0/16"),
	// IPv6ユニークローカル、リンクローカル
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// URLValidator はリモートURLの安全性を分類する。
// 自インスタンスのサイトURLは明示的な設定値として保持し、グローバル状態を参照しない。
type URLValidator struct {
	selfSiteURL string
}

// NewURLValidator はURLValidatorを生成する。selfSiteURLが空の場合は自己購読チェックを行わない。
func NewURLValidator(selfSiteURL string) *URLValidator {
	return &URLValidator{selfSiteURL: selfSiteURL}
}

// Validate はrawURLを検証する。安全な場合はnil、拒否する場合は*RejectionErrorを返す。
func (v *URLValidator) Validate(rawURL string) error {
	return ValidateRemoteURL(rawURL, v.selfSiteURL)
}

// ValidateRemoteURL はrawURLが外部への通信先として安全かを分類する。
// 副作用はなく、DNS解決も行わない。チェックは以下の順に適用し、最初に該当した理由を返す。
//  1. 絶対URLとしてパースできること
//  2. スキームがhttpまたはhttpsであること
//  3. localhost / ループバックリテラルでないこと
//  4. プライベート / リンクローカル範囲のIPリテラルでないこと
//  5. selfSiteURLとホスト名・ポートが一致しないこと（スキームは問わない。既定ポートの明示は省略と同じ扱い）
func ValidateRemoteURL(rawURL, selfSiteURL string) error {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return reject(ReasonInvalidURLFormat, rawURL, "empty url")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return reject(ReasonInvalidURLFormat, rawURL, err.Error())
	}
	if parsed.Scheme == "" {
		return reject(ReasonInvalidURLFormat, rawURL, "missing scheme")
	}

	// url.Parseはスキームを小文字化する
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return reject(ReasonInvalidProtocol, rawURL, parsed.Scheme)
	}

	if parsed.Opaque != "" {
		return reject(ReasonInvalidURLFormat, rawURL, "not a hierarchical url")
	}

	host := normalizeHost(parsed.Hostname())
	if host == "" {
		return reject(ReasonInvalidURLFormat, rawURL, "missing host")
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject(ReasonLocalhostForbidden, rawURL, host)
	}

	if addr, ok := parseIPLiteral(host); ok {
		if containsAddr(loopbackPrefixes, addr) {
			return reject(ReasonLocalhostForbidden, rawURL, addr.String())
		}
		if containsAddr(privatePrefixes, addr) {
			return reject(ReasonPrivateIPForbidden, rawURL, addr.String())
		}
	} else if hasNumericTLD(host) {
		// 2130706433 や 127.1 のような、リゾルバによってはIPとして解釈される表記
		return reject(ReasonInvalidURLFormat, rawURL, "ambiguous numeric host")
	}

	if selfSiteURL != "" && isSameSite(host, canonicalPort(parsed.Scheme, parsed.Port()), selfSiteURL) {
		return reject(ReasonSelfSubscriptionForbidden, rawURL, host)
	}

	return nil
}

func reject(reason RejectionReason, rawURL, detail string) error {
	return &RejectionError{Reason: reason, URL: rawURL, Detail: detail}
}

// normalizeHost はホスト名を比較用に小文字化し、末尾のドットを除去する。
func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// parseIPLiteral はホスト名がIPリテラルであればゾーンを除去し、IPv4射影アドレスをIPv4に戻して返す。
func parseIPLiteral(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// hasNumericTLD は最終ラベルが数字のみかを判定する。実在するTLDは数字のみで構成されない。
func hasNumericTLD(host string) bool {
	labels := strings.Split(host, ".")
	last := labels[len(labels)-1]
	if last == "" {
		return false
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SameHost はrawURLのホスト名とポートがsiteURLと一致するかを判定する。
// 配信元が返す記事URIが配信元自身のものかを確認するために使用する。
func SameHost(rawURL, siteURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	host := normalizeHost(parsed.Hostname())
	if host == "" {
		return false
	}
	return isSameSite(host, canonicalPort(parsed.Scheme, parsed.Port()), siteURL)
}

// isSameSite はホスト名とポートがselfSiteURLと一致するかを判定する。
// portはcanonicalPortで正規化済みであること。
func isSameSite(host, port, selfSiteURL string) bool {
	self, err := url.Parse(strings.TrimSpace(selfSiteURL))
	if err != nil {
		return false
	}
	selfHost := normalizeHost(self.Hostname())
	if selfHost == "" {
		return false
	}
	return host == selfHost && port == canonicalPort(self.Scheme, self.Port())
}

// canonicalPort はスキームの既定ポート（httpは80、httpsは443）を空文字に正規化する。
// ポート省略どうしはスキームが異なっても同一とみなす。
func canonicalPort(scheme, port string) string {
	switch {
	case scheme == "http" && port == "80":
		return ""
	case scheme == "https" && port == "443":
		return ""
	}
	return port
}
