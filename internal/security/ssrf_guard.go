// Package security はフェデレーション通信のセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 購読作成時と、配信・同期のすべての外部通信の直前で使用される。
type SSRFGuardService interface {
	// ValidateURL はURLを静的に検証する。自インスタンスのURLも拒否する。
	ValidateURL(rawURL string) error

	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlにより、DNS解決後の接続先IPがプライベート・ループバック・
	// リンクローカル範囲であれば接続時にブロックされる。
	NewSafeClient(timeout time.Duration) *http.Client
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	validator    *URLValidator
	allowedPorts []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
// selfSiteURLは自己購読の判定に使用する。allowedPortsが空の場合は80と443のみ許可する。
func NewSSRFGuard(selfSiteURL string, allowedPorts []int) *ssrfGuard {
	if len(allowedPorts) == 0 {
		allowedPorts = []int{80, 443}
	}
	return &ssrfGuard{
		validator:    NewURLValidator(selfSiteURL),
		allowedPorts: allowedPorts,
	}
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のため、DNS再バインディングはNewSafeClient側の
// Dialer検証で補完する（ホスト名の解決結果を検証時点で固定するものではない）。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	return g.validator.Validate(rawURL)
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlのデフォルト設定により以下がブロックされる:
//   - プライベートIPアドレス (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - ループバックアドレス (127.0.0.0/8, ::1)
//   - リンクローカルアドレス (169.254.0.0/16, fe80::/10)
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}
