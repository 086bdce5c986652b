package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSelfSiteURL = "https://blog.example.com"

// TestNewSSRFGuard はSSRFGuardの生成をテストする。
func TestNewSSRFGuard(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)
	if guard == nil {
		t.Fatal("NewSSRFGuard() returned nil")
	}
	if len(guard.allowedPorts) != 2 {
		t.Errorf("expected default allowed ports [80 443], got %v", guard.allowedPorts)
	}
}

// TestNewSSRFGuard_CustomPorts は許可ポートの指定が保持されることをテストする。
func TestNewSSRFGuard_CustomPorts(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, []int{443, 8443})
	if len(guard.allowedPorts) != 2 || guard.allowedPorts[1] != 8443 {
		t.Errorf("expected allowed ports [443 8443], got %v", guard.allowedPorts)
	}
}

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
}

// TestNewSafeClientHasTransport はSafeClientにカスタムTransportが設定されていることをテストする。
// safeurlはnet.DialerのControlフックでIPアドレス検証を行うため、
// Transportが標準のhttp.DefaultTransportではないことを確認する。
func TestNewSafeClientHasTransport(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)
	client := guard.NewSafeClient(5 * time.Second)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewSSRFGuard(testSelfSiteURL, nil)
	client := guard.NewSafeClient(5 * time.Second)

	_, err := client.Get(ts.URL)
	if err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestValidateURL_PublicURL は公開URLの検証が成功することをテストする。
func TestValidateURL_PublicURL(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)

	publicURLs := []string{
		"https://other.example.com",
		"https://other.example.com/api/federation/inbox",
		"http://blog.example.org/feed",
	}

	for _, u := range publicURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err != nil {
				t.Errorf("ValidateURL(%q) returned error: %v", u, err)
			}
		})
	}
}

// TestValidateURL_SelfSite は自インスタンスのURLが拒否されることをテストする。
func TestValidateURL_SelfSite(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)

	err := guard.ValidateURL("https://blog.example.com/api/federation/inbox")
	reason, ok := ReasonOf(err)
	if !ok {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if reason != ReasonSelfSubscriptionForbidden {
		t.Errorf("expected reason %s, got %s", ReasonSelfSubscriptionForbidden, reason)
	}
}

// TestValidateURL_MetadataIP はクラウドメタデータIPアドレスの拒否をテストする。
func TestValidateURL_MetadataIP(t *testing.T) {
	guard := NewSSRFGuard(testSelfSiteURL, nil)

	metadataURLs := []string{
		"http://169.254.169.254/latest/meta-data/",                        // AWS
		"http://169.254.169.254/metadata/instance?api-version=2021-02-01", // Azure
		"http://169.254.169.254/computeMetadata/v1/",                      // GCP
	}

	for _, u := range metadataURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error for metadata IP", u)
			}
		})
	}
}
