package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/fedblog/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	apiErr := &model.APIError{
		Code:     "TEST_ERROR",
		Message:  "テストエラーです。",
		Category: "validation",
		Action:   "正しい値を入力してください。",
	}

	WriteErrorResponse(w, http.StatusBadRequest, apiErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if raw["code"] != "TEST_ERROR" {
		t.Errorf("code = %v, want TEST_ERROR", raw["code"])
	}
	if raw["category"] != "validation" {
		t.Errorf("category = %v, want validation", raw["category"])
	}
	if _, ok := raw["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
}

// TestWriteErrorResponse_IncludesRejectionReason はURL拒否時に拒否理由が含まれることを検証する。
func TestWriteErrorResponse_IncludesRejectionReason(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusForbidden, model.NewURLRejectedError("PRIVATE_IP_FORBIDDEN"))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeURLRejected {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeURLRejected)
	}
	if body.Reason != "PRIVATE_IP_FORBIDDEN" {
		t.Errorf("reason = %q, want PRIVATE_IP_FORBIDDEN", body.Reason)
	}
}

// TestWriteInternalServerError は内部エラーが統一フォーマットで返ることを検証する。
func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want system", body.Category)
	}
}

// TestStatusForAPIError はエラーコードとHTTPステータスの対応を検証する。
func TestStatusForAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  *model.APIError
		want int
	}{
		{"invalid request", model.NewInvalidRequestError("x"), http.StatusBadRequest},
		{"invalid url", model.NewInvalidURLError("x"), http.StatusBadRequest},
		{"url rejected", model.NewURLRejectedError("LOCALHOST_FORBIDDEN"), http.StatusForbidden},
		{"read only", model.NewRemotePostReadOnlyError(), http.StatusForbidden},
		{"unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized},
		{"category not found", model.NewCategoryNotFoundError("x"), http.StatusNotFound},
		{"subscriber not found", model.NewSubscriberNotFoundError("x"), http.StatusNotFound},
		{"remote subscription not found", model.NewRemoteSubscriptionNotFoundError("x"), http.StatusNotFound},
		{"post not found", model.NewPostNotFoundError("x"), http.StatusNotFound},
		{"duplicate", model.NewDuplicateSubscriptionError(), http.StatusConflict},
		{"rate limited", model.NewRateLimitExceededError(), http.StatusTooManyRequests},
		{"internal", model.NewInternalError(), http.StatusInternalServerError},
		{"unknown", &model.APIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForAPIError(tt.err); got != tt.want {
				t.Errorf("StatusForAPIError(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}
