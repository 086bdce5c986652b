// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIや購読元インスタンスが表示・判定できるよう、原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, security, federation, auth, system
	Action   string // 利用者向け対処方法
	Reason   string // URL検証の拒否理由コード（URL_REJECTEDの場合のみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest             = "INVALID_REQUEST"
	ErrCodeInvalidURL                 = "INVALID_URL"
	ErrCodeURLRejected                = "URL_REJECTED"
	ErrCodeCategoryNotFound           = "CATEGORY_NOT_FOUND"
	ErrCodeSubscriberNotFound         = "SUBSCRIBER_NOT_FOUND"
	ErrCodeDuplicateSubscription      = "DUPLICATE_SUBSCRIPTION"
	ErrCodeRemoteSubscriptionNotFound = "REMOTE_SUBSCRIPTION_NOT_FOUND"
	ErrCodePostNotFound               = "POST_NOT_FOUND"
	ErrCodeRemotePostReadOnly         = "REMOTE_POST_READ_ONLY"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                   = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "必須項目と形式を確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まる絶対URL）を入力してください。",
	}
}

// NewURLRejectedError はセキュリティポリシーによりURLが拒否された場合のエラーを生成する。
// reasonには機械可読な拒否理由コードを設定する。
func NewURLRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeURLRejected,
		Message:  "セキュリティポリシーにより、指定されたURLは登録できません。",
		Category: "security",
		Action:   "公開されている別インスタンスのURLを指定してください。ローカルネットワーク、プライベートIP、自インスタンスは指定できません。",
		Reason:   reason,
	}
}

// NewCategoryNotFoundError はカテゴリが見つからない場合のエラーを生成する。
func NewCategoryNotFoundError(ref string) *APIError {
	return &APIError{
		Code:     ErrCodeCategoryNotFound,
		Message:  fmt.Sprintf("指定されたカテゴリが見つかりません: %s", ref),
		Category: "validation",
		Action:   "カテゴリIDまたはスラッグを確認してください。",
	}
}

// NewSubscriberNotFoundError は購読者が見つからない場合のエラーを生成する。
func NewSubscriberNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriberNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", id),
		Category: "federation",
		Action:   "購読IDを確認してください。",
	}
}

// NewDuplicateSubscriptionError は同一カテゴリ・同一コールバックURLの有効な購読が既に存在する場合のエラーを生成する。
func NewDuplicateSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSubscription,
		Message:  "このカテゴリは既に同じコールバックURLで購読されています。",
		Category: "federation",
		Action:   "既存の購読を利用するか、購読を解除してから再登録してください。",
	}
}

// NewRemoteSubscriptionNotFoundError はリモート購読が見つからない場合のエラーを生成する。
func NewRemoteSubscriptionNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteSubscriptionNotFound,
		Message:  fmt.Sprintf("指定されたリモート購読が見つかりません: %s", id),
		Category: "federation",
		Action:   "リモート購読IDを確認してください。",
	}
}

// NewPostNotFoundError は記事が見つからない場合のエラーを生成する。
func NewPostNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", id),
		Category: "validation",
		Action:   "記事IDを確認してください。",
	}
}

// NewRemotePostReadOnlyError はリモート記事を編集しようとした場合のエラーを生成する。
func NewRemotePostReadOnlyError() *APIError {
	return &APIError{
		Code:     ErrCodeRemotePostReadOnly,
		Message:  "フェデレーションで取り込まれた記事は編集できません。",
		Category: "federation",
		Action:   "記事の配信元インスタンスで編集してください。",
	}
}

// NewUnauthorizedError は管理APIのトークンが不正な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "Authorization ヘッダーに正しい管理トークンを指定してください。",
	}
}

// NewRateLimitExceededError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数が経過してから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
