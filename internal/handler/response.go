// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/fedblog/internal/middleware"
	"github.com/hitoshi/fedblog/internal/model"
)

// requestValidator はリクエストボディの構造体タグを検証する。
var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeAndValidate はリクエストボディをデコードし、validateタグで検証する。
// 失敗した場合はINVALID_REQUESTのAPIErrorを返す。
func decodeAndValidate(r *http.Request, dst any) *model.APIError {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.NewInvalidRequestError("リクエストボディが大きすぎます")
		}
		return model.NewInvalidRequestError("JSONの解析に失敗しました")
	}
	if err := requestValidator.Struct(dst); err != nil {
		return model.NewInvalidRequestError(describeValidationError(err))
	}
	return nil
}

// describeValidationError は検証エラーを利用者向けの短い文字列に変換する。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s(%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
