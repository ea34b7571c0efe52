package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/labelq/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrを統一フォーマットで書き込む。
// クレームの状態は刻々と変わるため、エラー応答もキャッシュさせない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInvalidRequest は400 INVALID_REQUESTを書き込む。
func WriteInvalidRequest(w http.ResponseWriter, reason string) {
	WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
}

// WriteInternalServerError は500を書き込む。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "クレーム中のアイテムはそのまま保持されています。しばらく待ってから再度お試しください。",
	})
}
