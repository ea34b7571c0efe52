package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/hitoshi/labelq/internal/model"
)

// AdminSecretHeader は管理用シークレットを運ぶリクエストヘッダー。
const AdminSecretHeader = "X-Admin-Secret"

// NewAdminSecretMiddleware は管理用ルートを共有シークレットで保護するミドルウェアを返す。
// シークレットが未設定の場合は管理機能を無効とみなし503を返す。
// 比較は定数時間で行う。
func NewAdminSecretMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
					Code:     "ADMIN_DISABLED",
					Message:  "管理機能は無効です。",
					Category: "system",
					Action:   "ADMIN_SECRETを設定してください。",
				})
				return
			}

			given := r.Header.Get(AdminSecretHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				slog.Warn("admin secret mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     "ADMIN_UNAUTHORIZED",
					Message:  "管理用シークレットが一致しません。",
					Category: "auth",
					Action:   "X-Admin-Secretヘッダーを確認してください。",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
