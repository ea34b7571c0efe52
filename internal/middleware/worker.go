// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

// WorkerIDHeader はワーカーIDを運ぶリクエストヘッダー。
const WorkerIDHeader = "X-Worker-ID"

// maxWorkerIDLength はワーカーIDの最大長。
const maxWorkerIDLength = 128

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// workerIDContextKey はリクエストコンテキストにワーカーIDを格納するためのキー。
	workerIDContextKey = contextKey("worker_id")
	// requestIDContextKey はリクエストコンテキストにリクエストIDを格納するためのキー。
	requestIDContextKey = contextKey("request_id")
)

// NewWorkerIdentityMiddleware はX-Worker-IDヘッダーからワーカーIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// ワーカーIDはクライアントが生成する不透明なトークンであり、等価比較以外の検証はしない。
// ヘッダーがない場合や形式が不正な場合は400を返す。
func NewWorkerIdentityMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workerID := strings.TrimSpace(r.Header.Get(WorkerIDHeader))
			if !validWorkerID(workerID) {
				WriteInvalidRequest(w, "X-Worker-IDヘッダーが指定されていないか、形式が不正です")
				return
			}

			ctx := context.WithValue(r.Context(), workerIDContextKey, workerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validWorkerID(id string) bool {
	if id == "" || len(id) > maxWorkerIDLength {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// WorkerIDFromContext はリクエストコンテキストからワーカーIDを取得する。
// ワーカー識別ミドルウェアを通過したリクエストでのみ有効。
func WorkerIDFromContext(ctx context.Context) (string, error) {
	workerID, ok := ctx.Value(workerIDContextKey).(string)
	if !ok || workerID == "" {
		return "", fmt.Errorf("worker ID not found in context")
	}
	return workerID, nil
}

// ContextWithWorkerID はコンテキストにワーカーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDContextKey, workerID)
}
