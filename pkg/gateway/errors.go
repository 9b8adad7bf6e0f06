package gateway

import (
	"errors"
	"strings"

	"google.golang.org/genai"
)

// ErrQuotaExhausted はAPI割当の枯渇を表します。リトライしても回復しないため、
// これを受け取ったステージはプロセス全体を直ちに停止させなければなりません。
var ErrQuotaExhausted = errors.New("api quota exhausted")

// ErrRetryExhausted は一時障害のリトライ上限超過を表すのだ。
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// IsQuotaExhausted は全体停止を要求するエラーかどうかを判定します。
func IsQuotaExhausted(err error) bool {
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429")
}

// IsTransient はバックオフ付き再試行に値する一時障害かどうかを判定します。
// サーバ内部エラー(500)と過負荷(503)のみを一時障害として扱い、
// 割当枯渇やスキーマ不正は対象外です。
func IsTransient(err error) bool {
	if err == nil || IsQuotaExhausted(err) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 500 || apiErr.Code == 503
	}
	msg := err.Error()
	for _, marker := range []string{
		"Internal Server Error",
		"Service Unavailable",
		"overloaded",
		"UNAVAILABLE",
		"INTERNAL",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
