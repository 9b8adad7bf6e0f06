package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy は一時障害に対する指数バックオフの設定です。
type RetryPolicy struct {
	MaxRetries      uint
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy は 2s, 4s, 8s の3回再試行です。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 2 * time.Second, Multiplier: 2.0}
}

// backoffPermanent は呼び出しを再試行の対象外にする印を付けるのだ。
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}

// withRetry は op を一時障害に限って再試行します。
// 割当枯渇・スキーマ不正・その他の恒久エラーは即座に返し、
// 再試行上限を超えた一時障害は ErrRetryExhausted に包んで返すのだ。
func withRetry(ctx context.Context, policy RetryPolicy, label string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if IsQuotaExhausted(err) {
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrQuotaExhausted, label, err))
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("一時障害のため再試行します", "op", label, "attempt", attempt, "error", err)
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(policy.MaxRetries)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// 上限超過で戻ってきた最後のエラーが一時障害なら、打ち切りとして分類し直す
	if IsTransient(err) {
		return fmt.Errorf("%w: %s: %s", ErrRetryExhausted, label, err)
	}
	return err
}
