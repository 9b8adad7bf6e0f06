package gateway

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ServiceClass はレート制限の対象となる呼び出しの種別です。
// 制限は個々の呼び出し元ではなくサービス種別ごとに共有されます。
type ServiceClass string

const (
	ClassGenerate ServiceClass = "generate" // 画像・構造化生成
	ClassRefine   ServiceClass = "refine"   // パネルのリファイン
	ClassQA       ServiceClass = "qa"       // 品質評価
)

// LimiterSet はサービス種別ごとのトークンバケット群です。
// 各バケットは rpm 個のトークンを上限とし、毎秒 rpm/60 個ずつ補充されます。
// トークンが無いときの Wait は失敗ではなく待機であり、
// いくら長く待ってもエラーにはなりません（文脈の取消を除く）。
type LimiterSet struct {
	mu       sync.Mutex
	limiters map[ServiceClass]*rate.Limiter
}

// NewLimiterSet は与えられた rpm 設定でバケット群を初期化します。
func NewLimiterSet(rpm map[ServiceClass]int) *LimiterSet {
	s := &LimiterSet{limiters: make(map[ServiceClass]*rate.Limiter)}
	for class, n := range rpm {
		if n <= 0 {
			continue
		}
		s.limiters[class] = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
	return s
}

// Wait は指定種別のトークンが確保できるまでブロックします。
// 未設定の種別は制限なしとして即座に通します。
func (s *LimiterSet) Wait(ctx context.Context, class ServiceClass) error {
	s.mu.Lock()
	l, ok := s.limiters[class]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("レート制限の待機が中断されました (%s): %w", class, err)
	}
	return nil
}
