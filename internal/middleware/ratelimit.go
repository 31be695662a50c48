package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/trainsync/internal/model"
)

// RateLimiterConfig はAPI全般のユーザー単位レート制限の設定。
// 一括同期の予算はactivitysync側で別に管理する。
type RateLimiterConfig struct {
	Rate            rate.Limit    // req/sec
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig は1分あたりのリクエスト数から設定を生成する。
func NewRateLimiterConfig(perMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はユーザーごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*userLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成し、期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*userLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop はクリーンアップのゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はユーザー単位のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			if !rl.limiterFor(userID).Allow() {
				rl.logger.Warn("レート制限を超過しました",
					slog.String("user_id", userID),
					slog.String("path", r.URL.Path),
				)
				WriteRateLimited(w, RetryAfterSeconds(rl.config.Rate))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は管理中のリミッター数を返す。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiterFor(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.config.Rate, rl.config.Burst)}
		rl.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	return ul.limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスがCleanupIntervalの2倍より古いエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for userID, ul := range rl.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.limiters, userID)
		}
	}
}

// RetryAfterSeconds は1トークンが補充されるまでの秒数（最小1）を返す。
func RetryAfterSeconds(r rate.Limit) int {
	if r <= 0 {
		return 1
	}
	// 浮動小数点の誤差で1秒多く切り上げないようにする
	sec := int(math.Ceil(1.0/float64(r) - 1e-9))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// WriteRateLimited は429レスポンスをRetry-After付きで書き込む。
func WriteRateLimited(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "時間をおいて再度お試しください。",
	})
}
