package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// 慢请求阈值（毫秒）
const slowRequestThresholdMs = 1000

// LogHelper 扩展 Kratos log.Helper，提供便捷的日志方法
// 每个方法都会附带 "type" 字段，控制台编码器据此选择表情符号
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func (h *LogHelper) emit(level log.Level, logType, msg string, kvs []interface{}) {
	allKvs := make([]interface{}, 0, len(kvs)+4)
	allKvs = append(allKvs, "msg", msg)
	allKvs = append(allKvs, kvs...)
	allKvs = append(allKvs, "type", logType)
	switch level {
	case log.LevelDebug:
		h.Debugw(allKvs...)
	case log.LevelWarn:
		h.Warnw(allKvs...)
	case log.LevelError:
		h.Errorw(allKvs...)
	default:
		h.Infow(allKvs...)
	}
}

// Auth 记录认证相关日志（表情符号: 🔓）
func (h *LogHelper) Auth(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "auth", msg, kvs)
}

// Session 记录会话生命周期日志（表情符号: 🎫）
func (h *LogHelper) Session(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "session", msg, kvs)
}

// Circuit 记录熔断器状态变化（表情符号: 🔌）
func (h *LogHelper) Circuit(category, state string, kvs ...interface{}) {
	msg := fmt.Sprintf("Circuit %s is now %s", category, state)
	kvs = append(kvs, "category", category, "state", state)
	level := log.LevelInfo
	if state == "open" {
		level = log.LevelWarn
	}
	h.emit(level, "circuit", msg, kvs)
}

// Retry 记录重试日志（表情符号: 🔁）
func (h *LogHelper) Retry(operation string, attempt int, kvs ...interface{}) {
	msg := fmt.Sprintf("Retrying %s (attempt %d)", operation, attempt)
	kvs = append(kvs, "operation", operation, "attempt", attempt)
	h.emit(log.LevelWarn, "retry", msg, kvs)
}

// Success 记录成功操作日志（表情符号: ✅）
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "success", msg, kvs)
}

// Database 记录数据库操作日志（表情符号: 💾）
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.emit(log.LevelDebug, "database", msg, kvs)
}

// Redis 记录 Redis 操作日志（表情符号: 📦）
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.emit(log.LevelDebug, "redis", msg, kvs)
}

// Scheduler 记录调度器相关日志（表情符号: 🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "scheduler", msg, kvs)
}

// Startup 记录启动相关日志（表情符号: 🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "startup", msg, kvs)
}

// Audit 记录审计日志（表情符号: 📋）
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.emit(log.LevelInfo, "audit", msg, kvs)
}

// Security 记录安全相关日志（表情符号: 🔒）
func (h *LogHelper) Security(msg string, kvs ...interface{}) {
	h.emit(log.LevelWarn, "security", msg, kvs)
}

// Health 记录健康评分，分数越低级别越高（表情符号: 🩺）
func (h *LogHelper) Health(score int, issues []string, kvs ...interface{}) {
	msg := fmt.Sprintf("Health score %d/100", score)
	kvs = append(kvs, "score", score, "issues", issues)
	level := log.LevelInfo
	switch {
	case score < 50:
		level = log.LevelError
	case score < 80:
		level = log.LevelWarn
	}
	h.emit(level, "health", msg, kvs)
}

// ========== Context-Aware 日志方法 ==========
// 以下方法自动从 Context 提取 Request ID 和会话用户

// Request 记录 HTTP 请求日志，超过阈值时追加慢请求警告
func (h *LogHelper) Request(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("%s %s - %d (%s) | RequestID: %s",
		method, url, status, formatDuration(durationMs), reqCtx.RequestID)
	kvs = append(kvs,
		"request_id", reqCtx.RequestID,
		"user_id", reqCtx.UserID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.emit(log.LevelInfo, "request", msg, kvs)

	if durationMs > slowRequestThresholdMs {
		h.SlowRequest(ctx, method, url, durationMs, slowRequestThresholdMs)
	}
}

// SlowRequest 记录慢请求警告（表情符号: 🐌）
func (h *LogHelper) SlowRequest(ctx context.Context, method, url string, duration, threshold int64, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)

	msg := fmt.Sprintf("[%s] Slow request detected | %s %s | %dms (threshold: %dms)",
		reqCtx.RequestID, method, url, duration, threshold)
	kvs = append(kvs,
		"request_id", reqCtx.RequestID,
		"method", method,
		"url", url,
		"duration_ms", duration,
		"threshold_ms", threshold,
	)
	h.emit(log.LevelWarn, "slow_request", msg, kvs)
}

// CacheStats 记录缓存统计信息（表情符号: 🧹）
func (h *LogHelper) CacheStats(cacheName string, size, maxSize int, hits, misses, evictions int64, kvs ...interface{}) {
	var hitRate float64
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	msg := fmt.Sprintf("Cache stats - %s | Size: %d/%d, Hit Rate: %.2f%%, Evictions: %d",
		cacheName, size, maxSize, hitRate, evictions)
	kvs = append(kvs,
		"cache_name", cacheName,
		"size", size,
		"max_size", maxSize,
		"hits", hits,
		"misses", misses,
		"evictions", evictions,
		"hit_rate", fmt.Sprintf("%.2f%%", hitRate),
	)
	h.emit(log.LevelInfo, "cache_stats", msg, kvs)
}
