package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// 日志 "type" 字段到表情符号的映射，控制台输出时加在消息前
var (
	emojiMu  sync.RWMutex
	emojiMap = map[string]string{
		"auth":         "🔓",
		"session":      "🎫",
		"circuit":      "🔌",
		"retry":        "🔁",
		"health":       "🩺",
		"request":      "🌐",
		"success":      "✅",
		"error":        "❌",
		"warning":      "⚠️",
		"database":     "💾",
		"redis":        "📦",
		"scheduler":    "🎯",
		"startup":      "🚀",
		"audit":        "📋",
		"security":     "🔒",
		"slow_request": "🐌",
		"cache_stats":  "🧹",
	}
)

// 熔断状态单独标记，open 最醒目
var circuitStateEmoji = map[string]string{
	"open":      "⛔",
	"half_open": "🔶",
}

var levelEmoji = map[zapcore.Level]string{
	zapcore.DebugLevel:  "🐛",
	zapcore.InfoLevel:   "ℹ️",
	zapcore.WarnLevel:   "⚠️",
	zapcore.ErrorLevel:  "❌",
	zapcore.DPanicLevel: "❌",
	zapcore.PanicLevel:  "❌",
	zapcore.FatalLevel:  "❌",
}

func statusEmoji(status int) string {
	switch {
	case status >= 500:
		return "🔴"
	case status >= 400:
		return "🟠"
	case status >= 300:
		return "🟡"
	default:
		return "🟢"
	}
}

// EmojiConsoleEncoder 在 zap ConsoleEncoder 之上按 status/type/state 字段添加表情符号
type EmojiConsoleEncoder struct {
	zapcore.Encoder
	config zapcore.EncoderConfig
}

// NewEmojiConsoleEncoder 创建带表情符号的控制台编码器
func NewEmojiConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &EmojiConsoleEncoder{
		Encoder: zapcore.NewConsoleEncoder(cfg),
		config:  cfg,
	}
}

// EncodeEntry 优先级: HTTP status > 熔断状态 > type > 日志级别
func (enc *EmojiConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if emoji := pickEmoji(entry.Level, fields); emoji != "" {
		entry.Message = emoji + " " + entry.Message
	}
	return enc.Encoder.EncodeEntry(entry, fields)
}

func pickEmoji(level zapcore.Level, fields []zapcore.Field) string {
	var logType, state string
	var status int64
	for _, f := range fields {
		switch {
		case f.Key == "type" && f.Type == zapcore.StringType:
			logType = f.String
		case f.Key == "state" && f.Type == zapcore.StringType:
			state = f.String
		case f.Key == "status" && (f.Type == zapcore.Int64Type || f.Type == zapcore.Int32Type):
			status = f.Integer
		}
	}

	if status > 0 {
		return statusEmoji(int(status))
	}
	if logType == "circuit" {
		if e, ok := circuitStateEmoji[state]; ok {
			return e
		}
	}
	if logType != "" {
		emojiMu.RLock()
		e, ok := emojiMap[logType]
		emojiMu.RUnlock()
		if ok {
			return e
		}
	}
	return levelEmoji[level]
}

// Clone zap 在 With 时调用
func (enc *EmojiConsoleEncoder) Clone() zapcore.Encoder {
	return &EmojiConsoleEncoder{
		Encoder: enc.Encoder.Clone(),
		config:  enc.config,
	}
}

// AddEmojiToMap 注册自定义日志类型的表情符号
func AddEmojiToMap(logType, emoji string) {
	emojiMu.Lock()
	emojiMap[logType] = emoji
	emojiMu.Unlock()
}

// GetEmojiMap 返回映射的副本
func GetEmojiMap() map[string]string {
	emojiMu.RLock()
	defer emojiMu.RUnlock()
	result := make(map[string]string, len(emojiMap))
	for k, v := range emojiMap {
		result[k] = v
	}
	return result
}

// formatDuration 1ms, 150ms, 2.5s
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000.0)
}
