package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// serviceName は全ログに付与するサービス名。
const serviceName = "trainsync"

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。未知の値はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 全レコードにサービス名を付与する。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With(slog.String("service", serviceName))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, level)
	slog.SetDefault(logger)
	return logger
}

// Component はコンポーネント名を付与した子ロガーを返す。
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}
