package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
	output     io.Writer = os.Stdout
	format               = "text"
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(output, format)
}

func newLogger(w io.Writer, f string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	if f == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput 切换日志输出目标（通常为 stdout + 文件的 MultiWriter）。
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	output = w
	baseLogger = newLogger(output, format)
	loggerMu.Unlock()
}

// SetFormat 支持 text / json 两种格式，未知值回退到 text。
func SetFormat(f string) {
	f = strings.ToLower(strings.TrimSpace(f))
	if f != "json" {
		f = "text"
	}
	loggerMu.Lock()
	format = f
	baseLogger = newLogger(output, format)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Enabled 用于在拼接较重的调试信息前判断级别。
func Enabled(level slog.Level) bool {
	return levelVar.Level() <= level
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout, format)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	lines := strings.Split(block, "\n")
	for _, line := range lines {
		Infof("%s", line)
	}
}

// Component 为某个模块的日志统一加上 [name] 前缀。
type Component struct {
	prefix string
}

func Named(name string) Component {
	name = strings.TrimSpace(name)
	if name == "" {
		return Component{}
	}
	return Component{prefix: "[" + name + "] "}
}

func (c Component) Debugf(format string, v ...any) { Debugf(c.prefix+format, v...) }
func (c Component) Infof(format string, v ...any)  { Infof(c.prefix+format, v...) }
func (c Component) Warnf(format string, v ...any)  { Warnf(c.prefix+format, v...) }
func (c Component) Errorf(format string, v ...any) { Errorf(c.prefix+format, v...) }
