// pkg/log/hotreload.go
package log

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/imReese/NexusTree/pkg/config"
)

const logFileName = "nexustree.log"

// Logger 附带可在运行时调整的级别和滚动文件.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	file  *lumberjack.Logger
}

// Close 刷新缓冲并关闭日志文件.
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	return l.file.Close()
}

type LogReloadHandler struct {
	logger *Logger

	mu      sync.Mutex
	current config.LogConfig
}

func NewLogReloadHandler(logger *Logger, cfg config.LogConfig) *LogReloadHandler {
	return &LogReloadHandler{logger: logger, current: cfg}
}

// OnConfigReload 只有级别可以热更新, 目录和滚动参数的变化在重启后生效.
func (h *LogReloadHandler) OnConfigReload(newCfg *config.ServerConfig) error {
	if err := validateLogConfig(newCfg.Log); err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	level, _ := zapcore.ParseLevel(newCfg.Log.Level)

	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.current
	if level != h.logger.Level.Level() {
		h.logger.Info("Log level changed",
			zap.Stringer("from", h.logger.Level.Level()),
			zap.Stringer("to", level))
		h.logger.Level.SetLevel(level)
	}
	newLog := newCfg.Log
	newLog.Level = old.Level
	if newLog != old {
		h.logger.Warn("Log file settings changed, restart to apply",
			zap.Any("current", old),
			zap.Any("configured", newCfg.Log))
	}
	h.current = newCfg.Log
	return nil
}

func SetupLoggerFromConfig(cfg config.LogConfig) (*Logger, error) {
	if err := validateLogConfig(cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", cfg.RunDir)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create log backup dir %s", cfg.BackupDir)
	}
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.RunDir, logFileName),
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackup,
		MaxAge:     cfg.MaxAge, // days
		Compress:   true,
		LocalTime:  true,
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	level, _ := zapcore.ParseLevel(cfg.Level)
	atom := zap.NewAtomicLevelAt(level)

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(logFile),
		atom,
	)
	if cfg.Console {
		console := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			atom,
		)
		core = zapcore.NewTee(core, console)
	}

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	return &Logger{
		Logger: zap.New(core, options...),
		Level:  atom,
		file:   logFile,
	}, nil
}

func validateLogConfig(cfg config.LogConfig) error {
	if cfg.RunDir == "" || cfg.BackupDir == "" {
		return errors.New("log directories must be specified")
	}

	if cfg.MaxSize <= 0 || cfg.MaxSize > 1024 {
		return errors.New("max_size must be between 1-1024 MB")
	}

	if cfg.MaxBackup < 0 || cfg.MaxBackup > 100 {
		return errors.New("max_backups must be between 0-100")
	}

	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}

	return nil
}
