package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/imReese/NexusTree/pkg/config"
)

func testLogConfig(t *testing.T) config.LogConfig {
	dir := t.TempDir()
	return config.LogConfig{
		RunDir:    filepath.Join(dir, "run"),
		BackupDir: filepath.Join(dir, "bak"),
		Level:     "info",
		MaxSize:   1,
		MaxBackup: 1,
		MaxAge:    1,
	}
}

func TestSetupLoggerFromConfig(t *testing.T) {
	cfg := testLogConfig(t)
	logger, err := SetupLoggerFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("visible")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.RunDir, logFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "visible") {
		t.Fatalf("日志文件缺少 info 记录: %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("info 级别不应输出 debug 记录: %s", data)
	}
	if _, err := os.Stat(cfg.BackupDir); err != nil {
		t.Fatalf("备份目录未创建: %v", err)
	}
}

func TestValidateLogConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.LogConfig)
	}{
		{"no run dir", func(c *config.LogConfig) { c.RunDir = "" }},
		{"zero size", func(c *config.LogConfig) { c.MaxSize = 0 }},
		{"too many backups", func(c *config.LogConfig) { c.MaxBackup = 101 }},
		{"bad level", func(c *config.LogConfig) { c.Level = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testLogConfig(t)
			tc.modify(&cfg)
			if err := validateLogConfig(cfg); err == nil {
				t.Fatal("期望校验失败")
			}
		})
	}
}

func TestLogReloadHandler(t *testing.T) {
	cfg := testLogConfig(t)
	logger, err := SetupLoggerFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	h := NewLogReloadHandler(logger, cfg)
	next := &config.ServerConfig{Log: cfg}
	next.Log.Level = "debug"
	if err := h.OnConfigReload(next); err != nil {
		t.Fatal(err)
	}
	if logger.Level.Level() != zapcore.DebugLevel {
		t.Fatalf("级别应为 debug, 实际 %s", logger.Level.Level())
	}

	next.Log.Level = "nope"
	if err := h.OnConfigReload(next); err == nil {
		t.Fatal("非法级别应返回错误")
	}
	if logger.Level.Level() != zapcore.DebugLevel {
		t.Fatal("失败的重载不应修改级别")
	}
}
