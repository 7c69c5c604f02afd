package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/fsys"
	"github.com/imReese/NexusTree/pkg/savior"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexustree.yaml")
	writeConfig(t, path, `
data_dir: /tmp/nt
storage:
  branch_factor: 16
  flush_interval: 250ms
  caches:
    leaves: 100
`)
	cfg, err := LoadConfig(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/nt" || cfg.Storage.BranchFactor != 16 {
		t.Fatalf("显式配置未生效: %+v", cfg)
	}
	if cfg.Storage.FlushInterval != 250*time.Millisecond {
		t.Fatalf("flush_interval 解析错误: %s", cfg.Storage.FlushInterval)
	}
	if cfg.Storage.Caches.Leaves != 100 || cfg.Storage.Caches.Internal == 0 {
		t.Fatalf("缓存容量不符: %+v", cfg.Storage.Caches)
	}
	if cfg.Log.Level != "info" || cfg.Server.GRPCAddr != DefaultGRPCAddr {
		t.Fatal("未设置的字段应取默认值")
	}
}

func TestApplyDefaults_FollowsComponents(t *testing.T) {
	cfg := Default()
	s := cfg.Storage
	if s.OpenFileLimit != fsys.DefaultOpenFileLimit {
		t.Fatalf("open_file_limit 默认值 %d, 文件层为 %d", s.OpenFileLimit, fsys.DefaultOpenFileLimit)
	}
	if s.FlushInterval != savior.DefaultConfig.Interval || s.FlushQueueSize != savior.DefaultConfig.QueueSize {
		t.Fatalf("写回默认值 %s/%d, 调度器为 %+v", s.FlushInterval, s.FlushQueueSize, savior.DefaultConfig)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"branch":   "storage:\n  branch_factor: 2\n",
		"files":    "storage:\n  open_file_limit: 1\n",
		"negative": "storage:\n  small_value_size: -1\n",
		"yaml":     "storage: [",
	}
	for name, content := range tests {
		path := filepath.Join(dir, name+".yaml")
		writeConfig(t, path, content)
		if _, err := LoadConfig(path, zap.NewNop()); err == nil {
			t.Errorf("%s: 期望加载失败", name)
		}
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml"), zap.NewNop()); err == nil {
		t.Error("文件不存在应返回错误")
	}
}

type recordingHandler struct {
	calls atomic.Int32
	last  atomic.Pointer[ServerConfig]
	err   error
}

func (h *recordingHandler) OnConfigReload(cfg *ServerConfig) error {
	h.calls.Add(1)
	h.last.Store(cfg)
	return h.err
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexustree.yaml")
	writeConfig(t, path, "storage:\n  branch_factor: 8\n")

	w := NewConfigWatcher(path, zap.NewNop(), 10*time.Millisecond)
	ok := &recordingHandler{}
	failing := &recordingHandler{err: errors.New("boom")}
	w.Register(failing)
	w.Register(ok)

	err := w.Reload()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("应返回处理器的错误, 实际 %v", err)
	}
	if ok.calls.Load() != 1 {
		t.Fatal("单个处理器失败不应影响其余处理器")
	}
	if ok.last.Load().Storage.BranchFactor != 8 {
		t.Fatal("处理器收到的配置不符")
	}
}

func TestConfigWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexustree.yaml")
	writeConfig(t, path, "storage:\n  branch_factor: 8\n")

	w := NewConfigWatcher(path, zap.NewNop(), 5*time.Millisecond)
	h := &recordingHandler{}
	w.Register(h)
	w.Start()
	defer w.Stop()

	writeConfig(t, path, "storage:\n  branch_factor: 12\n")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("修改配置文件后未触发重载")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.last.Load().Storage.BranchFactor != 12 {
		t.Fatal("重载应读到新配置")
	}
	w.Stop()
}
