// pkg/config/watcher.go
package config

import (
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

type HotReloadHandler interface {
	OnConfigReload(newCfg *ServerConfig) error
}

// ConfigWatcher 轮询配置文件的修改时间, 变化时重新加载并通知所有处理器.
type ConfigWatcher struct {
	logger     *zap.Logger
	configPath string
	interval   time.Duration

	mu       sync.Mutex
	lastMod  time.Time
	handlers []HotReloadHandler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConfigWatcher(configPath string, logger *zap.Logger, interval time.Duration) *ConfigWatcher {
	w := &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
	// 启动时已加载的版本不触发重载
	if info, err := os.Stat(configPath); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

// Register 添加重载处理器, 按注册顺序调用.
func (w *ConfigWatcher) Register(h HotReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

func (w *ConfigWatcher) checkModified() bool {
	info, err := os.Stat(w.configPath)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return true
	}
	return false
}

func (w *ConfigWatcher) watchLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return
		case <-ticker.C:
			if w.checkModified() {
				if err := w.Reload(); err != nil {
					w.logger.Error("Reload config failed", zap.Error(err))
				}
			}
		}
	}
}

func (w *ConfigWatcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
}

func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Reload 立即重新加载配置并依次调用处理器. 单个处理器失败不影响其余处理器.
func (w *ConfigWatcher) Reload() error {
	newCfg, err := LoadConfig(w.configPath, w.logger)
	if err != nil {
		return err
	}

	w.mu.Lock()
	handlersCopy := make([]HotReloadHandler, len(w.handlers))
	copy(handlersCopy, w.handlers)
	w.mu.Unlock()

	var errs error
	for _, h := range handlersCopy {
		if err := h.OnConfigReload(newCfg); err != nil {
			w.logger.Error("Reload handler failed",
				zap.Error(err),
				zap.String("handler", reflect.TypeOf(h).String()))
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
