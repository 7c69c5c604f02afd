// pkg/storage/hotreload.go
package storage

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/config"
)

type StorageReloadHandler struct {
	engine Engine
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStorageReloadHandler(engine Engine, logger *zap.Logger) *StorageReloadHandler {
	return &StorageReloadHandler{
		engine: engine,
		logger: logger,
	}
}

// OnConfigReload 调整缓存容量与写回间隔; 第二步失败时回滚第一步.
func (h *StorageReloadHandler) OnConfigReload(newCfg *config.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldCaps := h.engine.CacheCapacities()
	oldInterval := h.engine.FlushInterval()
	newCaps := newCfg.Storage.Caches
	newInterval := newCfg.Storage.FlushInterval

	if newCaps == oldCaps && newInterval == oldInterval {
		return nil
	}
	h.logger.Info("Applying storage config changes",
		zap.Any("old_caches", oldCaps),
		zap.Duration("old_flush_interval", oldInterval),
	)
	if err := h.engine.ResizeCaches(newCaps); err != nil {
		return errors.Wrap(err, "failed to resize caches")
	}
	if err := h.engine.SetFlushInterval(newInterval); err != nil {
		_ = h.engine.ResizeCaches(oldCaps)
		return errors.Wrap(err, "failed to update flush interval")
	}
	h.logger.Info("Storage config reloaded",
		zap.Any("new_caches", newCaps),
		zap.Duration("new_flush_interval", newInterval))
	return nil
}
