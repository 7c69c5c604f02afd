package storage

import (
	"time"

	"github.com/imReese/NexusTree/pkg/cache"
)

// Engine 运行期间可调整的存储参数, 供配置热加载使用.
type Engine interface {
	CacheCapacities() cache.Capacities
	ResizeCaches(caps cache.Capacities) error
	FlushInterval() time.Duration
	SetFlushInterval(interval time.Duration) error
	Close() error
}
