package cache

import "go.uber.org/zap"

const (
	TierTrees    = "trees"
	TierInternal = "internal"
	TierLeaves   = "leaves"
)

// Capacities 三级缓存容量
type Capacities struct {
	Trees    int `yaml:"trees"`
	Internal int `yaml:"internal"`
	Leaves   int `yaml:"leaves"`
}

var DefaultCapacities = Capacities{
	Trees:    64,
	Internal: 4096,
	Leaves:   16384,
}

// Manager 缓存管理器, 由存储在打开时创建, 关闭时清理. T 为树句柄类型, N 为节点内容类型.
type Manager[T, N any] struct {
	Trees    *Tier[T]
	Internal *Tier[N]
	Leaves   *Tier[N]
	Pending  *Pending
	logger   *zap.Logger
}

func NewManager[T, N any](caps Capacities, logger *zap.Logger) *Manager[T, N] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager[T, N]{
		Trees:    NewTier[T](TierTrees, caps.Trees, logger),
		Internal: NewTier[N](TierInternal, caps.Internal, logger),
		Leaves:   NewTier[N](TierLeaves, caps.Leaves, logger),
		Pending:  NewPending(),
		logger:   logger,
	}
}

// Nodes 按节点类型选择缓存级别
func (m *Manager[T, N]) Nodes(leaf bool) *Tier[N] {
	if leaf {
		return m.Leaves
	}
	return m.Internal
}

func (m *Manager[T, N]) Capacities() Capacities {
	return Capacities{
		Trees:    m.Trees.Capacity(),
		Internal: m.Internal.Capacity(),
		Leaves:   m.Leaves.Capacity(),
	}
}

func (m *Manager[T, N]) Resize(caps Capacities) {
	evicted := m.Trees.Resize(caps.Trees) +
		m.Internal.Resize(caps.Internal) +
		m.Leaves.Resize(caps.Leaves)
	m.logger.Info("cache resized",
		zap.Int("trees", caps.Trees),
		zap.Int("internal", caps.Internal),
		zap.Int("leaves", caps.Leaves),
		zap.Int("evicted", evicted))
}

// Close 丢弃所有未被引用的条目, 返回仍被引用的条目数.
func (m *Manager[T, N]) Close() int {
	return len(m.Trees.Purge()) + len(m.Internal.Purge()) + len(m.Leaves.Purge())
}
