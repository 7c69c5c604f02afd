// Package cache 三级缓存: 树句柄 / 内部节点 / 叶子节点.
// 每一级是 LRU + 引用计数: 条目只有在被 LRU 淘汰且引用计数为 0 时才会被丢弃.
package cache

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/metrics"
)

// LoadFunc 在缓存未命中时加载条目, 调用时不持有 tier 锁.
type LoadFunc[V any] func(key string) (V, error)

type entry[V any] struct {
	val   V
	err   error
	ready chan struct{} // 加载完成后关闭
	refs  int
	inLRU bool
}

// Tier 单级缓存
type Tier[V any] struct {
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	capacity  int
	lru       *simplelru.LRU[string, struct{}]
	entries   map[string]*entry[V]
	onDiscard func(key string, v V)
}

func NewTier[V any](name string, capacity int, logger *zap.Logger) *Tier[V] {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tier[V]{
		name:     name,
		logger:   logger.With(zap.String("tier", name)),
		capacity: capacity,
		entries:  make(map[string]*entry[V]),
	}
	lru, err := simplelru.NewLRU[string, struct{}](capacity, func(key string, _ struct{}) {
		t.evicted(key)
	})
	if err != nil {
		// 只有 capacity <= 0 时才会出错
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "cache: tier %s", name))
	}
	t.lru = lru
	return t
}

// OnDiscard 设置条目被丢弃时的回调, 回调在 tier 锁内执行, 不得回调 tier.
func (t *Tier[V]) OnDiscard(fn func(key string, v V)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDiscard = fn
}

func (t *Tier[V]) Name() string { return t.name }

// Acquire 返回 key 对应的条目并将引用计数加一.
// 未命中时先发布一个占位条目(future), 在锁外加载, 并发的获取者等待同一个结果.
func (t *Tier[V]) Acquire(key string, load LoadFunc[V]) (V, error) {
	var zero V

	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.refs++
		t.touch(key, e)
		t.mu.Unlock()

		<-e.ready
		if e.err != nil {
			// 失败的占位条目已被加载者移除
			return zero, e.err
		}
		metrics.CacheLookups.WithLabelValues(t.name, "hit").Inc()
		return e.val, nil
	}

	e := &entry[V]{ready: make(chan struct{}), refs: 1}
	t.entries[key] = e
	t.touch(key, e)
	t.mu.Unlock()
	metrics.CacheLookups.WithLabelValues(t.name, "miss").Inc()

	v, err := load(key)

	t.mu.Lock()
	e.val, e.err = v, err
	close(e.ready)
	if err != nil {
		if t.entries[key] == e {
			delete(t.entries, key)
			t.lru.Remove(key)
		}
		t.mu.Unlock()
		return zero, err
	}
	metrics.CacheResident.WithLabelValues(t.name).Set(float64(len(t.entries)))
	t.mu.Unlock()
	return v, nil
}

// Put 插入一个新建的条目, 引用计数为 1.
func (t *Tier[V]) Put(key string, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		panic(errors.AssertionFailedf("cache: %s already holds %s", t.name, key))
	}
	e := &entry[V]{val: v, ready: make(chan struct{}), refs: 1}
	close(e.ready)
	t.entries[key] = e
	t.touch(key, e)
	metrics.CacheResident.WithLabelValues(t.name).Set(float64(len(t.entries)))
}

// Reserve 为已存在的条目增加引用.
func (t *Tier[V]) Reserve(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		panic(errors.AssertionFailedf("cache: reserve of absent %s in %s", key, t.name))
	}
	e.refs++
}

// Release 减少引用, 归零且不在 LRU 中时丢弃条目.
func (t *Tier[V]) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		panic(errors.AssertionFailedf("cache: release of absent %s in %s", key, t.name))
	}
	e.refs--
	if e.refs < 0 {
		panic(errors.AssertionFailedf("cache: negative refcount %d for %s in %s", e.refs, key, t.name))
	}
	t.checkRef(key, e)
}

// Peek 不增加引用, 不更新 LRU 顺序.
func (t *Tier[V]) Peek(key string) (V, bool) {
	var zero V
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return zero, false
	}
	select {
	case <-e.ready:
	default:
		return zero, false
	}
	if e.err != nil {
		return zero, false
	}
	return e.val, true
}

func (t *Tier[V]) Refs(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len 驻留条目数(包括被 LRU 淘汰但仍被引用的条目).
func (t *Tier[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tier[V]) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Resize 调整 LRU 容量, 返回被淘汰的数量.
func (t *Tier[V]) Resize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = capacity
	return t.lru.Resize(capacity)
}

// Purge 丢弃所有未被引用的条目, 返回仍被引用的 key.
func (t *Tier[V]) Purge() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Purge()
	var busy []string
	for key, e := range t.entries {
		if e.refs > 0 {
			busy = append(busy, key)
		}
	}
	if len(busy) > 0 {
		t.logger.Warn("cache entries still referenced", zap.Strings("keys", busy))
	}
	return busy
}

func (t *Tier[V]) touch(key string, e *entry[V]) {
	t.lru.Add(key, struct{}{})
	e.inLRU = true
}

// evicted 在 tier 锁内由 LRU 回调.
func (t *Tier[V]) evicted(key string) {
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.inLRU = false
	t.checkRef(key, e)
}

func (t *Tier[V]) checkRef(key string, e *entry[V]) {
	if e.refs > 0 || e.inLRU {
		return
	}
	delete(t.entries, key)
	metrics.CacheEvictions.WithLabelValues(t.name).Inc()
	metrics.CacheResident.WithLabelValues(t.name).Set(float64(len(t.entries)))
	if t.onDiscard != nil {
		t.onDiscard(key, e.val)
	}
}
