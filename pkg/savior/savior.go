// Package savior 写回调度器: 合并同一路径的多次修改, 在去抖间隔之后由后台循环统一落盘.
package savior

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/metrics"
)

type Kind uint8

const (
	KindLeaf Kind = iota
	KindInternal
	KindBase
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	case KindBase:
		return "base"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Action uint8

const (
	ActionSave Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "remove"
	}
	return "save"
}

// Task 每个路径最多一个待执行任务.
type Task struct {
	Path   string
	Kind   Kind
	Action Action
	Node   any
}

// Backend 执行实际 I/O.
type Backend interface {
	// Hold 新任务登记时调用(持有调度器锁), 用于固定缓存条目.
	Hold(t *Task)
	// Flush 写入或删除. sync 为 true 表示调用者已持有节点锁.
	Flush(t *Task, sync bool) error
	// Done 任务执行完毕(无论成功与否)后调用.
	Done(t *Task)
}

type Config struct {
	Interval  time.Duration // 去抖间隔
	QueueSize int           // 队列达到该长度时立即唤醒
}

var DefaultConfig = Config{
	Interval:  100 * time.Millisecond,
	QueueSize: 1024,
}

type Savior struct {
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	cfg      Config
	pending  map[string]*Task
	queue    []string
	queued   map[string]bool
	inflight map[string]int
	errs     map[string]error
	running  bool
	closed   bool

	notifyChan chan struct{} // 队列满时唤醒
	closeChan  chan struct{}
	wg         sync.WaitGroup
}

func New(backend Backend, cfg Config, logger *zap.Logger) *Savior {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Savior{
		backend:    backend,
		logger:     logger,
		cfg:        cfg,
		pending:    make(map[string]*Task),
		queued:     make(map[string]bool),
		inflight:   make(map[string]int),
		errs:       make(map[string]error),
		notifyChan: make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put 登记保存任务. 已有任务时只更新节点, 不重复排队.
func (s *Savior) Put(path string, kind Kind, node any) {
	s.register(path, kind, ActionSave, node)
}

// Remove 登记删除任务, 覆盖同一路径上待执行的保存.
func (s *Savior) Remove(path string, kind Kind, node any) {
	s.register(path, kind, ActionRemove, node)
}

func (s *Savior) register(path string, kind Kind, action Action, node any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[path]; ok {
		t.Action = action
		t.Node = node
		metrics.SaviorCoalesced.Inc()
		return
	}
	t := &Task{Path: path, Kind: kind, Action: action, Node: node}
	s.pending[path] = t
	s.backend.Hold(t)
	metrics.SaviorPending.Set(float64(len(s.pending)))

	// 内部节点由调用者同步保存
	if kind == KindInternal {
		return
	}
	if !s.queued[path] {
		s.queued[path] = true
		s.queue = append(s.queue, path)
	}
	if len(s.queue) >= s.cfg.QueueSize {
		select {
		case s.notifyChan <- struct{}{}:
		default:
		}
	}
	if !s.running && !s.closed {
		s.running = true
		s.wg.Add(1)
		go s.loop(s.cfg.Interval)
	}
}

// loop 后台写回循环, 队列为空时退出, 有新任务时重新启动.
func (s *Savior) loop(interval time.Duration) {
	defer s.wg.Done()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-timer.C:
		case <-s.notifyChan:
		}

		for _, path := range s.takeQueue() {
			if err := s.Save(path, false); err != nil {
				s.logger.Error("write-back failed", zap.String("path", path), zap.Error(err))
			}
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		interval = s.cfg.Interval
		s.mu.Unlock()
		timer.Reset(interval)
	}
}

func (s *Savior) takeQueue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	for _, p := range batch {
		delete(s.queued, p)
	}
	return batch
}

// Save 立即执行 path 上的待处理任务. 没有任务(已被消费)时直接返回.
// 同一路径的异步写回串行执行, 较早取出的内容不会覆盖较新的内容.
// sync 为 true 时调用者持有节点写锁, 其它写回此时必然阻塞在节点锁上且尚未读取内容, 不必等待.
func (s *Savior) Save(path string, sync bool) error {
	s.mu.Lock()
	for !sync && s.inflight[path] > 0 {
		s.cond.Wait()
	}
	t, ok := s.pending[path]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.pending, path)
	s.inflight[path]++
	metrics.SaviorPending.Set(float64(len(s.pending)))
	s.mu.Unlock()

	err := s.backend.Flush(t, sync)
	metrics.SaviorFlushes.WithLabelValues(t.Kind.String(), t.Action.String()).Inc()
	if err != nil {
		metrics.SaviorErrors.Inc()
		err = errors.Wrapf(err, "%s %s %s", t.Action, t.Kind, t.Path)
	}

	s.mu.Lock()
	s.inflight[path]--
	if s.inflight[path] == 0 {
		delete(s.inflight, path)
	}
	if err != nil {
		s.errs[path] = err
	} else {
		delete(s.errs, path)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.backend.Done(t)
	return err
}

// FlushAll 执行所有待处理任务并等待正在执行的任务完成.
func (s *Savior) FlushAll() error {
	var errs error
	for {
		paths := s.pendingPaths()
		if len(paths) == 0 {
			break
		}
		for _, p := range paths {
			if err := s.Save(p, false); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
		}
	}
	s.mu.Lock()
	for len(s.inflight) > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
	return errs
}

// pendingPaths 先按队列顺序, 再追加未排队的任务.
func (s *Savior) pendingPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.pending))
	seen := make(map[string]bool, len(s.pending))
	for _, p := range s.queue {
		if _, ok := s.pending[p]; ok && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for p := range s.pending {
		if !seen[p] {
			paths = append(paths, p)
		}
	}
	return paths
}

// Wait 阻塞直到 path 没有待处理或执行中的任务, 返回最近一次执行的错误.
func (s *Savior) Wait(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		_, pending := s.pending[path]
		if !pending && s.inflight[path] == 0 {
			return s.errs[path]
		}
		s.cond.Wait()
	}
}

func (s *Savior) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Savior) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// SetInterval 调整去抖间隔, 从下一轮循环开始生效.
func (s *Savior) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.Newf("flush interval must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = d
	return nil
}

// Close 停止后台循环并落盘所有待处理任务.
func (s *Savior) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeChan)
	s.wg.Wait()
	return s.FlushAll()
}
