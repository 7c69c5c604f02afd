// Package storage 基于文件的 B+ 树存储: 每个节点一个文件, 三级缓存, 写回调度.
package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/bptree"
	"github.com/imReese/NexusTree/pkg/cache"
	"github.com/imReese/NexusTree/pkg/config"
	"github.com/imReese/NexusTree/pkg/fsys"
	"github.com/imReese/NexusTree/pkg/metrics"
	"github.com/imReese/NexusTree/pkg/savior"
)

var (
	ErrNotFound     = bptree.ErrNotFound
	ErrExists       = bptree.ErrExists
	ErrStorageFault = bptree.ErrStorageFault
	ErrEmptyKey     = bptree.ErrEmptyKey
	ErrInvalidKey   = bptree.ErrInvalidKey
	ErrClosed       = errors.New("store closed")
)

type (
	Iterator = bptree.Iterator
	KeyType  = bptree.KeyType
	Bound    = bptree.Bound
)

const (
	KeyBytes = bptree.KeyBytes
	KeyInt   = bptree.KeyInt
	Lower    = bptree.Lower
	Upper    = bptree.Upper
)

const (
	DefaultBranchFactor   = config.DefaultBranchFactor
	DefaultSmallValueSize = config.DefaultSmallValueSize
	DefaultBlobCacheBytes = config.DefaultBlobCacheBytes
)

type Options struct {
	Caches         cache.Capacities
	BranchFactor   int // 创建树时 factor 为 0 使用该值
	SmallValueSize int
	BlobCacheBytes int64
	OpenFileLimit  int
	FlushInterval  time.Duration
	FlushQueueSize int
	SyncWrites     bool
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Caches:         cache.DefaultCapacities,
		BranchFactor:   DefaultBranchFactor,
		SmallValueSize: DefaultSmallValueSize,
		BlobCacheBytes: DefaultBlobCacheBytes,
		OpenFileLimit:  fsys.DefaultOpenFileLimit,
		FlushInterval:  savior.DefaultConfig.Interval,
		FlushQueueSize: savior.DefaultConfig.QueueSize,
	}
}

// OptionsFromConfig 由 yaml 配置生成存储选项
func OptionsFromConfig(cfg config.StorageConfig, logger *zap.Logger) Options {
	return Options{
		Caches:         cfg.Caches,
		BranchFactor:   cfg.BranchFactor,
		SmallValueSize: cfg.SmallValueSize,
		BlobCacheBytes: cfg.BlobCacheBytes,
		OpenFileLimit:  cfg.OpenFileLimit,
		FlushInterval:  cfg.FlushInterval,
		FlushQueueSize: cfg.FlushQueueSize,
		SyncWrites:     cfg.SyncWrites,
		Logger:         logger,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Caches.Trees <= 0 {
		o.Caches.Trees = def.Caches.Trees
	}
	if o.Caches.Internal <= 0 {
		o.Caches.Internal = def.Caches.Internal
	}
	if o.Caches.Leaves <= 0 {
		o.Caches.Leaves = def.Caches.Leaves
	}
	if o.BranchFactor == 0 {
		o.BranchFactor = def.BranchFactor
	}
	if o.SmallValueSize <= 0 {
		o.SmallValueSize = def.SmallValueSize
	}
	if o.BlobCacheBytes <= 0 {
		o.BlobCacheBytes = def.BlobCacheBytes
	}
	if o.OpenFileLimit <= 0 {
		o.OpenFileLimit = def.OpenFileLimit
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.FlushQueueSize <= 0 {
		o.FlushQueueSize = def.FlushQueueSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Tree 已打开的树. 由 GetTree/CreateTree 获得, 用完后 ReleaseTree.
type Tree struct {
	path string
	bt   *bptree.Tree
}

func (t *Tree) Path() string { return t.path }

func (t *Tree) Count() int64 { return t.bt.Count() }

func (t *Tree) Factor() int { return t.bt.Factor }

func (t *Tree) KeyType() bptree.KeyType { return t.bt.Type }

type Store struct {
	opts   Options
	fs     fsys.FS
	logger *zap.Logger
	cache  *cache.Manager[*Tree, *bptree.Block]
	savior *savior.Savior
	blobs  *blobStore

	mu     sync.Mutex // 串行化建树
	closed atomic.Bool

	orphanMu sync.Mutex
	orphans  map[string][]*bptree.Record
}

var _ Engine = (*Store)(nil)

func Open(dir string, opts Options) (*Store, error) {
	opts.applyDefaults()
	if opts.BranchFactor < bptree.MinFactor {
		return nil, errors.Newf("branch factor %d below minimum %d", opts.BranchFactor, bptree.MinFactor)
	}
	logger := opts.Logger.With(zap.String("data_dir", dir))

	fs, err := fsys.NewOSFS(dir, fsys.WithOpenFileLimit(opts.OpenFileLimit), fsys.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	blobs, err := newBlobStore(fs, opts.BlobCacheBytes)
	if err != nil {
		return nil, err
	}
	s := &Store{
		opts:    opts,
		fs:      fs,
		logger:  logger,
		cache:   cache.NewManager[*Tree, *bptree.Block](opts.Caches, logger),
		blobs:   blobs,
		orphans: make(map[string][]*bptree.Record),
	}
	s.cache.Leaves.OnDiscard(s.orphan)
	s.savior = savior.New(backend{s: s}, savior.Config{
		Interval:  opts.FlushInterval,
		QueueSize: opts.FlushQueueSize,
	}, logger.Named("savior"))
	metrics.Init()

	logger.Info("Store opened",
		zap.Int("branch_factor", opts.BranchFactor),
		zap.Any("caches", opts.Caches),
		zap.Duration("flush_interval", opts.FlushInterval))
	return s, nil
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Healthy 存储关闭后返回 ErrClosed.
func (s *Store) Healthy() error { return s.check() }

func validTreeName(path string) error {
	if path == "" || path == "." || path == ".." ||
		filepath.Base(path) != path || strings.HasSuffix(path, ".tmp") {
		return errors.Newf("invalid tree name %q", path)
	}
	return nil
}

func (s *Store) newTree(path string, typ bptree.KeyType, factor int) (*Tree, error) {
	t := &Tree{path: path}
	bt, err := bptree.NewTree(path, factor, typ, &driver{s: s, tree: t})
	if err != nil {
		return nil, err
	}
	t.bt = bt
	return t, nil
}

func (s *Store) loadTree(path string) (*Tree, error) {
	b, err := s.readBase(path)
	if err != nil {
		return nil, err
	}
	t, err := s.newTree(path, b.Type, b.Factor)
	if err != nil {
		return nil, bptree.StorageFault(err, "tree %s", path)
	}
	t.bt.Restore(b.Count, b.Root, b.RootLeaf)
	return t, nil
}

// GetTree 打开已存在的树, 引用计数加一.
func (s *Store) GetTree(path string) (*Tree, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := validTreeName(path); err != nil {
		return nil, err
	}
	return s.cache.Trees.Acquire(path, s.loadTree)
}

// CreateTree 新建空树并立即写入 base 记录. 树已存在时返回 ErrExists.
func (s *Store) CreateTree(path string, typ bptree.KeyType, factor int) (*Tree, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := validTreeName(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(path, typ, factor)
}

func (s *Store) createLocked(path string, typ bptree.KeyType, factor int) (*Tree, error) {
	if _, ok := s.cache.Trees.Peek(path); ok || s.fs.Exists(path) {
		return nil, errors.Wrapf(ErrExists, "tree %s", path)
	}
	if factor == 0 {
		factor = s.opts.BranchFactor
	}
	t, err := s.newTree(path, typ, factor)
	if err != nil {
		return nil, err
	}
	if err := s.writeBase(t); err != nil {
		return nil, errors.Wrapf(err, "create tree %s", path)
	}
	s.logger.Info("Tree created", zap.String("tree", path), zap.Stringer("type", typ), zap.Int("factor", factor))
	return s.cache.Trees.Acquire(path, func(string) (*Tree, error) { return t, nil })
}

// OpenOrCreateTree 已存在时打开(忽略 typ 与 factor), 否则新建.
func (s *Store) OpenOrCreateTree(path string, typ bptree.KeyType, factor int) (*Tree, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := validTreeName(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fs.Exists(path) {
		t, err := s.cache.Trees.Acquire(path, s.loadTree)
		if err != nil {
			return nil, err
		}
		if t.KeyType() != typ {
			s.logger.Warn("Existing tree has a different key type",
				zap.String("tree", path), zap.Stringer("type", t.KeyType()), zap.Stringer("requested", typ))
		}
		return t, nil
	}
	return s.createLocked(path, typ, factor)
}

func (s *Store) ReleaseTree(t *Tree) {
	s.cache.Trees.Release(t.path)
}

type writeOptions struct {
	update bool
	sync   bool
}

type WriteOption func(*writeOptions)

// WithUpdate 键已存在时覆盖原值
func WithUpdate() WriteOption {
	return func(o *writeOptions) { o.update = true }
}

// WithSync 返回前落盘所有待写回的修改
func WithSync() WriteOption {
	return func(o *writeOptions) { o.sync = true }
}

func (s *Store) writeOpts(opts []WriteOption) writeOptions {
	wo := writeOptions{sync: s.opts.SyncWrites}
	for _, o := range opts {
		o(&wo)
	}
	return wo
}

// Insert 返回是否新增了键. 键已存在且未指定 WithUpdate 时保持原值.
func (s *Store) Insert(t *Tree, key, value []byte, opts ...WriteOption) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	metrics.RequestsTotal.WithLabelValues("insert").Inc()
	wo := s.writeOpts(opts)
	added, err := t.bt.Insert(key, value, wo.update)
	if err != nil {
		return added, errors.Wrapf(err, "insert into %s", t.path)
	}
	if wo.sync {
		return added, s.savior.FlushAll()
	}
	return added, nil
}

func (s *Store) Erase(t *Tree, key []byte, opts ...WriteOption) error {
	if err := s.check(); err != nil {
		return err
	}
	metrics.RequestsTotal.WithLabelValues("erase").Inc()
	wo := s.writeOpts(opts)
	if err := t.bt.Erase(key); err != nil {
		return err
	}
	if wo.sync {
		return s.savior.FlushAll()
	}
	return nil
}

func (s *Store) Find(t *Tree, key []byte) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues("find").Inc()
	return t.bt.Find(key)
}

func (s *Store) FindBound(t *Tree, key []byte, bound Bound) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues("find_bound").Inc()
	return t.bt.FindBound(key, bound)
}

func (s *Store) Begin(t *Tree) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues("begin").Inc()
	return t.bt.Begin()
}

func (s *Store) End(t *Tree) (*Iterator, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues("end").Inc()
	return t.bt.End()
}

// SaveBase 立即写入树的 base 记录
func (s *Store) SaveBase(t *Tree) error {
	if err := s.check(); err != nil {
		return err
	}
	s.savior.Put(t.path, savior.KindBase, t)
	return s.savior.Save(t.path, false)
}

// Flush 落盘所有待写回的修改
func (s *Store) Flush() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.savior.FlushAll()
}

// Verify 检查树的结构不变式, 要求调用期间没有并发写入.
func (s *Store) Verify(t *Tree) error {
	if err := s.check(); err != nil {
		return err
	}
	return t.bt.Verify()
}

// Inspect 按层输出树的结构
func (s *Store) Inspect(t *Tree, w io.Writer) error {
	if err := s.check(); err != nil {
		return err
	}
	levels, err := t.bt.Inspect()
	if err != nil {
		return err
	}
	root, _ := t.bt.Root()
	fmt.Fprintf(w, "tree %s type=%s factor=%d count=%d root=%s\n",
		t.path, t.bt.Type, t.bt.Factor, t.bt.Count(), encodePath(root))
	for depth, level := range levels {
		fmt.Fprintf(w, "level %d (%d nodes)\n", depth, len(level))
		for _, n := range level {
			if n.Leaf {
				fmt.Fprintf(w, "  leaf %s prev=%s next=%s keys=[%s]\n",
					n.Path, encodePath(n.Prev), encodePath(n.Next), encodeKeys(n.Keys))
				continue
			}
			fmt.Fprintf(w, "  internal %s keys=[%s] children=[%s]\n",
				n.Path, encodeKeys(n.Keys), strings.Join(n.Children, " "))
		}
	}
	return nil
}

type Stats struct {
	Trees         int
	Internal      int
	Leaves        int
	Capacities    cache.Capacities
	PendingWrites int
	Orphans       int // 叶子已出缓存但仍被迭代器保留的记录
	BlobHitRatio  float64
}

func (s *Store) Stats() Stats {
	return Stats{
		Trees:         s.cache.Trees.Len(),
		Internal:      s.cache.Internal.Len(),
		Leaves:        s.cache.Leaves.Len(),
		Capacities:    s.cache.Capacities(),
		PendingWrites: s.savior.Pending(),
		Orphans:       s.orphaned(),
		BlobHitRatio:  s.blobs.hitRatio(),
	}
}

func (s *Store) CacheCapacities() cache.Capacities {
	return s.cache.Capacities()
}

func (s *Store) ResizeCaches(caps cache.Capacities) error {
	if caps.Trees < 1 || caps.Internal < 1 || caps.Leaves < 1 {
		return errors.Newf("cache capacities must be positive: %+v", caps)
	}
	s.cache.Resize(caps)
	return nil
}

func (s *Store) FlushInterval() time.Duration {
	return s.savior.Interval()
}

func (s *Store) SetFlushInterval(d time.Duration) error {
	return s.savior.SetInterval(d)
}

// Close 落盘所有修改并清理缓存. 仍被引用的缓存条目只记录警告.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.savior.Close()
	if busy := s.cache.Close(); busy > 0 {
		s.logger.Warn("Store closed with referenced cache entries", zap.Int("busy", busy))
	}
	s.blobs.Close()
	s.orphanMu.Lock()
	clear(s.orphans)
	s.orphanMu.Unlock()
	if err != nil {
		s.logger.Error("Store closed with write-back errors", zap.Error(err))
		return err
	}
	s.logger.Info("Store closed")
	return nil
}
