// Package fsys 存储引擎使用的文件系统抽象.
// 所有路径都是相对于根目录的文件名.
package fsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultOpenFileLimit 同时打开的文件数上限
const DefaultOpenFileLimit = 256

// File 打开的文件. Close 归还打开文件配额.
type File interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.StringWriter
	Name() string
	Sync() error
	Close() error
}

// FS 文件系统接口
type FS interface {
	// Create 以随机文件名创建文件
	Create() (File, error)
	CreateNamed(name string) (File, error)
	Open(name string) (File, error)
	Move(from, to string) error
	Remove(name string) error
	RandomFilename() string
	Exists(name string) bool
	// Lock 对单个文件加进程内咨询锁, 返回解锁函数
	Lock(name string) (unlock func())
	Root() string
}

type Option func(*OSFS)

func WithOpenFileLimit(n int) Option {
	return func(fs *OSFS) {
		if n > 0 {
			fs.limit = int64(n)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(fs *OSFS) {
		fs.logger = logger
	}
}

// OSFS 基于本地目录的实现
type OSFS struct {
	root   string
	limit  int64
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func NewOSFS(root string, opts ...Option) (*OSFS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", root)
	}
	fs := &OSFS{
		root:   root,
		limit:  DefaultOpenFileLimit,
		logger: zap.NewNop(),
		locks:  make(map[string]*fileLock),
	}
	for _, opt := range opts {
		opt(fs)
	}
	fs.sem = semaphore.NewWeighted(fs.limit)
	return fs, nil
}

func (fs *OSFS) Root() string { return fs.root }

func (fs *OSFS) path(name string) string {
	return filepath.Join(fs.root, name)
}

func (fs *OSFS) RandomFilename() string {
	return uuid.NewString()
}

func (fs *OSFS) Create() (File, error) {
	return fs.CreateNamed(fs.RandomFilename() + ".tmp")
}

func (fs *OSFS) CreateNamed(name string) (File, error) {
	return fs.open(name, os.O_CREATE|os.O_TRUNC|os.O_RDWR)
}

func (fs *OSFS) Open(name string) (File, error) {
	return fs.open(name, os.O_RDONLY)
}

func (fs *OSFS) open(name string, flag int) (File, error) {
	// 超过上限时阻塞, 直到有文件关闭
	if err := fs.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fs.path(name), flag, 0644)
	if err != nil {
		fs.sem.Release(1)
		return nil, err
	}
	return &osFile{File: f, name: name, fs: fs}, nil
}

func (fs *OSFS) Move(from, to string) error {
	if err := os.Rename(fs.path(from), fs.path(to)); err != nil {
		fs.logger.Warn("move file failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return err
	}
	return nil
}

// Remove 删除文件, 文件不存在不视为错误.
func (fs *OSFS) Remove(name string) error {
	err := os.Remove(fs.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *OSFS) Exists(name string) bool {
	_, err := os.Stat(fs.path(name))
	return err == nil
}

func (fs *OSFS) Lock(name string) func() {
	fs.mu.Lock()
	l, ok := fs.locks[name]
	if !ok {
		l = &fileLock{}
		fs.locks[name] = l
	}
	l.refs++
	fs.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		fs.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(fs.locks, name)
		}
		fs.mu.Unlock()
	}
}

// InUse 当前占用的打开文件数, 仅用于测试与统计.
func (fs *OSFS) InUse() int {
	if !fs.sem.TryAcquire(fs.limit) {
		// 无法一次性拿到全部配额说明有文件打开, 逐个探测
		n := int64(0)
		for n < fs.limit && fs.sem.TryAcquire(1) {
			n++
		}
		fs.sem.Release(n)
		return int(fs.limit - n)
	}
	fs.sem.Release(fs.limit)
	return 0
}

type osFile struct {
	*os.File
	name string
	fs   *OSFS
	once sync.Once
}

func (f *osFile) Name() string { return f.name }

func (f *osFile) Close() error {
	err := f.File.Close()
	f.once.Do(func() { f.fs.sem.Release(1) })
	return err
}
