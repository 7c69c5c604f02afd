// pkg/config/config.go
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/imReese/NexusTree/pkg/cache"
	"github.com/imReese/NexusTree/pkg/fsys"
	"github.com/imReese/NexusTree/pkg/savior"
)

type LogConfig struct {
	RunDir    string `yaml:"run_dir"`
	BackupDir string `yaml:"backup_dir"`
	Level     string `yaml:"level"`
	MaxSize   int    `yaml:"max_size"` // MB
	MaxBackup int    `yaml:"max_backups"`
	MaxAge    int    `yaml:"max_age"` // days
	Console   bool   `yaml:"console"` // 同时输出到 stderr
}

type StorageConfig struct {
	Caches         cache.Capacities `yaml:"caches"`
	BranchFactor   int              `yaml:"branch_factor"`
	SmallValueSize int              `yaml:"small_value_size"` // 不超过该长度的值随叶子一起加载
	BlobCacheBytes int64            `yaml:"blob_cache_bytes"`
	OpenFileLimit  int              `yaml:"open_file_limit"`
	FlushInterval  time.Duration    `yaml:"flush_interval"`
	FlushQueueSize int              `yaml:"flush_queue_size"`
	SyncWrites     bool             `yaml:"sync_writes"`
}

type ListenConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type ServerConfig struct {
	DataDir string        `yaml:"data_dir"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Server  ListenConfig  `yaml:"server"`
}

const (
	DefaultDataDir     = "/opt/nexus-tree/data"
	DefaultGRPCAddr    = ":8080"
	DefaultMetricsAddr = ":9090"
	DefaultLogRunDir   = "/var/log/nexus-tree/run"
	DefaultLogBakDir   = "/var/log/nexus-tree/bak"

	DefaultBranchFactor   = 64
	DefaultSmallValueSize = 64
	DefaultBlobCacheBytes = 64 << 20
	DefaultOpenFileLimit  = fsys.DefaultOpenFileLimit
)

// Default 所有字段取默认值的配置
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 为未设置的字段填充默认值
func (c *ServerConfig) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = DefaultMetricsAddr
	}

	l := &c.Log
	if l.RunDir == "" {
		l.RunDir = DefaultLogRunDir
	}
	if l.BackupDir == "" {
		l.BackupDir = DefaultLogBakDir
	}
	if l.Level == "" {
		l.Level = "info"
	}
	if l.MaxSize == 0 {
		l.MaxSize = 100
	}
	if l.MaxBackup == 0 {
		l.MaxBackup = 30
	}
	if l.MaxAge == 0 {
		l.MaxAge = 90
	}

	s := &c.Storage
	if s.Caches.Trees == 0 {
		s.Caches.Trees = cache.DefaultCapacities.Trees
	}
	if s.Caches.Internal == 0 {
		s.Caches.Internal = cache.DefaultCapacities.Internal
	}
	if s.Caches.Leaves == 0 {
		s.Caches.Leaves = cache.DefaultCapacities.Leaves
	}
	if s.BranchFactor == 0 {
		s.BranchFactor = DefaultBranchFactor
	}
	if s.SmallValueSize == 0 {
		s.SmallValueSize = DefaultSmallValueSize
	}
	if s.BlobCacheBytes == 0 {
		s.BlobCacheBytes = DefaultBlobCacheBytes
	}
	if s.OpenFileLimit == 0 {
		s.OpenFileLimit = DefaultOpenFileLimit
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = savior.DefaultConfig.Interval
	}
	if s.FlushQueueSize == 0 {
		s.FlushQueueSize = savior.DefaultConfig.QueueSize
	}
}

// Validate 检查存储相关的取值范围, 日志配置由 log 包校验.
func (c *ServerConfig) Validate() error {
	s := c.Storage
	switch {
	case s.Caches.Trees < 1 || s.Caches.Internal < 1 || s.Caches.Leaves < 1:
		return errors.Newf("cache capacities must be positive: %+v", s.Caches)
	case s.BranchFactor < 3:
		return errors.Newf("branch_factor must be at least 3, got %d", s.BranchFactor)
	case s.SmallValueSize < 0:
		return errors.Newf("small_value_size must not be negative, got %d", s.SmallValueSize)
	case s.BlobCacheBytes < 0:
		return errors.Newf("blob_cache_bytes must not be negative, got %d", s.BlobCacheBytes)
	case s.OpenFileLimit < 4:
		return errors.Newf("open_file_limit must be at least 4, got %d", s.OpenFileLimit)
	case s.FlushInterval <= 0:
		return errors.New("flush_interval must be positive")
	case s.FlushQueueSize < 1:
		return errors.Newf("flush_queue_size must be positive, got %d", s.FlushQueueSize)
	}
	return nil
}

func LoadConfig(path string, logger *zap.Logger) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}

	logger.Info("Loaded server config.",
		zap.String("config_path", path),
		zap.Any("config", cfg),
	)
	return &cfg, nil
}
