// cmd/nexustree/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/config"
	"github.com/imReese/NexusTree/pkg/storage"
)

type globalFlags struct {
	configPath string
	dataDir    string
	verbose    bool
}

var flags globalFlags

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nexustree",
		Short:         "File-backed concurrent B+ tree store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the yaml config file")
	root.PersistentFlags().StringVarP(&flags.dataDir, "data-dir", "d", "", "data directory, overrides the config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log storage events to stderr")

	root.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newPutCmd(),
		newGetCmd(),
		newDelCmd(),
		newScanCmd(),
		newBoundCmd(),
		newInspectCmd(),
		newStatsCmd(),
	)
	return root
}

// loadConfig 没有配置文件时使用默认值, --data-dir 总是优先.
func loadConfig(logger *zap.Logger) (*config.ServerConfig, error) {
	var (
		cfg *config.ServerConfig
		err error
	)
	if flags.configPath != "" {
		if cfg, err = config.LoadConfig(flags.configPath, logger); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	return cfg, nil
}

func cliLogger() *zap.Logger {
	if !flags.verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// withStore 打开存储执行 fn, 结束时关闭存储, 关闭会把未落盘的修改写回.
func withStore(fn func(s *storage.Store) error) (err error) {
	logger := cliLogger()
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	s, err := storage.Open(cfg.DataDir, storage.OptionsFromConfig(cfg.Storage, logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// withTree 在 withStore 的基础上打开已有的树.
func withTree(name string, fn func(s *storage.Store, t *storage.Tree) error) error {
	return withStore(func(s *storage.Store) error {
		t, err := s.GetTree(name)
		if err != nil {
			return err
		}
		defer s.ReleaseTree(t)
		return fn(s, t)
	})
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
