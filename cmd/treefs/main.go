// treefs - mounts a git revision as a writable FUSE filesystem
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/radryc/treefs/internal/cache"
	"github.com/radryc/treefs/internal/config"
	treefuse "github.com/radryc/treefs/internal/fuse"
	"github.com/radryc/treefs/internal/git"
	"github.com/radryc/treefs/internal/inode"
	"github.com/radryc/treefs/internal/journal"
	"github.com/radryc/treefs/internal/names"
	"github.com/radryc/treefs/internal/overlay"
)

func main() {
	configPath := flag.String("config", "", "Config file (default $XDG_CONFIG_HOME/treefs/config.yaml)")
	mountpoint := flag.String("mount", "", "Mount point")
	repoPath := flag.String("repo", "", "Path to the git repository")
	revision := flag.String("rev", "", "Revision to mount (default HEAD)")
	overlayDir := flag.String("overlay", "", "Overlay storage directory")
	cacheDir := flag.String("cache", "", "Tree cache directory")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config file and environment
	if *mountpoint != "" {
		cfg.Mount.Point = *mountpoint
	}
	if *repoPath != "" {
		cfg.Repository.Path = *repoPath
	}
	if *revision != "" {
		cfg.Repository.Revision = *revision
	}
	if *overlayDir != "" {
		cfg.Overlay.Dir = *overlayDir
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if *debug {
		cfg.Logging.Level = "DEBUG"
		cfg.Mount.Debug = true
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("treefs failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting treefs",
		"repo", cfg.Repository.Path,
		"rev", cfg.Repository.Revision,
		"mount", cfg.Mount.Point,
		"overlay", cfg.Overlay.Dir,
		"backend", cfg.Overlay.Backend,
	)
	ctx := context.Background()

	// Tree cache is optional
	var treeCache *cache.Cache
	if cfg.Cache.Dir != "" {
		c, err := cache.New(cfg.Cache.Dir, cfg.Cache.TreeTTL, logger)
		if err != nil {
			logger.Warn("failed to initialize cache, continuing without cache", "error", err)
		} else {
			treeCache = c
			defer treeCache.Close()
		}
	}

	store, err := git.Open(cfg.Repository.Path, treeCache, logger)
	if err != nil {
		return err
	}
	rootTree, err := store.ResolveRevision(cfg.Repository.Revision)
	if err != nil {
		return err
	}

	overlayCfg, err := cfg.OverlayOptions()
	if err != nil {
		return err
	}
	ov, err := overlay.New(overlayCfg, logger)
	if err != nil {
		return err
	}
	defer ov.Close()

	j := journal.New(0, logger)
	m, err := inode.NewMount(ctx, inode.MountConfig{
		Store:    store,
		Overlay:  ov,
		Names:    names.New(logger),
		Journal:  j,
		RootTree: &rootTree,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	root := treefuse.NewRoot(m, cfg.Mount.AttrTimeout, logger)
	server, err := treefuse.Mount(cfg.Mount.Point, root, treefuse.MountOptions{
		AllowOther:  cfg.Mount.AllowOther,
		Debug:       cfg.Mount.Debug,
		AttrTimeout: cfg.Mount.AttrTimeout,
	})
	if err != nil {
		return err
	}
	logger.Info("filesystem mounted", "mountpoint", cfg.Mount.Point, "tree", rootTree.String(), "journal", j.ID())

	// Handle unmount on signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, unmounting", "signal", sig)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
		}
	}()

	server.Wait()
	logger.Info("filesystem unmounted", "changes", j.Latest(), "nodes", m.NodeCount())
	return nil
}
