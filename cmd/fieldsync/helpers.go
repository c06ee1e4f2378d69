package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	fieldsync "github.com/threatwatch/fieldsync"
)

// core bundles the wired sync components behind one handle for commands.
type core struct {
	cfg     *Config
	store   *fieldsync.Store
	api     *fieldsync.Client
	monitor *fieldsync.ConnectivityMonitor
	cache   *fieldsync.CacheManager
	queue   *fieldsync.SyncQueue
	inbox   *fieldsync.AlertInbox
}

// openCore constructs and opens the sync core from the saved configuration.
// Callers must Close it.
func openCore(verbose bool) (*core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'fieldsync init <base-url>' first")
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		dbPath = filepath.Join(dir, "cache.db")
	}

	logger := log.New(os.Stderr, "fieldsync: ", 0)
	if !verbose {
		logger = nil
	}

	store := fieldsync.NewStore(dbPath)
	if err := store.Open(); err != nil {
		return nil, err
	}

	var clientOpts []fieldsync.ClientOption
	if cfg.Server.Token != "" {
		clientOpts = append(clientOpts, fieldsync.WithToken(cfg.Server.Token))
	}
	if logger != nil {
		clientOpts = append(clientOpts, fieldsync.WithLogger(logger))
	}
	api := fieldsync.NewClient(cfg.Server.BaseURL, clientOpts...)

	monitor := fieldsync.NewConnectivityMonitor(api.Health)
	cache := fieldsync.NewCacheManager(store, api, monitor, logger)
	queue := fieldsync.NewSyncQueue(store, api, monitor, logger)
	inbox := fieldsync.NewAlertInbox(store, queue, logger)

	return &core{
		cfg:     cfg,
		store:   store,
		api:     api,
		monitor: monitor,
		cache:   cache,
		queue:   queue,
		inbox:   inbox,
	}, nil
}

// Close releases the core's resources.
func (c *core) Close() error {
	c.monitor.Stop()
	return c.store.Close()
}

var verboseFlag bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log degraded-path diagnostics to stderr")
}
