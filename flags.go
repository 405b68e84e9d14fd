package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/memwatch"
	"github.com/rpcpool/invindex/metrics"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func indexFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "index-dir",
			Usage:    "directory holding the index files",
			EnvVars:  []string{"INVINDEX_INDEX_DIR"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   fmt.Sprintf("storage backend: %s, %s or %s", backendLog, backendPebble, backendMemory),
			EnvVars: []string{"INVINDEX_BACKEND"},
			Value:   backendLog,
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a JSON or YAML index configuration file",
			EnvVars: []string{"INVINDEX_CONFIG"},
		},
		&cli.IntFlag{
			Name:    "forward-cache-mb",
			Usage:   "size of the forward index read cache in megabytes; 0 disables it",
			EnvVars: []string{"INVINDEX_FORWARD_CACHE_MB"},
			Value:   64,
		},
		&cli.BoolFlag{
			Name:    "debug-checks",
			Usage:   "enable the container consistency and serialization checks",
			EnvVars: []string{"INVINDEX_DEBUG_CHECKS"},
		},
	}
}

func loadConfig(c *cli.Context) (indexconfig.Config, error) {
	cfg := indexconfig.Default()
	if path := c.String("config"); path != "" {
		loaded, err := indexconfig.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.Bool("debug-checks") {
		cfg.Debug = true
		cfg.CheckSerialization = true
	}
	return cfg, cfg.Validate()
}

func indexOptionsFrom(c *cli.Context, readOnly bool) (indexOptions, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return indexOptions{}, err
	}
	opts := indexOptions{
		dir:      c.String("index-dir"),
		backend:  c.String("backend"),
		cfg:      cfg,
		readOnly: readOnly,

		forwardCacheMB: c.Int("forward-cache-mb"),
	}
	if !readOnly {
		opts.watcher = memwatch.New(cfg, nil)
	}
	if c.String("metrics-addr") != "" {
		if err := prometheus.Register(metrics.NewDirCollector(opts.dir)); err != nil {
			klog.Errorf("failed to register index dir collector: %v", err)
		}
	}
	return opts, nil
}
