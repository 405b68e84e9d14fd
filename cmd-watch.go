package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func newCmd_Watch() *cli.Command {
	return &cli.Command{
		Name:        "watch",
		Usage:       "Keep the index of a directory up to date.",
		Description: "Watch <source-dir> and re-index files as they are written, renamed or removed. Changes are batched and flushed every --interval.",
		ArgsUsage:   "<source-dir>",
		Flags: append(indexFlags(),
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "glob patterns matched against file names",
				Value: cli.NewStringSlice("*"),
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "how often pending changes are indexed and flushed",
				Value: time.Second,
			},
		),
		Action: func(c *cli.Context) error {
			source := c.Args().First()
			if source == "" {
				return cli.Exit("missing <source-dir>", 1)
			}
			opts, err := indexOptionsFrom(c, false)
			if err != nil {
				return err
			}
			return runWatch(c.Context, opts, source, c.StringSlice("include"), c.Duration("interval"))
		},
	}
}

func runWatch(ctx context.Context, opts indexOptions, source string, include []string, interval time.Duration) (err error) {
	source, err = filepath.Abs(source)
	if err != nil {
		return err
	}
	indexDir, err := filepath.Abs(opts.dir)
	if err != nil {
		return err
	}
	idx, err := openWordIndex(opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, idx.Dispose())
	}()
	reg, err := openInputRegistry(opts.dir)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watchTree(watcher, source, indexDir); err != nil {
		return err
	}
	klog.Infof("watching %s", source)

	wg, ctx := errgroup.WithContext(ctx)
	if opts.watcher != nil {
		wg.Go(func() error { return opts.watcher.Run(ctx) })
	}
	wg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pending := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				klog.Errorf("watch error: %v", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&fsnotify.Create == fsnotify.Create {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						if err := watchTree(watcher, ev.Name, indexDir); err != nil {
							klog.Errorf("failed to watch %s: %v", ev.Name, err)
						}
						continue
					}
				}
				if ev.Op == fsnotify.Chmod || !itemMatchesAnyPattern(filepath.Base(ev.Name), include...) {
					continue
				}
				pending[ev.Name] = struct{}{}
			case <-ticker.C:
				if len(pending) == 0 {
					continue
				}
				if err := applyPending(ctx, idx, reg, pending); err != nil {
					return err
				}
				clear(pending)
			}
		}
	})
	return wg.Wait()
}

func applyPending(ctx context.Context, idx *wordIndex, reg *inputRegistry, pending map[string]struct{}) error {
	for path := range pending {
		if info, err := os.Stat(path); err == nil && !info.Mode().IsRegular() {
			continue
		}
		if _, err := indexFile(ctx, idx, reg, path); err != nil {
			return err
		}
	}
	if err := idx.Flush(ctx); err != nil {
		return err
	}
	klog.V(2).Infof("applied %d changed files", len(pending))
	return reg.Save()
}

func watchTree(w *fsnotify.Watcher, root string, skip string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path == skip {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
