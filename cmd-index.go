package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rpcpool/invindex/telemetry"
	"github.com/ryanuber/go-glob"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func newCmd_Index() *cli.Command {
	return &cli.Command{
		Name:        "index",
		Usage:       "Index the text files of a directory.",
		Description: "Index the words of every matching file under <source-dir>. Files indexed by an earlier run are updated in place; files that disappeared are removed from the index.",
		ArgsUsage:   "<source-dir>",
		Flags: append(indexFlags(),
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "glob patterns matched against file names; a file is indexed if any pattern matches",
				Value: cli.NewStringSlice("*"),
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of files mapped in parallel",
				Value: runtime.NumCPU(),
			},
			&cli.BoolFlag{
				Name:  "rebuild",
				Usage: "clear the index before indexing",
			},
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "show a progress bar",
				Value: true,
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
			return runIndex(c.Context, opts, indexRun{
				source:   source,
				include:  c.StringSlice("include"),
				workers:  c.Int("workers"),
				rebuild:  c.Bool("rebuild"),
				progress: c.Bool("progress"),
			})
		},
	}
}

type indexRun struct {
	source   string
	include  []string
	workers  int
	rebuild  bool
	progress bool
}

type indexStats struct {
	files   atomic.Int64
	bytes   atomic.Int64
	removed atomic.Int64
}

func runIndex(ctx context.Context, opts indexOptions, run indexRun) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "index-dir")
	defer func() {
		telemetry.RecordError(span, err, "indexing failed")
		span.End()
	}()
	startedAt := time.Now()

	idx, err := openWordIndex(opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := idx.Dispose(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	reg, err := openInputRegistry(opts.dir)
	if err != nil {
		return err
	}

	if run.rebuild || needsRebuild(opts.dir) {
		klog.Infof("rebuilding index in %s", opts.dir)
		if err := idx.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
		reg.Reset()
		if err := os.Remove(filepath.Join(opts.dir, rebuildMarker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	files, err := listFiles(run.source, opts.dir, run.include)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f] = struct{}{}
	}
	var gone []string
	for _, p := range reg.Sorted() {
		if _, ok := seen[p]; !ok {
			gone = append(gone, p)
		}
	}
	span.SetAttributes(attribute.Int("files", len(files)), attribute.Int("removed", len(gone)))
	klog.Infof("indexing %s files from %s (%d gone since last run)", humanize.Comma(int64(len(files))), run.source, len(gone))

	if opts.watcher != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go opts.watcher.Run(watchCtx)
	}

	var bar *progressbar.ProgressBar
	if run.progress {
		bar = progressbar.NewOptions(len(files)+len(gone),
			progressbar.OptionSetDescription("indexing"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	var stats indexStats
	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(max(run.workers, 1))
	for _, path := range files {
		wg.Go(func() error {
			n, err := indexFile(ctx, idx, reg, path)
			if err != nil {
				return err
			}
			stats.files.Add(1)
			stats.bytes.Add(n)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	for _, path := range gone {
		wg.Go(func() error {
			if err := removeFile(ctx, idx, reg, path); err != nil {
				return err
			}
			stats.removed.Add(1)
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	if err := idx.Flush(ctx); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return fmt.Errorf("failed to save input registry: %w", err)
	}
	klog.Infof(
		"indexed %s files (%s), removed %s, in %s",
		humanize.Comma(stats.files.Load()),
		humanize.Bytes(uint64(stats.bytes.Load())),
		humanize.Comma(stats.removed.Load()),
		time.Since(startedAt).Truncate(time.Millisecond),
	)
	return nil
}

// indexFile maps path and applies the update. It returns the file size.
func indexFile(ctx context.Context, idx *wordIndex, reg *inputRegistry, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, removeFile(ctx, idx, reg, path)
		}
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := string(data)
	id := reg.ID(path)
	u, err := idx.MapInputAndPrepareUpdate(ctx, id, &text)
	if err != nil {
		return 0, fmt.Errorf("failed to map %s: %w", path, err)
	}
	if err := idx.UpdateWith(ctx, u); err != nil {
		return 0, fmt.Errorf("failed to index %s: %w", path, err)
	}
	klog.V(4).Infof("indexed %s as input %d (%d words)", path, id, len(u.NewData()))
	return int64(len(data)), nil
}

// removeFile drops every key of a path that is no longer there.
func removeFile(ctx context.Context, idx *wordIndex, reg *inputRegistry, path string) error {
	id, ok := reg.Lookup(path)
	if !ok {
		return nil
	}
	u, err := idx.MapInputAndPrepareUpdate(ctx, id, nil)
	if err != nil {
		return err
	}
	if err := idx.UpdateWith(ctx, u); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	klog.V(4).Infof("removed %s (input %d)", path, id)
	return nil
}

// listFiles returns the regular files under root whose names match include.
// The index dir is skipped when it lives under root.
func listFiles(root string, indexDir string, include []string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	indexDir, err = filepath.Abs(indexDir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path == indexDir {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() || !itemMatchesAnyPattern(d.Name(), include...) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	return files, nil
}

func itemMatchesAnyPattern(item string, patterns ...string) bool {
	for _, pattern := range patterns {
		if glob.Glob(pattern, item) {
			return true
		}
	}
	return false
}
