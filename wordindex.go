package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/forward"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/kv"
	"github.com/rpcpool/invindex/kv/cachedkv"
	"github.com/rpcpool/invindex/kv/logkv"
	"github.com/rpcpool/invindex/kv/memkv"
	"github.com/rpcpool/invindex/kv/pebblekv"
	"github.com/rpcpool/invindex/mapreduce"
	"github.com/rpcpool/invindex/memwatch"
	"github.com/rpcpool/invindex/storage"
	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

const (
	backendLog    = "logkv"
	backendPebble = "pebble"
	backendMemory = "memory"

	wordIndexName    = "words"
	wordIndexVersion = 1

	// rebuildMarker is created in the index dir when the index asks to be
	// rebuilt; the next run of the index command starts from scratch.
	rebuildMarker = "REBUILD"
)

type wordIndex = mapreduce.Index[string, int32, string]

// wordCounts maps the words of a text to the number of times they occur.
// Words are NFKC-normalized and lowercased; tokens without a letter or a
// digit are dropped.
func wordCounts(ctx context.Context, text string) (map[string]int32, error) {
	counts := make(map[string]int32)
	toks := words.FromString(text)
	for n := 0; toks.Next(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok := normalizeWord(toks.Value())
		if tok == "" {
			continue
		}
		counts[tok]++
	}
	return counts, nil
}

func normalizeWord(tok string) string {
	if strings.IndexFunc(tok, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return ""
	}
	return strings.ToLower(norm.NFKC.String(tok))
}

func wordExtension() mapreduce.Extension[string, int32, string] {
	return mapreduce.Extension[string, int32, string]{
		Name:              wordIndexName,
		Version:           wordIndexVersion,
		Indexer:           mapreduce.IndexerFunc[string, int32, string](wordCounts),
		KeyDescriptor:     externalizer.String{},
		ValueExternalizer: externalizer.Int32{},
		KeyOrder:          cmp.Compare[string],
	}
}

func backendFactory(backend string, dir string, name string) (kv.Factory, error) {
	switch backend {
	case backendLog:
		return logkv.Factory(filepath.Join(dir, name+".log")), nil
	case backendPebble:
		return pebblekv.Factory(filepath.Join(dir, name)), nil
	case backendMemory:
		return memkv.Factory(nil), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want %s, %s or %s)", backend, backendLog, backendPebble, backendMemory)
	}
}

type indexOptions struct {
	dir      string
	backend  string
	cfg      indexconfig.Config
	readOnly bool
	watcher  *memwatch.Watcher
	// forwardCacheMB caps the read cache of the forward index; zero
	// disables it.
	forwardCacheMB int
}

func openWordIndex(opts indexOptions) (*wordIndex, error) {
	if err := os.MkdirAll(opts.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	ext := wordExtension()
	invFactory, err := backendFactory(opts.backend, opts.dir, ext.Name+".inverted")
	if err != nil {
		return nil, err
	}
	fwdFactory, err := backendFactory(opts.backend, opts.dir, ext.Name+".forward")
	if err != nil {
		return nil, err
	}
	if opts.forwardCacheMB > 0 {
		fwdFactory = cachedkv.Factory(fwdFactory, opts.forwardCacheMB)
	}

	st, err := storage.New(invFactory, ext.KeyDescriptor, ext.ValueExternalizer, opts.cfg,
		storage.Name(ext.Name),
		storage.ReadOnly(opts.readOnly),
	)
	if err != nil {
		return nil, err
	}
	fwdKV, err := forward.NewKV(fwdFactory)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	fwd := forward.Bind[string, int32](fwdKV, forward.MapAccessor[string, int32]{
		Keys:   ext.KeyDescriptor,
		Values: ext.ValueExternalizer,
		Order:  ext.KeyOrder,
	})

	mrOpts := []mapreduce.Option{
		mapreduce.WithConfig(opts.cfg),
		mapreduce.WithRebuildRequester(func(cause error) {
			klog.Errorf("index %s needs a rebuild: %v", ext.Name, cause)
			marker := filepath.Join(opts.dir, rebuildMarker)
			if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"+cause.Error()+"\n"), 0o644); err != nil {
				klog.Errorf("failed to write %s: %v", marker, err)
			}
		}),
	}
	if opts.watcher != nil {
		mrOpts = append(mrOpts, mapreduce.WithLowMemoryWatcher(opts.watcher))
	}
	idx, err := mapreduce.New(ext, storage.IndexStorage[string, int32](st), fwd, mrOpts...)
	if err != nil {
		return nil, errors.Join(err, st.Close(), fwd.Close())
	}
	return idx, nil
}

// needsRebuild reports whether a previous run asked for the index in dir
// to be rebuilt.
func needsRebuild(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, rebuildMarker))
	return err == nil
}
