package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rpcpool/invindex/kv/logkv"
	"github.com/rpcpool/invindex/metrics"
	"github.com/urfave/cli/v2"
)

func newCmd_Stats() *cli.Command {
	return &cli.Command{
		Name:        "stats",
		Usage:       "Print statistics about an index.",
		Description: "Print the number of inputs and words of an index and the space it takes on disk.",
		Flags:       indexFlags(),
		Action: func(c *cli.Context) (err error) {
			opts, err := indexOptionsFrom(c, true)
			if err != nil {
				return err
			}
			dir := opts.dir

			reg, err := openInputRegistry(dir)
			if err != nil {
				return err
			}
			if opts.backend == backendLog {
				// Read the log stats before the index opens the same files.
				for _, name := range []string{wordIndexName + ".inverted", wordIndexName + ".forward"} {
					m, err := logkv.Open(filepath.Join(dir, name+".log"))
					if err != nil {
						return err
					}
					st := m.Stats()
					if err := m.Close(); err != nil {
						return err
					}
					fmt.Printf("%s: %s keys, %s, %s superseded records\n",
						name, humanize.Comma(int64(st.Keys)), humanize.Bytes(uint64(st.Size)), humanize.Comma(int64(st.Superseded)))
				}
			}

			idx, err := openWordIndex(opts)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, idx.Dispose())
			}()
			words := 0
			if err := idx.ProcessAllKeys(c.Context, func(string) error {
				words++
				return nil
			}); err != nil {
				return err
			}
			files, size, err := metrics.DirSize(dir)
			if err != nil {
				return err
			}
			fmt.Printf("inputs: %s\n", humanize.Comma(int64(reg.Len())))
			fmt.Printf("words: %s\n", humanize.Comma(int64(words)))
			fmt.Printf("on disk: %s in %d files\n", humanize.Bytes(uint64(size)), files)
			if needsRebuild(dir) {
				fmt.Println("a rebuild was requested; run index to rebuild")
			}
			return nil
		},
	}
}
