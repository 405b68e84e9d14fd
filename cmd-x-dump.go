package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func newCmd_XDump() *cli.Command {
	return &cli.Command{
		Name:        "x-dump",
		Usage:       "Dump the whole inverted index.",
		Description: "Print every word of the index with the inputs it occurs in, in key order.",
		Flags: append(indexFlags(),
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "dump the containers with spew",
			},
		),
		Action: func(c *cli.Context) (err error) {
			opts, err := indexOptionsFrom(c, true)
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
			paths := reg.Paths()

			var keys []string
			if err := idx.ProcessAllKeys(c.Context, func(key string) error {
				keys = append(keys, key)
				return nil
			}); err != nil {
				return err
			}
			sort.Strings(keys)
			for _, key := range keys {
				data, err := idx.GetData(c.Context, key)
				if err != nil {
					return err
				}
				if data.Size() == 0 {
					continue
				}
				if c.Bool("raw") {
					spew.Dump(key, data.AsMap())
					continue
				}
				fmt.Printf("%s\n", key)
				for _, h := range wordHits(data, paths) {
					fmt.Printf("  %d %s (%d)\n", h.id, h.path, h.count)
				}
			}
			return nil
		},
	}
}
