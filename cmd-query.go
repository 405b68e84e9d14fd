package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/davecgh/go-spew/spew"
	"github.com/rpcpool/invindex/container"
	"github.com/urfave/cli/v2"
)

func newCmd_Query() *cli.Command {
	return &cli.Command{
		Name:        "query",
		Usage:       "Find the files that contain words.",
		Description: "Print, for each word, the files containing it with their occurrence counts. With --all, print only the files that contain every word.",
		ArgsUsage:   "<word> [<word>...]",
		Flags: append(indexFlags(),
			&cli.BoolFlag{
				Name:  "all",
				Usage: "print the files containing all the words",
			},
			&cli.BoolFlag{
				Name:  "dump",
				Usage: "dump the raw value containers",
			},
		),
		Action: func(c *cli.Context) (err error) {
			if c.NArg() == 0 {
				return cli.Exit("missing <word>", 1)
			}
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

			var common *roaring.Bitmap
			for _, arg := range c.Args().Slice() {
				word := normalizeWord(arg)
				if word == "" {
					return fmt.Errorf("%q is not a word", arg)
				}
				data, err := idx.GetData(c.Context, word)
				if err != nil {
					return err
				}
				if c.Bool("dump") {
					spew.Dump(word, data.AsMap())
				}
				ids := roaring.New()
				hits := wordHits(data, paths)
				for _, h := range hits {
					ids.Add(uint32(h.id))
				}
				if common == nil {
					common = ids
				} else {
					common.And(ids)
				}
				if c.Bool("all") {
					continue
				}
				fmt.Printf("%s: %d files\n", word, len(hits))
				for _, h := range hits {
					fmt.Printf("  %s (%d)\n", h.path, h.count)
				}
			}
			if c.Bool("all") {
				fmt.Printf("%d files contain all words\n", common.GetCardinality())
				for it := common.Iterator(); it.HasNext(); {
					fmt.Printf("  %s\n", paths[int32(it.Next())])
				}
			}
			return nil
		},
	}
}

type wordHit struct {
	id    int32
	path  string
	count int32
}

// wordHits lists the inputs of data, most occurrences first.
func wordHits(data container.ValueContainer[int32], paths map[int32]string) []wordHit {
	var hits []wordHit
	data.ForEach(func(count int32, ids container.InputIDs) error {
		ids.ForEach(func(id int32) bool {
			hits = append(hits, wordHit{id: id, path: paths[id], count: count})
			return true
		})
		return nil
	})
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].count != hits[j].count {
			return hits[i].count > hits[j].count
		}
		return hits[i].path < hits[j].path
	})
	return hits
}
