package main

import (
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/urfave/cli/v2"
)

func newCmd_Version() *cli.Command {
	return &cli.Command{
		Name:        "version",
		Usage:       "Print version information of this binary.",
		Description: "Print version information of this binary.",
		Flags:       []cli.Flag{},
		Action: func(c *cli.Context) error {
			fmt.Println("INVINDEX CLI")
			fmt.Printf("Tag/Branch: %s\n", GitTag)
			fmt.Printf("Commit: %s\n", GitCommit)
			fmt.Printf("Index format: %s v%d\n", wordIndexName, wordIndexVersion)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("More info:\n")
				for _, setting := range info.Settings {
					if slices.Contains(buildSettings, setting.Key) {
						fmt.Printf("  %s: %s\n", setting.Key, setting.Value)
					}
				}
			}
			return nil
		},
	}
}

var (
	GitCommit string
	GitTag    string
)

var buildSettings = []string{
	"-compiler",
	"GOARCH",
	"GOOS",
	"GOAMD64",
	"vcs",
	"vcs.revision",
	"vcs.time",
	"vcs.modified",
}
