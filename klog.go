package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// NewKlogFlagSet exposes the klog flags as CLI flags. Every flag can also be
// set through an INVINDEX_ prefixed environment variable.
func NewKlogFlagSet() []cli.Flag {
	fs := flag.NewFlagSet("klog", flag.PanicOnError)
	klog.InitFlags(fs)

	fs.Set("v", "2")
	fs.Set("logtostderr", "true")

	envOf := func(name string) []string {
		return []string{"INVINDEX_" + strings.ToUpper(name)}
	}
	set := func(name string) func(*cli.Context, string) error {
		return func(_ *cli.Context, v string) error {
			if v == "" {
				return nil
			}
			return fs.Set(name, v)
		}
	}
	setBool := func(name string) func(*cli.Context, bool) error {
		return func(_ *cli.Context, v bool) error {
			return fs.Set(name, fmt.Sprint(v))
		}
	}

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "v",
			Usage:   "number for the log level verbosity",
			EnvVars: envOf("v"),
			Value:   2,
			Action: func(_ *cli.Context, v int) error {
				return fs.Set("v", fmt.Sprint(v))
			},
		},
		&cli.Uint64Flag{
			Name:        "log_file_max_size",
			Usage:       "maximum size a log file can grow to, in megabytes; 0 means unlimited (no effect when -logtostderr=true)",
			EnvVars:     envOf("log_file_max_size"),
			DefaultText: "1800",
			Action: func(_ *cli.Context, v uint64) error {
				return fs.Set("log_file_max_size", fmt.Sprint(v))
			},
		},
		&cli.BoolFlag{
			Name:        "logtostderr",
			Usage:       "log to standard error instead of files",
			EnvVars:     envOf("logtostderr"),
			DefaultText: "true",
			Action:      setBool("logtostderr"),
		},
	}
	for _, f := range []struct{ name, usage string }{
		{"log_dir", "if non-empty, write log files in this directory (no effect when -logtostderr=true)"},
		{"log_file", "if non-empty, use this log file (no effect when -logtostderr=true)"},
		{"stderrthreshold", "logs at or above this threshold go to stderr when writing to files and stderr"},
		{"vmodule", "comma-separated list of pattern=N settings for file-filtered logging"},
		{"log_backtrace_at", "when logging hits line file:N, emit a stack trace"},
	} {
		flags = append(flags, &cli.StringFlag{Name: f.name, Usage: f.usage, EnvVars: envOf(f.name), Action: set(f.name)})
	}
	for _, f := range []struct{ name, usage string }{
		{"alsologtostderr", "log to standard error as well as files (no effect when -logtostderr=true)"},
		{"add_dir_header", "if true, adds the file directory to the header of the log messages"},
		{"skip_headers", "if true, avoid header prefixes in the log messages"},
		{"one_output", "if true, only write logs to their native severity level"},
		{"skip_log_headers", "if true, avoid headers when opening log files (no effect when -logtostderr=true)"},
	} {
		flags = append(flags, &cli.BoolFlag{Name: f.name, Usage: f.usage, EnvVars: envOf(f.name), Action: setBool(f.name)})
	}
	return flags
}
