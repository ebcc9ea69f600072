// Command wparse runs the log parsing, enrichment, and routing engine.
//
//	wparse daemon [flags]   run until a signal arrives
//	wparse batch  [flags]   run until every source reaches EOF, then exit
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"wparse/internal/app"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var mode app.Mode
	switch os.Args[1] {
	case "daemon":
		mode = app.ModeDaemon
	case "batch":
		mode = app.ModeBatch
	default:
		fmt.Fprintf(os.Stderr, "wparse: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet("wparse "+os.Args[1], flag.ExitOnError)
	workRoot := fs.String("work-root", ".", "engine working directory (conf/, models/, data/)")
	wplDir := fs.String("wpl-dir", "", "override the WPL rule directory")
	parallel := fs.Int("parallel", 0, "number of parser workers (0 uses engine.toml)")
	lineMax := fs.Int("line-max", 0, "maximum input line length in bytes (0 uses connector default)")
	speedLimit := fs.Int("speed-limit", 0, "picker rate limit in events/sec (0 uses engine.toml)")
	skipParse := fs.Bool("skip-parse", false, "bypass the parse stage (fault isolation)")
	skipSink := fs.Bool("skip-sink", false, "bypass the sink stage (fault isolation)")
	statSec := fs.Int("stat-sec", 10, "monitor flush period in seconds")
	statPrint := fs.Bool("stat-print", false, "print the stat table on every flush")
	httpAddr := fs.String("http-addr", "", "optional health/metrics listen address, e.g. :9280")
	verbose := fs.Bool("verbose", false, "debug-level logging")
	fs.Parse(os.Args[2:])

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	a, err := app.New(app.Options{
		Mode:       mode,
		WorkRoot:   *workRoot,
		WplDir:     *wplDir,
		Parallel:   *parallel,
		LineMax:    *lineMax,
		SpeedLimit: *speedLimit,
		SkipParse:  *skipParse,
		SkipSink:   *skipSink,
		StatSec:    *statSec,
		StatPrint:  *statPrint,
		HTTPAddr:   *httpAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wparse: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wparse: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wparse daemon|batch [--work-root <path>] [--wpl-dir <path>] [--parallel <n>]")
	fmt.Fprintln(os.Stderr, "              [--line-max <n>] [--speed-limit <rps>] [--skip-parse] [--skip-sink]")
	fmt.Fprintln(os.Stderr, "              [--stat-sec <n>] [--stat-print] [--http-addr <addr>]")
}
