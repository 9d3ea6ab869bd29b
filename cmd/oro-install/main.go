// Command oro-install is a thin wire-up over the install engine: it
// constructs an Engine from flags and runs one install. Full CLI parsing,
// progress rendering, and config-file loading live outside this
// repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/orogene/orogene-sub001/internal/engconfig"
	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engine"
)

func main() {
	var (
		dir        = flag.String("dir", ".", "project directory")
		cacheDir   = flag.String("cache", "", "cache directory (default: platform user cache)")
		registry   = flag.String("registry", "", "registry base URL")
		validate   = flag.Bool("validate", false, "re-hash existing files before skipping them")
		preferCopy = flag.Bool("prefer-copy", false, "copy files instead of linking")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	engctx.SetDefaultLogger(logrus.NewEntry(logger))

	cfg := engconfig.Default()
	cfg.CacheDir = *cacheDir
	if cfg.CacheDir == "" {
		cfg.CacheDir = os.Getenv("ORO_CACHE")
	}
	if *registry != "" {
		cfg.Registry = *registry
	}
	cfg.Realise.Validate = *validate
	cfg.Realise.PreferCopy = *preferCopy

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "oro-install:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := eng.Install(ctx, *dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "oro-install:", err)
		os.Exit(1)
	}
	fmt.Printf("installed %d packages (%d unchanged, %d removed)\n",
		report.Stats.Placed, report.Stats.Skipped, report.Stats.Removed)
}
