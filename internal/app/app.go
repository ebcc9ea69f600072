// Package app wires the engine together: configuration, knowledge DB,
// WPL/OML model loading, sink construction, pipeline workers, and the
// task manager that owns their lifecycle.
package app

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"wparse/internal/config"
	"wparse/pkg/actor"
	"wparse/pkg/knowledge"
	"wparse/pkg/oml"
	"wparse/pkg/pipeline"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/stat"
	"wparse/pkg/types"
	"wparse/pkg/wpl"
)

// Mode selects how the engine terminates.
type Mode int

const (
	// ModeDaemon runs until a signal arrives.
	ModeDaemon Mode = iota
	// ModeBatch runs until every source reaches EOF, then drains and
	// exits.
	ModeBatch
)

// Options carries the CLI surface. Zero Parallel/SpeedLimit and false
// SkipParse/SkipSink defer to engine.toml; zero StatSec becomes 10 and
// zero LineMax uses the connector default.
type Options struct {
	Mode       Mode
	WorkRoot   string
	WplDir     string
	Parallel   int
	LineMax    int
	SpeedLimit int
	SkipParse  bool
	SkipSink   bool
	StatSec    int
	StatPrint  bool
	HTTPAddr   string // optional health/metrics listener, "" disables
}

// App owns every long-lived engine component. Registries and model
// tables are built once in New and never mutated afterward; Run only
// starts goroutines against them.
type App struct {
	cfg  *config.EngineConfig
	opts Options
	log  *logrus.Entry

	provider *knowledge.Provider
	rescue   *sinkcoord.RescueFileWriter
	manager  *actor.TaskManager
	monitor  *stat.ActorMonitor

	infra           map[string]*sinkcoord.SinkGroupAgent
	business        *sinkcoord.SinkRouteAgent
	alloc           *sinkcoord.ParserResAlloc
	infraWorkers    []*sinkcoord.SinkWorker
	businessWorkers []*sinkcoord.SinkWorker

	rules   []*wpl.Rule
	models  map[string]*oml.Model
	binding map[string]string // rule_key -> model name

	sources []pipeline.Source

	httpSrv *http.Server
	stopCh  chan struct{}

	// closers run LIFO on shutdown after the task manager drains.
	closers []func()
}

// New loads configuration and builds every component of the engine
// without starting any goroutine.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.WorkRoot)
	if err != nil {
		return nil, err
	}
	applyCLIOverrides(cfg, &opts)

	log := logrus.WithField("comp", "app")
	a := &App{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		manager: actor.NewTaskManager(log),
		infra:   make(map[string]*sinkcoord.SinkGroupAgent),
		binding: make(map[string]string),
		stopCh:  make(chan struct{}),
	}

	if err := a.buildKnowledge(); err != nil {
		return nil, err
	}
	if err := a.buildModels(); err != nil {
		return nil, err
	}
	if err := a.buildSinks(); err != nil {
		return nil, err
	}
	if err := a.buildSources(); err != nil {
		return nil, err
	}
	return a, nil
}

func applyCLIOverrides(cfg *config.EngineConfig, opts *Options) {
	if opts.Parallel > 0 {
		cfg.Performance.ParseWorkers = opts.Parallel
	}
	if opts.SpeedLimit > 0 {
		cfg.Performance.RateLimitRPS = opts.SpeedLimit
	}
	if opts.SkipParse {
		cfg.SkipParse = true
	}
	if opts.SkipSink {
		cfg.SkipSink = true
	}
	if opts.WplDir != "" {
		cfg.Models.WPL = opts.WplDir
	}
	if opts.StatSec <= 0 {
		opts.StatSec = 10
	}
}

// Run starts the pipeline, blocks until shutdown completes, and releases
// every resource. Signals (INT/TERM) request a graceful stop.
func (a *App) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.writePidFile(); err != nil {
		a.log.WithError(err).Warn("pid file")
	}

	a.startHTTP()
	a.startPipeline()

	go func() {
		select {
		case sig := <-sigCh:
			a.log.WithField("signal", sig.String()).Info("shutdown requested")
			a.manager.RequestStop()
		case <-a.stopCh:
		}
	}()

	a.manager.Run()
	close(a.stopCh)

	a.shutdownHTTP()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.removePidFile()
	return nil
}

// Stop requests a graceful shutdown from outside (tests, embedding).
func (a *App) Stop() { a.manager.RequestStop() }

func (a *App) runDir() string {
	return filepath.Join(a.cfg.WorkRoot, ".run")
}

func (a *App) writePidFile() error {
	dir := a.runDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "wparse.pid"), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func (a *App) removePidFile() {
	os.Remove(filepath.Join(a.runDir(), "wparse.pid"))
}

func (a *App) statInterval() time.Duration {
	return time.Duration(a.opts.StatSec) * time.Second
}

// robustness is resolved once; workers read the value, never the config.
func (a *App) robustness() types.Robustness { return a.cfg.Robustness() }
