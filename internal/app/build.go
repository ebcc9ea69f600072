package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"wparse/internal/config"
	"wparse/pkg/knowledge"
	"wparse/pkg/oml"
	"wparse/pkg/pipeline"
	"wparse/pkg/routing"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/sinks"
	"wparse/pkg/sources"
	"wparse/pkg/wpl"
)

// infraNames are the five reserved destinations the engine itself routes
// to; every one is always present, backed by Null when not configured.
var infraNames = []string{"default", "miss", "residue", "monitor", "error"}

// buildKnowledge opens the authority store under .run/ and imports the
// knowdb bootstrap when one is declared.
func (a *App) buildKnowledge() error {
	if err := os.MkdirAll(a.runDir(), 0o755); err != nil {
		return fmt.Errorf("app: create .run dir: %w", err)
	}
	provider, err := knowledge.Open(filepath.Join(a.runDir(), "authority.db"))
	if err != nil {
		return fmt.Errorf("app: open authority db: %w", err)
	}
	a.provider = provider
	a.closers = append(a.closers, func() { provider.Close() })

	knowPath := filepath.Join(a.cfg.WorkRoot, "models", "knowledge", "knowdb.toml")
	if _, err := os.Stat(knowPath); os.IsNotExist(err) {
		return nil
	}
	loaderCfg, err := knowledge.LoadConfig(knowPath)
	if err != nil {
		return err
	}
	return provider.Import(loaderCfg, filepath.Dir(knowPath))
}

// buildModels compiles every WPL rule file and OML model file found under
// the configured model directories. A missing directory is an empty model
// set, not an error: a pure-forwarding deployment has no rules.
func (a *App) buildModels() error {
	wplDir := a.cfg.AbsModelsDir(a.cfg.Models.WPL)
	if _, err := os.Stat(wplDir); err == nil {
		rules, err := wpl.LoadRuleDir(wplDir, wpl.DefaultPipeRegistry(), nil)
		if err != nil {
			return err
		}
		a.rules = rules
	}

	omlDir := a.cfg.AbsModelsDir(a.cfg.Models.OML)
	a.models = make(map[string]*oml.Model)
	if _, err := os.Stat(omlDir); err == nil {
		models, err := oml.LoadModelDir(omlDir, oml.DefaultPipeRegistry())
		if err != nil {
			return err
		}
		a.models = models
	}
	a.log.WithField("rules", len(a.rules)).WithField("models", len(a.models)).Info("models loaded")
	return nil
}

// nullBackend accepts and discards everything; it backs unconfigured
// infra groups and `type = "null"` business groups.
type nullBackend struct{}

func (nullBackend) TrySend(sinkcoord.SinkUnit) (sinkcoord.TrySendStatus, error) { return sinkcoord.Sended, nil }
func (nullBackend) SendBatch([]sinkcoord.SinkUnit) error                        { return nil }
func (nullBackend) Close() error                                                { return nil }

func (a *App) buildBackend(conf config.BackendConf) (sinkcoord.SinkBackend, error) {
	switch conf.Type {
	case "kafka":
		var kc sinks.KafkaConfig
		if err := config.DecodeBackendBlock(conf.Kafka, &kc); err != nil {
			return nil, err
		}
		return sinks.NewKafkaSink(kc, a.log)
	case "local_file":
		var lc sinks.LocalFileConfig
		if err := config.DecodeBackendBlock(conf.LocalFile, &lc); err != nil {
			return nil, err
		}
		if !filepath.IsAbs(lc.Directory) {
			lc.Directory = filepath.Join(a.cfg.WorkRoot, lc.Directory)
		}
		return sinks.NewLocalFileSink(lc, a.log)
	case "tcp":
		var tc sinks.TCPConfig
		if err := config.DecodeBackendBlock(conf.TCP, &tc); err != nil {
			return nil, err
		}
		return sinks.NewTCPSink(tc, a.log)
	case "", "null":
		return nullBackend{}, nil
	default:
		return nil, fmt.Errorf("app: unknown sink backend type %q", conf.Type)
	}
}

// buildGroupAgent constructs one sink group: parallel replicas, each a
// bounded channel terminal drained by its own worker into its own
// backend instance.
func (a *App) buildGroupAgent(conf config.SinkGroupConf, workers *[]*sinkcoord.SinkWorker) (*sinkcoord.SinkGroupAgent, error) {
	parallel := conf.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	replicas := make([]sinkcoord.SinkTerminal, 0, parallel)
	for i := 0; i < parallel; i++ {
		backend, err := a.buildBackend(conf.Backend)
		if err != nil {
			return nil, fmt.Errorf("app: sink group %q replica %d: %w", conf.Name, i, err)
		}
		terminal := sinkcoord.NewChannelTerminal(1024)
		name := conf.Name
		if parallel > 1 {
			name = fmt.Sprintf("%s#%d", conf.Name, i)
		}
		*workers = append(*workers, sinkcoord.NewSinkWorker(name, terminal, backend, a.rescue, a.robustness(), a.log))
		replicas = append(replicas, terminal)
	}
	return &sinkcoord.SinkGroupAgent{
		SinkID:        conf.Name,
		Terminal:      &sinkcoord.ReplicaGroup{Replicas: replicas},
		FlexibleMatch: conf.Rule,
	}, nil
}

// buildSinks constructs the rescue writer, the five infra sinks, every
// business sink group, and the routing registries, in that order.
func (a *App) buildSinks() error {
	a.rescue = sinkcoord.NewRescueFileWriter(a.cfg.AbsRescuePath(), a.log)
	a.closers = append(a.closers, func() { a.rescue.Close() })

	sinksDir := a.cfg.AbsModelsDir(a.cfg.Models.Sinks)
	ruleReg := routing.NewSinkRuleRegistry()
	modelIdx := routing.NewSinkModelIndex()
	a.business = sinkcoord.NewSinkRouteAgent()

	infraConfs := map[string]config.SinkGroupConf{}
	if dir := filepath.Join(sinksDir, "infra.d"); dirExists(dir) {
		groups, err := config.LoadSinkGroupDir(dir)
		if err != nil {
			return err
		}
		for _, g := range groups {
			infraConfs[g.Name] = g
		}
	}
	for _, name := range infraNames {
		conf, ok := infraConfs[name]
		if !ok {
			a.infra[name] = &sinkcoord.SinkGroupAgent{
				SinkID:   name,
				Terminal: &sinkcoord.ReplicaGroup{Replicas: []sinkcoord.SinkTerminal{sinkcoord.NullTerminal{}}},
			}
			continue
		}
		agent, err := a.buildGroupAgent(conf, &a.infraWorkers)
		if err != nil {
			return err
		}
		a.infra[name] = agent
	}

	if dir := filepath.Join(sinksDir, "business.d"); dirExists(dir) {
		groups, err := config.LoadSinkGroupDir(dir)
		if err != nil {
			return err
		}
		for _, conf := range groups {
			agent, err := a.buildGroupAgent(conf, &a.businessWorkers)
			if err != nil {
				return err
			}
			a.business.Register(agent)
			for _, pat := range conf.Rule {
				ruleReg.Register(pat, conf.Name)
			}
			for _, pat := range conf.OML {
				for _, modelName := range sortedModelNames(a.models) {
					if wildcardMatch(pat, modelName) {
						modelIdx.Register(conf.Name, modelName)
					}
				}
			}
		}
	}
	ruleReg.Freeze()

	a.alloc = &sinkcoord.ParserResAlloc{
		Registry: ruleReg,
		Route:    a.business,
		Default:  a.infra["default"],
	}

	// Bind each concrete rule key to the first OML model of its sink
	// group, if the group declares any. First-registered wins, which is
	// stable because model names are walked in sorted order above.
	for _, rule := range a.rules {
		sinkID, ok := ruleReg.Resolve(rule.Key())
		if !ok {
			continue
		}
		if names := modelIdx.Models(sinkID); len(names) > 0 {
			a.binding[rule.Key()] = names[0]
		}
	}
	return nil
}

// buildSources constructs one pipeline.Source per enabled wpsrc entry by
// merging its connector's default params with the entry's overrides.
func (a *App) buildSources() error {
	wpsrcPath := a.cfg.AbsModelsDir(a.cfg.Models.Sources)
	if !fileExists(wpsrcPath) {
		a.log.Warn("no wpsrc.toml found; engine starts with zero sources")
		return nil
	}
	wpsrc, err := config.LoadWpsrc(wpsrcPath)
	if err != nil {
		return err
	}
	connectors, err := config.LoadConnectors(filepath.Join(a.cfg.WorkRoot, "connectors", "source.d"))
	if err != nil {
		return err
	}

	for _, entry := range wpsrc.Sources {
		if !entry.Enabled() {
			continue
		}
		conn, ok := connectors[entry.Connect]
		if !ok {
			return fmt.Errorf("app: source %q references unknown connector %q", entry.Key, entry.Connect)
		}
		params, err := config.EffectiveParams(conn, entry)
		if err != nil {
			return err
		}
		src, err := a.buildSource(entry.Key, conn.Type, params)
		if err != nil {
			return err
		}
		a.sources = append(a.sources, src)
	}
	return nil
}

func (a *App) buildSource(key, kind string, params map[string]any) (pipeline.Source, error) {
	switch kind {
	case "file":
		return sources.NewFileSource(sources.FileSourceConfig{
			SrcKey:        key,
			Path:          config.ParamString(params, "path", ""),
			FromBeginning: config.ParamBool(params, "from_beginning", false),
			Poll:          config.ParamBool(params, "poll", false),
		}, a.log), nil
	case "udp_syslog", "tcp_syslog":
		proto := "UDP"
		if kind == "tcp_syslog" {
			proto = "TCP"
		}
		lineMax := 4096
		if a.opts.LineMax > 0 {
			lineMax = a.opts.LineMax
		}
		return sources.NewSyslogSource(sources.SyslogSourceConfig{
			SrcKey:         key,
			Protocol:       config.ParamString(params, "protocol", proto),
			Port:           config.ParamInt(params, "port", 0),
			StripHeader:    config.ParamBool(params, "strip_header", false),
			AttachMetaTags: config.ParamBool(params, "attach_meta_tags", false),
			FastStrip:      config.ParamBool(params, "fast_strip", false),
			MaxLineBytes:   config.ParamInt(params, "max_line_bytes", lineMax),
		}, a.log), nil
	case "docker":
		return sources.NewDockerSource(sources.DockerSourceConfig{
			SrcKey:     key,
			Host:       config.ParamString(params, "host", ""),
			PollPeriod: config.ParamString(params, "poll_period", "30s"),
		}, a.log), nil
	default:
		return nil, fmt.Errorf("app: unknown connector type %q", kind)
	}
}

func sortedModelNames(models map[string]*oml.Model) []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wildcardMatch supports * and ? with filepath.Match semantics, where * does
// not cross "/"; it lacks the routing registry's trailing-* prefix rule.
func wildcardMatch(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
