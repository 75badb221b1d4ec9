package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/normanking/genesis/internal/accel"
	"github.com/normanking/genesis/internal/bus"
	"github.com/normanking/genesis/internal/classify"
	"github.com/normanking/genesis/internal/config"
	"github.com/normanking/genesis/internal/direct"
	"github.com/normanking/genesis/internal/fallback"
	"github.com/normanking/genesis/internal/feedback"
	"github.com/normanking/genesis/internal/llm"
	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/memory"
	"github.com/normanking/genesis/internal/metrics"
	"github.com/normanking/genesis/internal/pipeline"
	"github.com/normanking/genesis/internal/solver"
	"github.com/normanking/genesis/internal/store"
	"github.com/normanking/genesis/internal/timesync"
	"github.com/normanking/genesis/internal/tone"
	"github.com/normanking/genesis/internal/trace"
	"github.com/normanking/genesis/internal/uncertainty"
	"github.com/normanking/genesis/internal/websearch"
)

// Static cascade trust for the hosted providers. Websearch reports its own
// computed confidence instead.
const (
	perplexityTrust = 0.75
	claudeTrust     = 0.85
)

// runtime holds the wired components and everything that needs a clean stop.
type runtime struct {
	store     *store.Store
	clock     *timesync.Service
	memory    *memory.Manager
	metrics   *metrics.Store
	collector *metrics.Collector
	bus       *bus.Bus
	observer  *bus.Observer
	ctrl      *pipeline.Controller
}

// buildRuntime constructs every component from the loaded configuration.
// This is the only place concrete bindings happen.
func buildRuntime() (*runtime, error) {
	log := logging.Global().WithComponent("Startup")

	st, err := store.New(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clock := timesync.New(&timesync.Config{
		RefreshInterval: secondsOrDefault(cfg.TimeSync.RefreshIntervalSec, timesync.DefaultRefreshInterval),
		KnowledgeCutoff: cfg.KnowledgeCutoffDate(),
	})
	clock.Start()

	memCfg := memory.DefaultConfig()
	memCfg.SessionSize = cfg.Memory.SessionSize
	memCfg.LongTermSize = cfg.Memory.LongTermSize
	memCfg.PruneThreshold = cfg.Memory.PruneThreshold
	memCfg.PruneKeepRatio = cfg.Memory.PruneKeepRatio
	mem := memory.New(memCfg, st)

	ledger := feedback.NewLedger(st)
	learning := feedback.NewLearningLog(st)

	meta := mem.Meta()
	toneCtrl := tone.New(meta.Tone, meta.Verbosity)

	local, err := llm.NewProvider(cfg.LLM.DefaultProvider, cfg)
	if err != nil {
		return nil, fmt.Errorf("local provider: %w", err)
	}
	perplexity, err := llm.NewProvider("perplexity", cfg)
	if err != nil {
		return nil, err
	}
	claude, err := llm.NewProvider("claude", cfg)
	if err != nil {
		return nil, err
	}

	agg := websearch.New(&websearch.Config{
		MaxWorkers:       cfg.WebSearch.MaxWorkers,
		OverallTimeout:   secondsOrDefault(cfg.WebSearch.OverallTimeoutSec, 15*time.Second),
		PerSourceTimeout: secondsOrDefault(cfg.WebSearch.PerSourceTimeoutSec, 10*time.Second),
		CacheTTL:         time.Duration(cfg.WebSearch.CacheTTLMin) * time.Minute,
		UseCache:         true,
	}, st)

	// The claude leg only runs while the assist flag file exists.
	assistGate := func() bool {
		_, err := os.Stat(cfg.AssistFlagPath())
		return err == nil
	}

	webSrc := fallback.NewWebSearchSource(agg)
	perplexitySrc := fallback.NewProviderSource(perplexity, perplexityTrust, nil)
	claudeSrc := fallback.NewProviderSource(claude, claudeTrust, assistGate)

	orch := fallback.New(&fallback.Config{
		SourceTimeout:          secondsOrDefault(cfg.Fallback.SourceTimeoutSec, fallback.DefaultSourceTimeout),
		WebSearchMinConfidence: cfg.Fallback.WebSearchMinConfidence,
	}, st, ledger, webSrc, perplexitySrc, claudeSrc)

	db, err := metrics.Open(cfg.MetricsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	ms, err := metrics.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.NewWithHistory(100)
	collector := metrics.NewCollector(eventBus, ms)
	collector.Start()

	var observer *bus.Observer
	if cfg.Bus.ObserverEnabled {
		observer = bus.NewObserver(eventBus, bus.ObserverConfig{
			Port:          cfg.Bus.ObserverPort,
			ReplayHistory: true,
			HistoryCount:  100,
		})
		if err := observer.Start(); err != nil {
			log.Warn("observer failed to start: %v", err)
			observer = nil
		}
	}

	accelMgr := newAccelManager(st)

	ctrl, err := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Store:      st,
		Clock:      clock,
		Memory:     mem,
		Classifier: classify.New(),
		Direct:     direct.New(mem, dumpConfig),
		Solver:     solver.New(),
		Tracer:     trace.New(),
		Detector:   uncertainty.New(cfg.Fallback.ConfidenceThreshold),
		Tone:       toneCtrl,
		Ledger:     ledger,
		Learning:   learning,
		Local:      local,
		Fallback:   orch,
		Sources: map[string]fallback.Source{
			"websearch":  webSrc,
			"perplexity": perplexitySrc,
			"claude":     claudeSrc,
		},
		Metrics: ms,
		Bus:     eventBus,
		Accel:   accelMgr,
	})
	if err != nil {
		return nil, err
	}

	log.Info("runtime ready: base=%s provider=%s", cfg.BaseDir, cfg.LLM.DefaultProvider)
	return &runtime{
		store:     st,
		clock:     clock,
		memory:    mem,
		metrics:   ms,
		collector: collector,
		bus:       eventBus,
		observer:  observer,
		ctrl:      ctrl,
	}, nil
}

// shutdown stops background work and flushes state, newest first.
func (rt *runtime) shutdown() {
	if rt.observer != nil {
		rt.observer.Stop()
	}
	rt.collector.Stop()
	rt.bus.Close()
	rt.clock.Stop()
	rt.memory.Flush()
	rt.metrics.Close()
}

func newAccelManager(st *store.Store) *accel.Manager {
	return accel.NewManager(&accel.Config{
		BatteryThresholdPct: cfg.Accel.BatteryThresholdPct,
		TempThresholdC:      cfg.Accel.TempThresholdC,
		CacheTTL:            time.Duration(cfg.Accel.BenchCacheHours) * time.Hour,
	}, st)
}

// dumpConfig renders the configuration for the direct handler's
// self-description queries, with secrets masked.
func dumpConfig() string {
	shown := *cfg
	shown.Bridge.Secret = "********"
	masked := make(map[string]config.ProviderConfig, len(shown.LLM.Providers))
	for name, p := range shown.LLM.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		masked[name] = p
	}
	shown.LLM.Providers = masked
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Sprintf("config unavailable: %v", err)
	}
	return string(data)
}

func secondsOrDefault(sec int, fallbackDur time.Duration) time.Duration {
	if sec <= 0 {
		return fallbackDur
	}
	return time.Duration(sec) * time.Second
}
