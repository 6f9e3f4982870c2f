package main

import (
	"fmt"

	"selfforge/internal/config"
	"selfforge/internal/dispatch"
	"selfforge/internal/embedding"
	"selfforge/internal/evolution"
	"selfforge/internal/logging"
	"selfforge/internal/memory"
	"selfforge/internal/tools"
	"selfforge/internal/tools/core"
)

// app is the fully wired process: every command builds one, uses the pieces
// it needs, and closes it on exit.
type app struct {
	cfg *config.Config

	store      *memory.Engine
	watcher    *memory.Watcher
	dispatcher *dispatch.Dispatcher
	registry   *tools.Registry
	pipeline   *tools.Pipeline

	devEnv   *evolution.Environment
	prodEnv  *evolution.Environment
	manager  *evolution.Manager
	promoter *evolution.Promoter
}

// newApp loads configuration and wires all subsystems.
func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.StateDir, cfg.Logging.DebugMode || verbose, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("%s %s starting", cfg.Name, cfg.Version)

	a := &app{cfg: cfg}
	if err := a.wireMemory(); err != nil {
		return nil, err
	}
	if err := a.wireDispatch(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireTools(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireEvolution(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireMemory() error {
	var embedder embedding.Engine
	if a.cfg.Embedding.Provider != "" {
		eng, err := embedding.NewEngine(embedding.Config{
			Provider:       a.cfg.Embedding.Provider,
			OllamaEndpoint: a.cfg.Embedding.OllamaEndpoint,
			OllamaModel:    a.cfg.Embedding.OllamaModel,
			GenAIAPIKey:    a.cfg.Embedding.GenAIAPIKey,
			GenAIModel:     a.cfg.Embedding.GenAIModel,
		})
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Embedding engine unavailable, search degrades to keyword-only: %v", err)
		} else {
			embedder = eng
		}
	}

	store, err := memory.Open(memory.Options{
		DBPath:           a.cfg.Memory.DBPath,
		LogDir:           a.cfg.Memory.LogDir,
		CacheMaxSize:     a.cfg.Memory.CacheMaxSize,
		CacheMaxAge:      config.Duration(a.cfg.Memory.CacheMaxAge, 0),
		CodeChunkLines:   a.cfg.Memory.CodeChunkLines,
		CodeChunkOverlap: a.cfg.Memory.CodeChunkOverlap,
		Embedder:         embedder,
	})
	if err != nil {
		return err
	}
	a.store = store
	a.watcher = memory.NewWatcher(store, config.Duration(a.cfg.Watcher.Debounce, memory.DefaultDebounce))
	return nil
}

func (a *app) wireDispatch() error {
	providers := map[string]dispatch.Provider{}
	keyrings := map[string]*dispatch.Keyring{}

	for name, pc := range a.cfg.Providers {
		timeout := config.Duration(pc.Timeout, 0)
		switch name {
		case "anthropic":
			pcfg := dispatch.DefaultAnthropicConfig()
			if pc.BaseURL != "" {
				pcfg.BaseURL = pc.BaseURL
			}
			if timeout > 0 {
				pcfg.Timeout = timeout
			}
			providers[name] = dispatch.NewAnthropicProviderWithConfig(pcfg)
		case "openai":
			pcfg := dispatch.DefaultOpenAIConfig()
			if pc.BaseURL != "" {
				pcfg.BaseURL = pc.BaseURL
			}
			if timeout > 0 {
				pcfg.Timeout = timeout
			}
			providers[name] = dispatch.NewOpenAIProviderWithConfig(pcfg)
		default:
			return fmt.Errorf("unknown provider %q in configuration", name)
		}
		keyrings[name] = dispatch.NewKeyring(name, pc.Keys, config.Duration(pc.KeyCooldown, dispatch.DefaultKeyCooldown))
	}

	chain := make([]dispatch.ChainPair, 0, len(a.cfg.FailoverChain))
	for _, entry := range a.cfg.FailoverChain {
		provider, ok := providers[entry.Provider]
		if !ok {
			return fmt.Errorf("failover chain references unconfigured provider %q", entry.Provider)
		}
		chain = append(chain, dispatch.ChainPair{Provider: provider, Model: entry.Model})
	}

	dispatcher, err := dispatch.NewDispatcher(chain, keyrings, a.store)
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher
	return nil
}

func (a *app) wireTools() error {
	security, err := tools.NewSecurityValidator(a.cfg.Security.BaseDirectory, a.cfg.Security.AllowedEndpoints)
	if err != nil {
		return fmt.Errorf("failed to build security validator: %w", err)
	}

	defaults := tools.DefaultBreakerSettings()
	defaults.FailureThreshold = a.cfg.CircuitBreaker.FailureThreshold
	defaults.Cooldown = config.Duration(a.cfg.CircuitBreaker.Cooldown, defaults.Cooldown)
	defaults.SuccessThreshold = a.cfg.CircuitBreaker.SuccessThreshold

	overrides := map[string]tools.BreakerSettings{}
	for name, o := range a.cfg.CircuitBreaker.PerTool {
		s := defaults
		if o.FailureThreshold > 0 {
			s.FailureThreshold = o.FailureThreshold
		}
		if o.Cooldown != "" {
			s.Cooldown = config.Duration(o.Cooldown, s.Cooldown)
		}
		if o.SuccessThreshold > 0 {
			s.SuccessThreshold = o.SuccessThreshold
		}
		overrides[name] = s
	}

	registry := tools.NewRegistry()
	if err := core.RegisterAll(registry, core.Deps{
		BaseDir: a.cfg.Security.BaseDirectory,
		Memory:  a.store,
	}); err != nil {
		return err
	}
	registry.Freeze()

	a.registry = registry
	a.pipeline = tools.NewPipeline(
		registry,
		security,
		tools.NewTokenBucket(a.cfg.RateLimit.Default, a.cfg.RateLimit.PerTool),
		tools.NewCircuitBreaker(defaults, overrides),
		tools.NewTracker(),
		config.Duration(a.cfg.RateLimit.ToolTimeout, 0),
	)
	return nil
}

func (a *app) wireEvolution() error {
	dev, prod, err := evolution.NewEnvironments(a.cfg.Envs)
	if err != nil {
		return err
	}
	a.devEnv = dev
	a.prodEnv = prod
	a.manager = evolution.NewManager(a.store)
	a.promoter = evolution.NewPromoter(a.manager, prod)
	return nil
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Get(logging.CategoryBoot).Warn("Store close failed: %v", err)
		}
	}
}
