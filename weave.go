// Package weave is the composition root for the agent orchestration layer.
// New wires the model client, agent registry, task dispatcher, realtime
// channel hub and session gateway into one process-local system; Run serves
// it over HTTP until the context is cancelled.
package weave

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/crafthaven/weave/agent"
	"github.com/crafthaven/weave/channel"
	"github.com/crafthaven/weave/config"
	"github.com/crafthaven/weave/core"
	"github.com/crafthaven/weave/dispatch"
	"github.com/crafthaven/weave/gateway"
	"github.com/crafthaven/weave/logging"
	"github.com/crafthaven/weave/metrics"
	"github.com/crafthaven/weave/model"
	modelanthropic "github.com/crafthaven/weave/model/anthropic"
	modelopenai "github.com/crafthaven/weave/model/openai"
	"github.com/crafthaven/weave/registry"
	"github.com/crafthaven/weave/session"
)

// Version is stamped at build time.
var Version = "dev"

// Options configures the composition root.
type Options struct {
	// Config defaults to the development configuration.
	Config *config.Config
	// Provider overrides the adapter built from Config. Tests inject a
	// model.MockProvider here.
	Provider model.Provider
	// Archetypes defaults to DefaultArchetypes.
	Archetypes []core.Archetype
	// ModelOptions tunes the shared model client (timeouts, retry ladder).
	ModelOptions func(o *model.Options)
	// Logger defaults to a JSON WeaveLogger at the configured level.
	Logger *logging.WeaveLogger
	// MetricsRegistry defaults to a fresh prometheus registry.
	MetricsRegistry *prometheus.Registry
}

// Weave owns the wired components. All state is process-local.
type Weave struct {
	cfg     *config.Config
	logger  *logging.WeaveLogger
	metrics *metrics.Metrics

	client     *model.Client
	archetypes []core.Archetype
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	hub        *channel.Hub
	gateway    *gateway.Gateway
}

// New wires the orchestration layer. Agents are constructed but not started;
// call StartAgents or Run.
func New(optFns ...func(o *Options)) (*Weave, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{
			ListenAddr:         ":8090",
			Environment:        "development",
			Provider:           "mock",
			AllowedOrigins:     []string{"*"},
			RateLimitWindow:    time.Minute,
			RateLimitMax:       60,
			MaxBodyBytes:       1 << 20,
			LogLevel:           "info",
			PerformanceLogging: true,
			SecurityLogging:    true,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(cfg.LogLevel),
			Component: "weave",
		})
	}

	provider := opts.Provider
	if provider == nil {
		var err error
		provider, err = buildProvider(cfg)
		if err != nil {
			return nil, err
		}
	}

	archetypes := opts.Archetypes
	if archetypes == nil {
		archetypes = DefaultArchetypes()
	}
	for _, arch := range archetypes {
		if err := arch.Validate(); err != nil {
			return nil, err
		}
	}

	promReg := opts.MetricsRegistry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	m := metrics.New(promReg)

	client := model.NewClient(provider, archetypes, func(o *model.Options) {
		o.Logger = logger.WithComponent("model")
		if opts.ModelOptions != nil {
			opts.ModelOptions(o)
		}
	})
	conversations := session.NewInMemoryStore(0)

	w := &Weave{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		client:     client,
		archetypes: archetypes,
	}

	w.registry = registry.New(func(arch core.Archetype) *agent.Instance {
		return agent.New(arch, client, func(o *agent.Options) {
			o.Logger = logger.WithComponent("agent")
			o.Conversations = conversations
			o.Resolver = w.registry
		})
	}, func(o *registry.Options) {
		o.Logger = logger.WithComponent("registry")
	})

	w.hub = channel.NewHub(func(o *channel.Options) {
		o.Logger = logger.WithComponent("channel")
	})

	w.dispatcher = dispatch.New(w.registry, w.hub, func(o *dispatch.Options) {
		o.Logger = logger.WithComponent("dispatch")
		o.Metrics = m
	})
	w.registry.OnAgentEvent(w.dispatcher.HandleAgentEvent)
	w.registry.OnHealthEvent(func(ev registry.HealthEvent) {
		if ev.Kind == registry.HealthRestartScheduled {
			m.AgentRestarts.WithLabelValues(ev.Archetype).Inc()
		}
		logger.Info("health event kind=%s archetype=%s %s", ev.Kind, ev.Archetype, ev.Detail)
	})

	w.gateway = gateway.New(w.dispatcher, w.registry, w.hub, func(o *gateway.Options) {
		o.Service = "weave"
		o.Version = Version
		o.AllowedOrigins = cfg.AllowedOrigins
		o.RateLimitWindow = cfg.RateLimitWindow
		o.RateLimitMax = cfg.RateLimitMax
		o.MaxBodyBytes = cfg.MaxBodyBytes
		o.Production = cfg.IsProduction()
		o.PerformanceLogging = cfg.PerformanceLogging
		o.SecurityLogging = cfg.SecurityLogging
		o.Logger = logger.WithComponent("gateway")
		o.Metrics = m
		o.MetricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	})

	return w, nil
}

// buildProvider constructs the configured upstream adapter.
func buildProvider(cfg *config.Config) (model.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return modelopenai.New(func(o *modelopenai.Options) {
			o.APIKey = cfg.ProviderAPIKey
			if cfg.ProviderModel != "" {
				o.Model = cfg.ProviderModel
			}
		}), nil
	case "anthropic":
		return modelanthropic.New(func(o *modelanthropic.Options) {
			o.APIKey = cfg.ProviderAPIKey
			if cfg.ProviderModel != "" {
				o.Model = anthropic.Model(cfg.ProviderModel)
			}
		}), nil
	case "mock":
		return model.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// StartAgents launches one instance per configured archetype.
func (w *Weave) StartAgents() error {
	for _, arch := range w.archetypes {
		if _, err := w.registry.Start(arch); err != nil {
			return fmt.Errorf("start archetype %s: %w", arch.Name, err)
		}
	}
	return nil
}

// Registry exposes the agent registry.
func (w *Weave) Registry() *registry.Registry { return w.registry }

// Dispatcher exposes the task dispatcher.
func (w *Weave) Dispatcher() *dispatch.Dispatcher { return w.dispatcher }

// Hub exposes the realtime channel hub.
func (w *Weave) Hub() *channel.Hub { return w.hub }

// Gateway exposes the HTTP surface.
func (w *Weave) Gateway() *gateway.Gateway { return w.gateway }

// Run starts the agents and serves HTTP until ctx is cancelled, then drains:
// the listener closes first, then agents stop, then the channel hub closes.
func (w *Weave) Run(ctx context.Context) error {
	if err := w.StartAgents(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              w.cfg.ListenAddr,
		Handler:           w.gateway.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.logger.Info("listening on %s", w.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	w.Close()
	return err
}

// Close stops agents and releases channel and dispatcher resources.
func (w *Weave) Close() {
	w.registry.Close()
	w.dispatcher.Close()
	w.hub.Close()
	w.logger.Info("orchestration layer stopped")
}
