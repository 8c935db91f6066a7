package orchestrator

import (
	"log/slog"

	"github.com/roach88/syncline/internal/adaptive"
	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
)

// Env carries what a configuration document cannot describe: open stores
// and replaceable collaborators.
type Env struct {
	Source datastore.DataStore
	Target datastore.DataStore
	Jobs   JobStore

	// Sampler defaults to sampling the host.
	Sampler monitor.Sampler

	// Cores overrides the core count used for pool recommendations.
	Cores int

	// Enricher serves ai_enrich rules. Nil uses the configured HTTP
	// endpoint, if any.
	Enricher transform.Enricher

	// Funcs resolves custom validation rules. Nil uses validate.Builtins.
	Funcs validate.Funcs

	// RetryOptions are appended to the retrier's options.
	RetryOptions []retry.Option
}

// Build assembles an Orchestrator from cfg. opts are applied after the
// options cfg implies, and their logger and clock are shared with every
// component.
func Build(cfg *config.Config, env Env, opts ...Option) (*Orchestrator, error) {
	scratch := &Orchestrator{clock: SystemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(scratch)
	}
	logger, now := scratch.logger, scratch.clock.Now

	detector, err := detect.New(env.Source, cfg.Tables, detect.WithLogger(logger), detect.WithNow(now))
	if err != nil {
		return nil, err
	}

	mappings, err := cfg.CompileMappings()
	if err != nil {
		return nil, err
	}
	topts := []transform.Option{transform.WithLogger(logger)}
	if enricher := enricherFor(cfg.Enrichment, env.Enricher, logger); enricher != nil {
		topts = append(topts, transform.WithEnricher(enricher))
	}
	transformer, err := transform.New(mappings, topts...)
	if err != nil {
		return nil, err
	}

	funcs := env.Funcs
	if funcs == nil {
		funcs = validate.Builtins()
	}
	rules, err := cfg.CompileRules(funcs)
	if err != nil {
		return nil, err
	}

	controller, err := adaptive.New(cfg.Adaptive(), adaptive.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	mopts := []monitor.Option{
		monitor.WithInterval(cfg.Options.ResourcePollInterval),
		monitor.WithLogger(logger),
		monitor.WithNow(now),
	}
	if env.Cores > 0 {
		mopts = append(mopts, monitor.WithCores(env.Cores))
	}
	mon := monitor.New(env.Sampler, mopts...)

	size := cfg.PoolSize(mon.Recommend(monitor.Default))
	ex, err := executor.New(cfg.ExecutorFlavor(), size, executor.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ropts := append([]retry.Option{retry.WithLogger(logger), retry.WithNow(now)}, env.RetryOptions...)

	deps := Deps{
		Source:      env.Source,
		Target:      env.Target,
		Jobs:        env.Jobs,
		Detector:    detector,
		Transformer: transformer,
		Validator:   validate.New(rules, validate.WithLogger(logger), validate.WithNow(now)),
		Conflicts:   conflict.New(cfg.ConflictPolicy(), conflict.WithLogger(logger), conflict.WithNow(now)),
		Retrier:     retry.New(cfg.RetryPolicy(), ropts...),
		Monitor:     mon,
		Controller:  controller,
		Executor:    ex,
	}
	all := append([]Option{
		WithSchemaValidation(cfg.Options.SchemaValidation),
		WithAutoMigration(cfg.Options.AutoMigration),
		WithWriteParallelism(cfg.Options.WriteParallelism),
	}, opts...)
	return New(deps, all...)
}

func enricherFor(e config.Enrichment, override transform.Enricher, logger *slog.Logger) transform.Enricher {
	if override != nil {
		return override
	}
	if e.Endpoint == "" {
		return nil
	}
	hopts := []transform.HTTPEnricherOption{transform.WithEnricherLogger(logger)}
	if e.RateLimit > 0 {
		hopts = append(hopts, transform.WithRateLimit(e.RateLimit, max(1, e.Burst)))
	}
	if e.Timeout > 0 {
		hopts = append(hopts, transform.WithTimeout(e.Timeout))
	}
	return transform.NewHTTPEnricher(e.Endpoint, hopts...)
}
