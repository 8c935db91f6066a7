// Package orchestrator drives replication runs end to end.
//
// A run detects changes in the source store, transforms them into target
// records, validates them, resolves conflicts against the current target
// rows and writes the survivors in batches. Batch sizes come from the
// adaptive controller, fed by the resource monitor. Runs, held conflicts
// and watermarks are persisted through a JobStore; progress is published
// on a Feed.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/syncline/internal/adaptive"
	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/convert"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
	"github.com/roach88/syncline/internal/value"
)

// JobStore persists run bookkeeping. *jobstore.Store implements it.
type JobStore interface {
	CreateRun(ctx context.Context, r jobstore.Run) error
	UpdateRun(ctx context.Context, r jobstore.Run) error
	SaveConflict(ctx context.Context, c jobstore.Conflict) error
	GetConflict(ctx context.Context, id string) (jobstore.Conflict, error)
	ListConflicts(ctx context.Context, f jobstore.ConflictFilter) ([]jobstore.Conflict, error)
	MarkResolved(ctx context.Context, id string, resolved *value.Map, strategy, resolver string) error
	SetWatermarks(ctx context.Context, tokens map[string]string, at time.Time) error
	Watermarks(ctx context.Context) (map[string]string, error)
}

var _ JobStore = (*jobstore.Store)(nil)

// Deps are the collaborators of an Orchestrator. Source, Target, Jobs,
// Detector and Transformer are required; the rest default.
type Deps struct {
	Source      datastore.DataStore
	Target      datastore.DataStore
	Jobs        JobStore
	Detector    *detect.Detector
	Transformer *transform.Transformer

	// Validator defaults to one without rules.
	Validator *validate.Validator

	// Conflicts defaults to source_wins for every table.
	Conflicts *conflict.Handler

	// Retrier defaults to retry.DefaultPolicy.
	Retrier *retry.Retrier

	// Monitor defaults to sampling the host.
	Monitor *monitor.Monitor

	// Controller defaults to adaptive.DefaultConfig.
	Controller *adaptive.Controller

	// Executor defaults to an I/O pool of GOMAXPROCS workers.
	Executor executor.Executor

	// Converter defaults to the builtin registry.
	Converter *convert.Registry
}

// Orchestrator runs syncs and conflict operations. Runs may execute
// concurrently; they share the controller history and the feed.
type Orchestrator struct {
	source      datastore.DataStore
	target      datastore.DataStore
	jobs        JobStore
	detector    *detect.Detector
	transformer *transform.Transformer
	validator   *validate.Validator
	conflicts   *conflict.Handler
	retrier     *retry.Retrier
	monitor     *monitor.Monitor
	controller  *adaptive.Controller
	executor    executor.Executor
	converter   *convert.Registry

	feed             *Feed
	clock            Clock
	ids              IDGenerator
	logger           *slog.Logger
	schemaValidation bool
	autoMigration    bool
	writeParallelism int
	resolver         string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFeed sets the status feed. Events are dropped when no feed is set.
func WithFeed(f *Feed) Option {
	return func(o *Orchestrator) {
		o.feed = f
	}
}

// WithClock sets the clock stamping runs, conflicts and watermarks.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithIDs sets the run and conflict ID generator.
func WithIDs(g IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithSchemaValidation enables the pre-run schema check.
func WithSchemaValidation(on bool) Option {
	return func(o *Orchestrator) {
		o.schemaValidation = on
	}
}

// WithAutoMigration records that migration was requested. Target schemas
// are never changed; the schema check only adds a warning.
func WithAutoMigration(on bool) Option {
	return func(o *Orchestrator) {
		o.autoMigration = on
	}
}

// WithWriteParallelism bounds how many writer groups run at once.
func WithWriteParallelism(n int) Option {
	return func(o *Orchestrator) {
		o.writeParallelism = n
	}
}

// WithResolver names who resolves conflicts through this orchestrator.
// Defaults to "api".
func WithResolver(name string) Option {
	return func(o *Orchestrator) {
		o.resolver = name
	}
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []error
	if deps.Source == nil {
		missing = append(missing, errors.New("source store is required"))
	}
	if deps.Target == nil {
		missing = append(missing, errors.New("target store is required"))
	}
	if deps.Jobs == nil {
		missing = append(missing, errors.New("job store is required"))
	}
	if deps.Detector == nil {
		missing = append(missing, errors.New("detector is required"))
	}
	if deps.Transformer == nil {
		missing = append(missing, errors.New("transformer is required"))
	}
	if len(missing) > 0 {
		return nil, failure.Wrap(failure.KindConfig, "orchestrator.new", errors.Join(missing...))
	}

	o := &Orchestrator{
		source:           deps.Source,
		target:           deps.Target,
		jobs:             deps.Jobs,
		detector:         deps.Detector,
		transformer:      deps.Transformer,
		validator:        deps.Validator,
		conflicts:        deps.Conflicts,
		retrier:          deps.Retrier,
		monitor:          deps.Monitor,
		controller:       deps.Controller,
		executor:         deps.Executor,
		converter:        deps.Converter,
		clock:            SystemClock{},
		ids:              UUIDv7Generator{},
		logger:           slog.Default(),
		writeParallelism: 4,
		resolver:         "api",
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.validator == nil {
		o.validator = validate.New(nil, validate.WithLogger(o.logger))
	}
	if o.conflicts == nil {
		o.conflicts = conflict.New(conflict.Policy{}, conflict.WithLogger(o.logger), conflict.WithNow(o.clock.Now))
	}
	if o.retrier == nil {
		o.retrier = retry.New(retry.DefaultPolicy(), retry.WithLogger(o.logger))
	}
	if o.monitor == nil {
		o.monitor = monitor.New(nil, monitor.WithLogger(o.logger), monitor.WithNow(o.clock.Now))
	}
	if o.controller == nil {
		ctrl, err := adaptive.New(adaptive.DefaultConfig(), adaptive.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.controller = ctrl
	}
	if o.executor == nil {
		o.executor = executor.NewIO(0, executor.WithLogger(o.logger))
	}
	if o.converter == nil {
		o.converter = convert.NewRegistry()
	}
	return o, nil
}

// Feed returns the status feed, or nil.
func (o *Orchestrator) Feed() *Feed {
	return o.feed
}

// Monitor returns the resource monitor.
func (o *Orchestrator) Monitor() *monitor.Monitor {
	return o.monitor
}

func (o *Orchestrator) publish(e Event) {
	if o.feed == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = o.clock.Now()
	}
	o.feed.Publish(e)
}
