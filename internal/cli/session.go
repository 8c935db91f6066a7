package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/datastore/sqlstore"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/orchestrator"
	"github.com/roach88/syncline/internal/retry"
)

// Overrides replaces collaborators, for testing.
type Overrides struct {
	// OpenStore opens the source ("source") or target ("target") store.
	// If nil, stores are opened from their connection blocks.
	OpenStore func(ctx context.Context, role string, s config.Store) (datastore.DataStore, error)

	Sampler      monitor.Sampler
	Cores        int
	Clock        orchestrator.Clock
	IDs          orchestrator.IDGenerator
	RetryOptions []retry.Option
}

// session is one command's configuration, stores and orchestrator.
type session struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
	closers []io.Closer
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config. Failures are reported through f.
func loadConfig(opts *RootOptions, f *OutputFormatter) (*config.Config, error) {
	f.VerboseLog("Loading configuration from %s", opts.ConfigPath)
	cfg, err := config.Load(opts.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	var problems config.Errors
	if errors.As(err, &problems) {
		details := make([]string, len(problems))
		for i, p := range problems {
			details[i] = p.String()
		}
		_ = f.Error(ErrCodeConfig, fmt.Sprintf("invalid configuration %s", opts.ConfigPath), details)
		e := WrapExitError(ExitCommandError, "invalid configuration", err)
		e.Reported = true
		return nil, e
	}
	return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
}

// openSession loads the configuration, opens every store and builds the
// orchestrator. Failures are reported through f.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*session, error) {
	cfg, err := loadConfig(opts, f)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: newLogger(opts, cmd.ErrOrStderr())}

	source, err := s.openStore(ctx, opts, "source", cfg.Source)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open source store", err)
	}
	target, err := s.openStore(ctx, opts, "target", cfg.Target)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open target store", err)
	}

	clock := opts.Overrides.Clock
	if clock == nil {
		clock = orchestrator.SystemClock{}
	}
	s.logger.Debug("opening job store", "path", cfg.JobStore.Path)
	jobs, err := jobstore.Open(cfg.JobStore.Path, jobstore.WithNow(clock.Now))
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open job store", err)
	}
	s.closers = append(s.closers, jobs)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(s.logger),
		orchestrator.WithClock(clock),
		orchestrator.WithResolver("cli"),
	}
	if opts.Overrides.IDs != nil {
		orchOpts = append(orchOpts, orchestrator.WithIDs(opts.Overrides.IDs))
	}
	orch, err := orchestrator.Build(cfg, orchestrator.Env{
		Source:       source,
		Target:       target,
		Jobs:         jobs,
		Sampler:      opts.Overrides.Sampler,
		Cores:        opts.Overrides.Cores,
		RetryOptions: opts.Overrides.RetryOptions,
	}, orchOpts...)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to build orchestrator", err)
	}
	s.orch = orch
	return s, nil
}

func (s *session) openStore(ctx context.Context, opts *RootOptions, role string, sc config.Store) (datastore.DataStore, error) {
	if opts.Overrides.OpenStore != nil {
		return opts.Overrides.OpenStore(ctx, role, sc)
	}
	s.logger.Debug("opening store", "role", role, "driver", sc.Driver)
	switch sc.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		sopts := []sqlstore.Option{sqlstore.WithLogger(s.logger)}
		if sc.Schema != "" {
			sopts = append(sopts, sqlstore.WithPostgresSchema(sc.Schema))
		}
		st, err := sqlstore.Open(ctx, sc.Driver, sc.DSN, sopts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st)
		return st, nil
	}
}

// Close releases stores in reverse opening order.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Error("error closing store", "error", err)
		}
	}
	s.closers = nil
}

// commandContext returns cmd's context, or Background when unset.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
