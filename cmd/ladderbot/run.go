package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/advisor"
	"github.com/cory-johannsen/ladder/internal/auth"
	"github.com/cory-johannsen/ladder/internal/battle"
	"github.com/cory-johannsen/ladder/internal/config"
	"github.com/cory-johannsen/ladder/internal/connection"
	"github.com/cory-johannsen/ladder/internal/health"
	"github.com/cory-johannsen/ladder/internal/matchmaking"
	"github.com/cory-johannsen/ladder/internal/observability"
	"github.com/cory-johannsen/ladder/internal/pool"
	"github.com/cory-johannsen/ladder/internal/scripting"
	"github.com/cory-johannsen/ladder/internal/server"
	"github.com/cory-johannsen/ladder/internal/teams"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the battle pool until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := observability.NewLogger(cfg.Logging, "ladderbot")
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return run(cmd.Context(), cfg, logger)
		},
	}
}

// run wires the pool and blocks until ctx ends, a signal arrives, or a
// service fails.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	start := time.Now()

	_, team, err := loadTeam(cfg.Matchmaking)
	if err != nil {
		return err
	}
	factory, err := newHandlerFactory(cfg.Handler, observability.Component(logger, "handler"))
	if err != nil {
		return err
	}

	opener := &connection.Opener{
		Dialer: connection.WebSocketDialer{
			URL:       cfg.Server.URL,
			Timeout:   cfg.Server.DialTimeout,
			ReadLimit: cfg.Server.ReadLimit,
		},
		Authenticator: auth.NewAuthenticator(cfg.Auth.URL, nil, cfg.Auth.Timeout, observability.Component(logger, "auth")),
		Credentials: connection.Credentials{
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
		},
		Logger: observability.Component(logger, "connection"),
	}

	lifecycle := server.NewLifecycle(logger)

	var observer pool.Observer
	if cfg.Health.Enabled() {
		monitor := health.NewMonitor(cfg.Health.Addr(), observability.Component(logger, "health"))
		observer = monitor
		lifecycle.Add("health", &server.FuncService{
			StartFn: func(context.Context) error { return monitor.Serve() },
			StopFn:  monitor.Stop,
		})
	}

	scheduler := pool.NewScheduler(
		pool.Config{
			MaxParallel:  cfg.Pool.MaxParallel,
			Format:       cfg.Matchmaking.Format,
			Team:         team.Packed,
			Username:     cfg.Auth.Username,
			RetryInitial: cfg.Pool.RetryInitial,
			RetryMax:     cfg.Pool.RetryMax,
		},
		pool.OpenWith(opener),
		matchmaking.NewMatchmaker(observability.Component(logger, "matchmaking")),
		factory,
		battle.NewRunner(observability.Component(logger, "battle")),
		observer,
		observability.Component(logger, "pool"),
	)
	lifecycle.Add("pool", &server.FuncService{StartFn: scheduler.Run})

	logger.Info("ladder bot initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("server", cfg.Server.URL),
		zap.String("username", cfg.Auth.Username),
		zap.String("team", team.ID),
		zap.String("handler", cfg.Handler.Kind),
	)

	if err := lifecycle.Run(ctx); err != nil {
		return fmt.Errorf("running: %w", err)
	}
	return nil
}

func loadTeam(cfg config.MatchmakingConfig) (*teams.Library, *teams.Team, error) {
	lib, err := teams.LoadLibrary(cfg.TeamsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading teams: %w", err)
	}
	team, ok := lib.Get(cfg.Team)
	if !ok {
		return nil, nil, fmt.Errorf("team %q not found in %s (have %v)", cfg.Team, cfg.TeamsDir, lib.IDs())
	}
	if team.Format != "" && team.Format != cfg.Format {
		return nil, nil, fmt.Errorf("team %q is for format %s, not %s", team.ID, team.Format, cfg.Format)
	}
	return lib, team, nil
}

// newHandlerFactory builds the decision handler factory named by cfg.Kind.
func newHandlerFactory(cfg config.HandlerConfig, logger *zap.Logger) (battle.Factory, error) {
	switch cfg.Kind {
	case config.HandlerDefault:
		return battle.NewDefaultChooser, nil
	case config.HandlerLua:
		script, err := scripting.LoadScript(cfg.Script, cfg.InstructionLimit, logger)
		if err != nil {
			return nil, err
		}
		return script.NewHandler, nil
	case config.HandlerAdvisor:
		completer := advisor.NewAnthropicCompleter(cfg.APIKey, cfg.Model, cfg.MaxTokens)
		return advisor.NewFactory(completer, logger), nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q", cfg.Kind)
	}
}
