package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/config"
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, team library and handler without connecting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			lib, team, err := loadTeam(cfg.Matchmaking)
			if err != nil {
				return err
			}
			if _, err := newHandlerFactory(cfg.Handler, zap.NewNop()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:       %s\n", cfg.Server.URL)
			fmt.Fprintf(out, "auth:         %s as %s\n", cfg.Auth.URL, cfg.Auth.Username)
			fmt.Fprintf(out, "format:       %s\n", cfg.Matchmaking.Format)
			fmt.Fprintf(out, "team:         %s (%s) of %d in %s\n", team.ID, strings.Join(team.Members(), ", "), lib.Len(), cfg.Matchmaking.TeamsDir)
			fmt.Fprintf(out, "handler:      %s\n", cfg.Handler.Kind)
			fmt.Fprintf(out, "max_parallel: %d\n", cfg.Pool.MaxParallel)
			if cfg.Health.Enabled() {
				fmt.Fprintf(out, "health:       %s\n", cfg.Health.Addr())
			} else {
				fmt.Fprintln(out, "health:       disabled")
			}
			return nil
		},
	}
}
