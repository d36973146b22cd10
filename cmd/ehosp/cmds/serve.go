// Package cmds holds the ehosp subcommands.
package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ehosp/pkg/app"
	"github.com/go-go-golems/ehosp/pkg/config"
	"github.com/go-go-golems/ehosp/pkg/inference/gemini"
)

const AppName = "ehosp"

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consultation HTTP API and live websocket endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := config.NewViper(AppName, cmd)
			if err != nil {
				return err
			}
			s, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := s.RequireModel(); err != nil {
				return err
			}

			gen, err := gemini.New(ctx, s.Gemini())
			if err != nil {
				return err
			}
			a, err := app.New(ctx, app.Options{Settings: s, Generator: gen, Logger: log.Logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("close")
				}
			}()

			log.Info().
				Str("model", s.Model).
				Str("db_driver", s.DBDriver).
				Bool("redis_events", s.Redis.Enabled).
				Bool("redis_usage", s.RedisUsage).
				Int("specialists", len(a.Catalog.Specialists())).
				Msg("ehosp configured")
			return a.Run(ctx)
		},
	}
	config.AddServeFlags(cmd)
	return cmd
}
