package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ehosp/pkg/config"
	"github.com/go-go-golems/ehosp/pkg/persistence/sqldb"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the accounts database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(AppName, cmd)
			if err != nil {
				return err
			}
			s, err := config.Load(v)
			if err != nil {
				return err
			}
			dbSettings, err := s.Database()
			if err != nil {
				return err
			}
			db, err := sqldb.Open(cmd.Context(), dbSettings)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			log.Info().Str("driver", dbSettings.Driver).Msg("database is up to date")
			return nil
		},
	}
	config.AddDBFlags(cmd)
	return cmd
}
