package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ehosp/cmd/ehosp/cmds"
	"github.com/go-go-golems/ehosp/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   cmds.AppName,
	Short: "ehosp serves medical specialist persona consultations over HTTP and websocket",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and co are parsed
		v, err := config.NewViper(cmds.AppName, cmd)
		if err != nil {
			return err
		}
		return config.InitLogger(v.GetString("log-level"), v.GetString("log-format"))
	},
	SilenceUsage: true,
}

func main() {
	config.AddLoggingFlags(rootCmd)
	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewMigrateCommand(),
		cmds.NewCatalogCommand(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("ehosp failed")
		os.Exit(1)
	}
}
