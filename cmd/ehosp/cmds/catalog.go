package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/ehosp/pkg/catalog"
)

func NewCatalogCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate and print the specialist and plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c   *catalog.Catalog
				err error
			)
			if file != "" {
				c, err = catalog.LoadFile(file)
			} else {
				c, err = catalog.Default()
			}
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c); err != nil {
				return errors.Wrap(err, "encode catalog")
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVar(&file, "catalog", "", "YAML catalog to validate (embedded default when empty)")
	return cmd
}
