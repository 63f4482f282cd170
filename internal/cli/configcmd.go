package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func (c *CLI) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *c.cfg
			if cfg.Store.Redis.Password != "" {
				cfg.Store.Redis.Password = "********"
			}
			enc := json.NewEncoder(c.out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
