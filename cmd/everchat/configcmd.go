package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ConfigCmd inspects and initializes the configuration
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(Cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the current configuration to ~/.everchat/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := Cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("Wrote %s/config.yaml\n", Cfg.DataDir)
			return nil
		},
	})
	return cmd
}
