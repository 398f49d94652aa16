package cli

import (
	"github.com/spf13/cobra"

	"github.com/everchat/everchat/internal/chat/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile  string
	modelArg string
	verbose  bool
)

// Cfg holds the loaded configuration (set by main)
var Cfg *config.Config

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	Cfg = c

	rootCmd := &cobra.Command{
		Use:   "everchat",
		Short: "Everchat - unbounded-context chat",
		Long: `Everchat keeps long conversations inside a model's context window by
combining a rolling summary, semantic retrieval of older messages, and
the most recent turns under a per-model token budget.

Just type 'everchat' to open a new conversation.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			loaded, err := config.LoadFrom(cfgFile)
			if err != nil {
				return err
			}
			Cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), "")
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.everchat/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&modelArg, "model", "m", "", "model id override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(ChatCmd())
	rootCmd.AddCommand(ConversationsCmd())
	rootCmd.AddCommand(StorageCmd())
	rootCmd.AddCommand(ConfigCmd())

	return rootCmd
}
