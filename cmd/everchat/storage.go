package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// StorageCmd manages the storage backend
func StorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and switch the storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			size, err := a.manager.Size(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Backend: %s\nSize:    %d bytes\n", Cfg.Storage.Backend, size)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "switch <sqlite|directory>",
		Short: "Switch backends, migrating all records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if target == Cfg.Storage.Backend {
				fmt.Printf("Already on %s\n", target)
				return nil
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			dst, err := openBackend(Cfg, target)
			if err != nil {
				return err
			}
			if err := a.manager.Switch(cmd.Context(), dst); err != nil {
				dst.Close()
				return fmt.Errorf("migration failed, staying on %s: %w", Cfg.Storage.Backend, err)
			}

			Cfg.Storage.Backend = target
			if err := Cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("Migrated to %s\n", target)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all conversations, embeddings, summaries and media",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sessions.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("All records deleted.")
			return nil
		},
	})
	return cmd
}
