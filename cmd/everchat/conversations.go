package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/everchat/everchat/internal/chat/session"
)

// ConversationsCmd manages stored conversations and folders
func ConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List and manage conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listConversations(cmd)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listConversations(cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			conv, err := a.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			fmt.Printf("%s (%d messages)\n", conv.Title, len(conv.Messages))
			if conv.Summary != "" {
				fmt.Printf("-- summary --\n%s\n-- end summary --\n", conv.Summary)
			}
			for _, m := range conv.Messages {
				fmt.Printf("[%s] %s\n", m.Role, m.Content)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its memory records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sessions.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "edit <conversation-id> <message-id> <content>",
		Short: "Rewrite a user message in place",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			conv, err := a.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			return a.sessions.EditMessage(cmd.Context(), conv, args[1], args[2])
		},
	})
	cmd.AddCommand(foldersCmd())
	return cmd
}

func listConversations(cmd *cobra.Command) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	convs, err := a.sessions.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}
	for _, c := range convs {
		updated := time.Unix(c.UpdatedAt, 0).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-30s  %3d messages  %s\n", c.ID, c.Title, len(c.Messages), updated)
	}
	return nil
}

func foldersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List and manage folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			folders, err := a.sessions.Folders(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range folders {
				fmt.Printf("%s  %s\n", f.ID, f.Name)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			folders, err := a.sessions.Folders(ctx)
			if err != nil {
				return err
			}
			folders = append(folders, session.Folder{
				ID:        fmt.Sprintf("folder-%d", time.Now().UnixNano()),
				Name:      args[0],
				CreatedAt: time.Now().Unix(),
			})
			return a.sessions.SaveFolders(ctx, folders)
		},
	})
	return cmd
}
