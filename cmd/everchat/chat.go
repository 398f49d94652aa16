package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/everchat/everchat/internal/chat/stream"
)

// ChatCmd opens an interactive conversation
func ChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat interactively (new conversation unless an id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return runChat(cmd.Context(), id)
		},
	}
}

func runChat(ctx context.Context, conversationID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if conversationID == "" {
		conv, err := a.sessions.Create(ctx, "New conversation")
		if err != nil {
			return err
		}
		conversationID = conv.ID
		fmt.Printf("Started conversation %s\n", conversationID)
	} else if conv, err := a.sessions.Get(ctx, conversationID); err != nil || conv == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	model := a.model()
	fmt.Printf("Model: %s  (/regen to retry, /quit to exit)\n\n", model.ID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/regen":
			if err := streamTurn(a, ctx, func(reqCtx context.Context, cb stream.Callbacks) error {
				return a.engine.Regenerate(reqCtx, conversationID, model, a.cfg.SystemPrompt, cb)
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			continue
		}

		if err := streamTurn(a, ctx, func(reqCtx context.Context, cb stream.Callbacks) error {
			return a.engine.Send(reqCtx, conversationID, line, nil, model, a.cfg.SystemPrompt, cb)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// streamTurn runs one engine call, printing chunks as they arrive.
func streamTurn(a *app, parent context.Context, run func(context.Context, stream.Callbacks) error) error {
	ctx, cancel := a.requestContext(parent)
	defer cancel()

	var failure error
	err := run(ctx, stream.Callbacks{
		OnChunk:    func(text string) { fmt.Print(text) },
		OnComplete: func() { fmt.Println() },
		OnError:    func(err error) { failure = err },
	})
	if err != nil {
		return err
	}
	return failure
}
