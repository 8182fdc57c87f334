package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shipchat/session"
)

// NewReactCmd creates the react command.
func NewReactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <request-id> <message-id> <emoji>",
		Short: "Toggle your reaction on a message",
		Long:  "Add the emoji to a message, or remove it when you already reacted with it. The result shown is the server's aggregate.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, emoji := args[1], args[2]

			return withThread(cmd, args[0], func(ctx context.Context, rt *runtime, view *session.View) error {
				action, err := view.ToggleReaction(messageID, emoji)
				if err != nil {
					return err
				}
				if err := action.Wait(ctx); err != nil {
					return fmt.Errorf("toggle reaction: %w", err)
				}

				verb := "Removed"
				if view.HasReacted(messageID, emoji) {
					verb = "Added"
				}
				reactions := "none"
				for _, entry := range view.Entries() {
					if entry.Message.ID == messageID {
						reactions = valueOr(formatReactions(entry.Message.Reactions), "none")
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\nReactions: %s\n", verb, emoji, messageID, reactions)
				return nil
			})
		},
	}
}
