package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewReadCmd creates the read command.
func NewReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-or-request-id>",
		Short: "Mark a conversation read without opening it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.session.RefreshList(ctx); err != nil {
					return err
				}
				conversation, err := findConversation(rt.session, args[0])
				if err != nil {
					return err
				}
				if _, err := rt.session.MarkAsRead(ctx, conversation.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %s read. Unread: %d\n", conversation.RequestID, rt.session.Badge())
				return nil
			})
		},
	}
}
