package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shipchat/inbox"
)

// NewListCmd creates the list command.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("filter")
			filter, err := inbox.ParseFilter(name)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.session.RefreshList(ctx); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				sess := rt.session
				fmt.Fprintln(out, formatCounts(sess.Counts()))
				fmt.Fprintf(out, "Unread: %d\n", sess.Badge())

				conversations := sess.Conversations(filter)
				if len(conversations) == 0 {
					fmt.Fprintf(out, "No %s conversations.\n", filter)
					return nil
				}
				now := clock()
				for _, c := range conversations {
					fmt.Fprintln(out, formatConversation(c, sess.UserID(), now))
				}
				return nil
			})
		},
	}

	cmd.Flags().String("filter", string(inbox.FilterAll), "all, unread, open or closed")
	return cmd
}
