package command

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"shipchat/session"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <request-id> <message...>",
		Short: "Send a message in a shipment request conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args[1:], " ")

			return withThread(cmd, args[0], func(ctx context.Context, rt *runtime, view *session.View) error {
				var (
					mu        sync.Mutex
					confirmed string
					localID   string
				)
				stop := view.Subscribe(func(event session.Event) {
					if event.Kind != session.EventMessageConfirmed {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if event.LocalID == localID {
						confirmed = event.Message.ID
					}
				})
				defer stop()

				mu.Lock()
				entry, action, err := view.Send(content)
				if err == nil {
					localID = entry.Message.ID
				}
				mu.Unlock()
				if err != nil {
					return err
				}

				if err := action.Wait(ctx); err != nil {
					if discardErr := view.Discard(localID); discardErr != nil {
						rt.logger.Debug("failed entry already gone")
					}
					return fmt.Errorf("send message: %w", err)
				}

				mu.Lock()
				id := confirmed
				mu.Unlock()
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", valueOr(id, "(confirmed)"))
				return nil
			})
		},
	}
}
