package command

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"shipchat/session"
)

// NewThreadCmd creates the thread command.
func NewThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread <request-id>",
		Short: "Show the conversation of a shipment request",
		Long:  "Show the conversation bound to a shipment request and mark it read. With --follow, keep printing new activity until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")

			return withThread(cmd, args[0], func(ctx context.Context, rt *runtime, view *session.View) error {
				out := cmd.OutOrStdout()
				printThreadHeader(out, view)
				for _, line := range formatThread(view.Entries(), rt.session.UserID(), clock(), time.Local) {
					fmt.Fprintln(out, line)
				}
				if err := view.ReadAction.Wait(ctx); err != nil {
					rt.logger.Debug("thread not marked read")
				}
				if !follow {
					return nil
				}

				f := &follower{out: out, selfID: rt.session.UserID()}
				stopState := rt.session.Subscribe(f.channelEvent)
				defer stopState()
				stopView := view.Subscribe(f.threadEvent)
				defer stopView()

				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolP("follow", "f", false, "keep printing new messages")
	return cmd
}

func printThreadHeader(out io.Writer, view *session.View) {
	request := view.Request()
	title := request.Title
	if title == "" {
		title = request.ID
	}
	fmt.Fprintf(out, "%s", title)
	if request.Origin != "" || request.Destination != "" {
		fmt.Fprintf(out, " (%s -> %s)", request.Origin, request.Destination)
	}
	if !view.Active() {
		fmt.Fprint(out, " [closed]")
	}
	fmt.Fprintln(out)
}

// follower prints live thread activity. Bus handlers may run on several
// goroutines, so writes are serialized.
type follower struct {
	mu     sync.Mutex
	out    io.Writer
	selfID string
}

func (f *follower) println(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintln(f.out, line)
}

func (f *follower) threadEvent(event session.Event) {
	switch event.Kind {
	case session.EventMessageAppended:
		if event.LocalID == "" {
			f.println(formatMessage(event.Message, f.selfID, time.Local))
		}
	case session.EventReactionsReplaced:
		f.println(fmt.Sprintf("*     reactions on %s: %s", event.Message.ID, valueOr(formatReactions(event.Reactions), "none")))
	case session.EventConversationClosed:
		f.println("*     conversation closed")
	}
}

func (f *follower) channelEvent(event session.Event) {
	if event.Kind != session.EventChannelState {
		return
	}
	if event.Err != nil {
		f.println(fmt.Sprintf("*     push channel %s: %v", event.State, event.Err))
		return
	}
	f.println(fmt.Sprintf("*     push channel %s", event.State))
}
