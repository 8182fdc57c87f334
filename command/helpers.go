package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shipchat/inbox"
	"shipchat/models"
	"shipchat/session"
)

// clock is replaced in tests so relative times are stable.
var clock = time.Now

// withSession runs fn against a live session and always tears it down.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer rt.Close()

	if err := fn(ctx, rt); err != nil {
		return writeCommandError(cmd, err)
	}
	return nil
}

// withThread opens the thread bound to requestID for the duration of fn.
func withThread(cmd *cobra.Command, requestID string, fn func(ctx context.Context, rt *runtime, view *session.View) error) error {
	return withSession(cmd, func(ctx context.Context, rt *runtime) error {
		view, err := rt.session.OpenThread(ctx, requestID)
		if err != nil {
			return err
		}
		defer view.Close()
		return fn(ctx, rt, view)
	})
}

// findConversation resolves a conversation id or request id against the list.
func findConversation(sess *session.Session, ref string) (models.Conversation, error) {
	for _, c := range sess.Conversations(inbox.FilterAll) {
		if c.ID == ref || c.RequestID == ref {
			return c, nil
		}
	}
	return models.Conversation{}, fmt.Errorf("conversation not found: %s", ref)
}
