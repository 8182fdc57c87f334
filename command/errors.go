package command

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"shipchat/api"
	"shipchat/config"
	"shipchat/session"
)

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	var statusErr *api.StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized:
		fmt.Fprintf(cmd.ErrOrStderr(), "Hint: export a valid bearer token in %s\n", config.EnvToken)
	case errors.Is(err, session.ErrConversationClosed):
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: the conversation is read-only now")
	case errors.Is(err, api.ErrNotFound):
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: check the request id with 'shipchat list'")
	}

	return err
}
